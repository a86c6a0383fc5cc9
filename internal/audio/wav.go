package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SampleFormat is the integer PCM layout of a delivered file.
type SampleFormat string

const (
	FormatPCM16 SampleFormat = "pcm16"
	FormatPCM24 SampleFormat = "pcm24"
)

const wavFormatPCM = 1

func ParseSampleFormat(v string) (SampleFormat, error) {
	switch SampleFormat(strings.ToLower(strings.TrimSpace(v))) {
	case FormatPCM16:
		return FormatPCM16, nil
	case FormatPCM24, "":
		return FormatPCM24, nil
	}
	return "", fmt.Errorf("unsupported output format %q (want pcm16|pcm24)", v)
}

// FormatForBitDepth maps a manifest bit depth to a sample format.
func FormatForBitDepth(bits int) (SampleFormat, error) {
	switch bits {
	case 16:
		return FormatPCM16, nil
	case 24:
		return FormatPCM24, nil
	}
	return "", fmt.Errorf("unsupported bit depth %d (want 16|24)", bits)
}

func (f SampleFormat) BitDepth() int {
	if f == FormatPCM16 {
		return 16
	}
	return 24
}

// PCM is interleaved stereo integer audio ready to be written.
type PCM struct {
	SampleRate int
	BitDepth   int
	Data       []int
}

func (p *PCM) Frames() int { return len(p.Data) / 2 }

func fullScale(bits int) float64 { return float64(int64(1) << (bits - 1)) }

// Quantize converts a float stem to integer PCM. dither, when non-nil, returns
// noise in LSB units added before rounding.
func Quantize(s *Stem, format SampleFormat, dither func() float64) *PCM {
	bits := format.BitDepth()
	scale := fullScale(bits)
	hi, lo := scale-1, -scale
	out := &PCM{SampleRate: s.SampleRate, BitDepth: bits, Data: make([]int, 2*s.Frames())}
	q := func(v float32) int {
		x := float64(v) * scale
		if dither != nil {
			x += dither()
		}
		x = math.Round(x)
		if x > hi {
			x = hi
		} else if x < lo {
			x = lo
		}
		return int(x)
	}
	for i := range s.L {
		out.Data[2*i] = q(s.L[i])
		out.Data[2*i+1] = q(s.R[i])
	}
	return out
}

// Stem converts PCM back to float for measurement.
func (p *PCM) Stem(name string) *Stem {
	frames := p.Frames()
	st := NewStem(name, p.SampleRate, frames)
	scale := fullScale(p.BitDepth)
	for i := 0; i < frames; i++ {
		st.L[i] = float32(float64(p.Data[2*i]) / scale)
		st.R[i] = float32(float64(p.Data[2*i+1]) / scale)
	}
	return st
}

// EncodePCM writes p as a WAV stream.
func EncodePCM(w io.WriteSeeker, p *PCM) error {
	enc := wav.NewEncoder(w, p.SampleRate, p.BitDepth, 2, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: p.SampleRate},
		Data:           p.Data,
		SourceBitDepth: p.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// WriteFile writes p to path, replacing any existing file.
func WriteFile(path string, p *PCM) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := EncodePCM(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SourceInfo captures the representation of a decoded file before any
// conversion to float.
type SourceInfo struct {
	Path       string `json:"path,omitempty"`
	SampleRate int    `json:"sample_rate"`
	BitDepth   int    `json:"bit_depth"`
	Channels   int    `json:"channels"`
	Format     int    `json:"format"`
	Frames     int    `json:"frames"`
}

// Decode reads an integer PCM WAV stream into a stereo stem. Mono sources are
// duplicated to both channels. Float and compressed WAV variants are rejected
// rather than guessed at.
func Decode(r io.ReadSeeker, name string) (*Stem, SourceInfo, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, SourceInfo{}, fmt.Errorf("%s: not a valid wav stream", name)
	}
	info := SourceInfo{
		SampleRate: int(dec.SampleRate),
		BitDepth:   int(dec.BitDepth),
		Channels:   int(dec.NumChans),
		Format:     int(dec.WavAudioFormat),
	}
	if info.Format != wavFormatPCM {
		return nil, info, fmt.Errorf("%s: unsupported wav format tag %d (integer PCM required)", name, info.Format)
	}
	switch info.BitDepth {
	case 16, 24, 32:
	default:
		return nil, info, fmt.Errorf("%s: unsupported bit depth %d", name, info.BitDepth)
	}
	if info.Channels != 1 && info.Channels != 2 {
		return nil, info, fmt.Errorf("%s: unsupported channel count %d", name, info.Channels)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, info, fmt.Errorf("%s: read pcm: %w", name, err)
	}
	scale := fullScale(info.BitDepth)
	frames := len(buf.Data) / info.Channels
	info.Frames = frames
	st := NewStem(name, info.SampleRate, frames)
	for i := 0; i < frames; i++ {
		if info.Channels == 1 {
			v := float32(float64(buf.Data[i]) / scale)
			st.L[i], st.R[i] = v, v
			continue
		}
		st.L[i] = float32(float64(buf.Data[2*i]) / scale)
		st.R[i] = float32(float64(buf.Data[2*i+1]) / scale)
	}
	return st, info, nil
}

// ReadFile decodes the WAV file at path.
func ReadFile(path, name string) (*Stem, SourceInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, SourceInfo{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	st, info, err := Decode(f, name)
	info.Path = path
	return st, info, err
}
