package voice

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-render/internal/audio"
)

// ExecProvider runs an external speech command. The command reads one JSON
// request on stdin and answers with JSON lines carrying base64 16-bit
// little-endian PCM chunks.
type ExecProvider struct {
	cmd      []string
	channels int
	mu       sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecProvider(command string, channels int) (*ExecProvider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse voice command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("voice command empty")
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("voice channels must be 1 or 2, got %d", channels)
	}
	return &ExecProvider{cmd: args, channels: channels}, nil
}

// Fetch runs one command at a time; parallel renders queue on the mutex.
func (e *ExecProvider) Fetch(ctx context.Context, req Request) (*audio.Stem, error) {
	if req.Script == "" {
		return nil, fmt.Errorf("voice: exec provider needs a script")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Script,
		Voice:      req.Voice,
		SampleRate: req.SampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start voice command: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Wait()
		return nil, err
	}
	stdin.Close()

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("voice command output: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("voice command output: %w", err)
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctxErr := audio.Interrupted(ctx, "voice"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("voice command: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return decodePCM16(pcm, e.channels, req.SampleRate), nil
}

// decodePCM16 converts interleaved little-endian samples to a stereo stem.
// A trailing partial frame is dropped.
func decodePCM16(pcm []byte, channels, sampleRate int) *audio.Stem {
	frame := 2 * channels
	frames := len(pcm) / frame
	st := audio.NewStem("voice", sampleRate, frames)
	for i := 0; i < frames; i++ {
		l := float32(int16(binary.LittleEndian.Uint16(pcm[i*frame:]))) / 32768
		r := l
		if channels == 2 {
			r = float32(int16(binary.LittleEndian.Uint16(pcm[i*frame+2:]))) / 32768
		}
		st.L[i], st.R[i] = l, r
	}
	return st
}
