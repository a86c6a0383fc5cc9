// Package dsp holds the small signal-processing blocks shared by the
// generators, the mixer and the mastering chain.
package dsp

import "math"

// Biquad is a second-order IIR section in transposed direct form II.
// Coefficients are normalised so that a0 == 1.
type Biquad struct {
	B0, B1, B2 float64
	A1, A2     float64
	z1, z2     float64
}

// NewBiquad builds a section from already-normalised coefficients.
func NewBiquad(b0, b1, b2, a1, a2 float64) *Biquad {
	return &Biquad{B0: b0, B1: b1, B2: b2, A1: a1, A2: a2}
}

func (f *Biquad) Process(x float64) float64 {
	y := f.B0*x + f.z1
	f.z1 = f.B1*x - f.A1*y + f.z2
	f.z2 = f.B2*x - f.A2*y
	return y
}

func (f *Biquad) Reset() { f.z1, f.z2 = 0, 0 }

// Clone returns a copy of the coefficients with fresh state.
func (f *Biquad) Clone() *Biquad {
	return &Biquad{B0: f.B0, B1: f.B1, B2: f.B2, A1: f.A1, A2: f.A2}
}

// Response returns the magnitude response in dB at freq.
func (f *Biquad) Response(freq float64, sampleRate int) float64 {
	w := 2 * math.Pi * freq / float64(sampleRate)
	cos1, sin1 := math.Cos(w), math.Sin(w)
	cos2, sin2 := math.Cos(2*w), math.Sin(2*w)
	nr := f.B0 + f.B1*cos1 + f.B2*cos2
	ni := -f.B1*sin1 - f.B2*sin2
	dr := 1 + f.A1*cos1 + f.A2*cos2
	di := -f.A1*sin1 - f.A2*sin2
	mag := math.Sqrt((nr*nr + ni*ni) / (dr*dr + di*di))
	return 20 * math.Log10(mag)
}

// The constructors below follow the RBJ audio EQ cookbook.

func rbj(freq, q float64, sampleRate int) (cosw, alpha float64) {
	freq = clampFreq(freq, sampleRate)
	w := 2 * math.Pi * freq / float64(sampleRate)
	return math.Cos(w), math.Sin(w) / (2 * q)
}

func clampFreq(freq float64, sampleRate int) float64 {
	nyq := float64(sampleRate) / 2
	switch {
	case freq < 1:
		return 1
	case freq > nyq*0.98:
		return nyq * 0.98
	}
	return freq
}

func normalise(b0, b1, b2, a0, a1, a2 float64) *Biquad {
	return NewBiquad(b0/a0, b1/a0, b2/a0, a1/a0, a2/a0)
}

func LowPass(freq, q float64, sampleRate int) *Biquad {
	c, a := rbj(freq, q, sampleRate)
	return normalise((1-c)/2, 1-c, (1-c)/2, 1+a, -2*c, 1-a)
}

func HighPass(freq, q float64, sampleRate int) *Biquad {
	c, a := rbj(freq, q, sampleRate)
	return normalise((1+c)/2, -(1 + c), (1+c)/2, 1+a, -2*c, 1-a)
}

// BandPass has constant 0 dB peak gain.
func BandPass(freq, q float64, sampleRate int) *Biquad {
	c, a := rbj(freq, q, sampleRate)
	return normalise(a, 0, -a, 1+a, -2*c, 1-a)
}

func Peaking(freq, q, gainDB float64, sampleRate int) *Biquad {
	c, a := rbj(freq, q, sampleRate)
	A := math.Pow(10, gainDB/40)
	return normalise(1+a*A, -2*c, 1-a*A, 1+a/A, -2*c, 1-a/A)
}

func LowShelf(freq, q, gainDB float64, sampleRate int) *Biquad {
	c, a := rbj(freq, q, sampleRate)
	A := math.Pow(10, gainDB/40)
	sq := 2 * math.Sqrt(A) * a
	return normalise(
		A*((A+1)-(A-1)*c+sq),
		2*A*((A-1)-(A+1)*c),
		A*((A+1)-(A-1)*c-sq),
		(A+1)+(A-1)*c+sq,
		-2*((A-1)+(A+1)*c),
		(A+1)+(A-1)*c-sq,
	)
}

func HighShelf(freq, q, gainDB float64, sampleRate int) *Biquad {
	c, a := rbj(freq, q, sampleRate)
	A := math.Pow(10, gainDB/40)
	sq := 2 * math.Sqrt(A) * a
	return normalise(
		A*((A+1)+(A-1)*c+sq),
		-2*A*((A-1)+(A+1)*c),
		A*((A+1)+(A-1)*c-sq),
		(A+1)-(A-1)*c+sq,
		2*((A-1)-(A+1)*c),
		(A+1)-(A-1)*c-sq,
	)
}

// Chain runs several sections in series.
type Chain []*Biquad

func (c Chain) Process(x float64) float64 {
	for _, f := range c {
		x = f.Process(x)
	}
	return x
}

func (c Chain) Clone() Chain {
	out := make(Chain, len(c))
	for i, f := range c {
		out[i] = f.Clone()
	}
	return out
}
