package mastering

import (
	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
)

// EQ is a broad corrective curve: a low shelf, a presence bell and a high
// shelf. Bands with zero gain are skipped.
type EQ struct {
	LowShelfHz  float64 `yaml:"low_shelf_hz" json:"low_shelf_hz"`
	LowShelfDB  float64 `yaml:"low_shelf_db" json:"low_shelf_db"`
	PresenceHz  float64 `yaml:"presence_hz" json:"presence_hz"`
	PresenceDB  float64 `yaml:"presence_db" json:"presence_db"`
	PresenceQ   float64 `yaml:"presence_q" json:"presence_q"`
	HighShelfHz float64 `yaml:"high_shelf_hz" json:"high_shelf_hz"`
	HighShelfDB float64 `yaml:"high_shelf_db" json:"high_shelf_db"`
}

func (e EQ) Enabled() bool {
	return e.LowShelfDB != 0 || e.PresenceDB != 0 || e.HighShelfDB != 0
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func (e EQ) chain(sampleRate int) dsp.Chain {
	var c dsp.Chain
	if e.LowShelfDB != 0 {
		c = append(c, dsp.LowShelf(orDefault(e.LowShelfHz, 100), 0.7071, e.LowShelfDB, sampleRate))
	}
	if e.PresenceDB != 0 {
		c = append(c, dsp.Peaking(orDefault(e.PresenceHz, 3000), orDefault(e.PresenceQ, 0.8), e.PresenceDB, sampleRate))
	}
	if e.HighShelfDB != 0 {
		c = append(c, dsp.HighShelf(orDefault(e.HighShelfHz, 10000), 0.7071, e.HighShelfDB, sampleRate))
	}
	return c
}

// Apply filters st in place.
func (e EQ) Apply(st *audio.Stem) {
	if !e.Enabled() {
		return
	}
	lc := e.chain(st.SampleRate)
	rc := lc.Clone()
	for i := range st.L {
		st.L[i] = float32(lc.Process(float64(st.L[i])))
		st.R[i] = float32(rc.Process(float64(st.R[i])))
	}
}
