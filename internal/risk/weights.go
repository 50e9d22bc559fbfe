package risk

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/calmcompanion/internal/cues"
)

// Weights is the fusion table. All values are heuristic constants; deployments
// can override any subset from a YAML file.
type Weights struct {
	Sentiment         float64
	Cues              map[cues.Category]float64
	CueCap            float64
	CueTotalCap       float64
	Emphasis          float64
	Length            float64
	LengthSaturation  int
	TimeOfDay         float64
	Alpha             float64
	RepetitionWindow  int
	RepetitionJaccard float64
}

func DefaultWeights() Weights {
	return Weights{
		Sentiment: 0.35,
		Cues: map[cues.Category]float64{
			cues.Door:        0.25,
			cues.ExitSeeking: 0.30,
			cues.Repetition:  0.15,
			cues.Hunger:      0.10,
			cues.Sundowning:  0.20,
			cues.Confusion:   0.20,
			cues.Pain:        0.20,
			cues.Loneliness:  0.10,
			cues.Overwhelm:   0.20,
			cues.Boredom:     0.05,
			cues.Routine:     0.10,
			cues.Environment: 0.10,
			cues.Physiology:  0.10,
			cues.Anxiety:     0.15,
		},
		CueCap:            0.30,
		CueTotalCap:       0.60,
		Emphasis:          0.05,
		Length:            0.05,
		LengthSaturation:  200,
		TimeOfDay:         0.20,
		Alpha:             0.6,
		RepetitionWindow:  5,
		RepetitionJaccard: 0.8,
	}
}

// Validate rejects tables that could push scores outside [0,1] or disable
// smoothing entirely.
func (w Weights) Validate() error {
	scalars := map[string]float64{
		"sentiment":          w.Sentiment,
		"cue_cap":            w.CueCap,
		"cue_total_cap":      w.CueTotalCap,
		"emphasis":           w.Emphasis,
		"length":             w.Length,
		"time_of_day":        w.TimeOfDay,
		"repetition_jaccard": w.RepetitionJaccard,
	}
	for name, v := range scalars {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("weight %s must be a non-negative number", name)
		}
	}
	for c, v := range w.Cues {
		if !cues.Known(c) {
			return fmt.Errorf("unknown cue category %q", c)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("weight for cue %q must be a non-negative number", c)
		}
	}
	if !(w.Alpha > 0 && w.Alpha <= 1) {
		return fmt.Errorf("alpha must be in (0,1]")
	}
	if w.RepetitionJaccard > 1 {
		return fmt.Errorf("repetition_jaccard must be <= 1")
	}
	if w.LengthSaturation <= 0 {
		return fmt.Errorf("length_saturation must be positive")
	}
	if w.RepetitionWindow < 0 {
		return fmt.Errorf("repetition_window must be >= 0")
	}
	return nil
}

type weightsFile struct {
	Sentiment         *float64           `yaml:"sentiment"`
	Cues              map[string]float64 `yaml:"cues"`
	CueCap            *float64           `yaml:"cue_cap"`
	CueTotalCap       *float64           `yaml:"cue_total_cap"`
	Emphasis          *float64           `yaml:"emphasis"`
	Length            *float64           `yaml:"length"`
	LengthSaturation  *int               `yaml:"length_saturation"`
	TimeOfDay         *float64           `yaml:"time_of_day"`
	Alpha             *float64           `yaml:"alpha"`
	RepetitionWindow  *int               `yaml:"repetition_window"`
	RepetitionJaccard *float64           `yaml:"repetition_jaccard"`
}

// ParseWeights overlays a YAML document on the defaults.
func ParseWeights(raw []byte) (Weights, error) {
	var f weightsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Weights{}, fmt.Errorf("parse weights: %w", err)
	}
	w := DefaultWeights()
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setI := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setF(&w.Sentiment, f.Sentiment)
	setF(&w.CueCap, f.CueCap)
	setF(&w.CueTotalCap, f.CueTotalCap)
	setF(&w.Emphasis, f.Emphasis)
	setF(&w.Length, f.Length)
	setI(&w.LengthSaturation, f.LengthSaturation)
	setF(&w.TimeOfDay, f.TimeOfDay)
	setF(&w.Alpha, f.Alpha)
	setI(&w.RepetitionWindow, f.RepetitionWindow)
	setF(&w.RepetitionJaccard, f.RepetitionJaccard)
	for name, v := range f.Cues {
		w.Cues[cues.Category(name)] = v
	}
	if err := w.Validate(); err != nil {
		return Weights{}, err
	}
	return w, nil
}

// LoadWeights reads a YAML weight file; an empty path returns the defaults.
func LoadWeights(path string) (Weights, error) {
	if path == "" {
		return DefaultWeights(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, fmt.Errorf("read weights file: %w", err)
	}
	return ParseWeights(raw)
}
