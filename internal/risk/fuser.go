// Package risk fuses cue extraction output, session history and a time-of-day
// prior into one explainable agitation-risk score.
package risk

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/calmcompanion/internal/cues"
	"github.com/ent0n29/calmcompanion/internal/textnorm"
)

// Factor is one signed term of a score, in the order it was applied.
type Factor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Detail       string  `json:"detail,omitempty"`
}

// History is the read-only view of a session the fuser needs.
type History struct {
	// HasTrend is false for the first turn of a session.
	HasTrend bool
	Trend    float64
	// RecentTokens holds the normalised tokens of the latest turns, oldest first.
	RecentTokens [][]string
}

// Assessment is the fused result for one turn.
type Assessment struct {
	Score       float64
	Instant     float64
	Cues        cues.Set
	Triggers    map[string]bool
	Explanation []Factor
}

// Fuser is stateless apart from its weight table and safe for concurrent use.
type Fuser struct {
	w Weights
}

// NewFuser panics on an invalid table; callers validate configuration first.
func NewFuser(w Weights) *Fuser {
	if err := w.Validate(); err != nil {
		panic("risk: invalid weights: " + err.Error())
	}
	return &Fuser{w: w}
}

func (f *Fuser) Weights() Weights { return f.w }

// Score never fails. Text the extractor cannot interpret contributes nothing, so
// the result degrades to the time-of-day and history terms.
func (f *Fuser) Score(h History, ex cues.Result, at time.Time) Assessment {
	active := ex.Cues.Clone()
	if active == nil {
		active = cues.NewSet()
	}
	repeatedFromHistory := false
	if !active.Has(cues.Repetition) && f.repeatsHistory(ex.Tokens, h.RecentTokens) {
		active.Add(cues.Repetition)
		repeatedFromHistory = true
	}

	factors := make([]Factor, 0, len(active)+6)
	raw := 0.0
	add := func(fc Factor) {
		raw += fc.Contribution
		factors = append(factors, fc)
	}

	add(Factor{Name: "sentiment", Contribution: f.w.Sentiment * math.Max(0, -finite(ex.Sentiment))})

	cueSum := 0.0
	for _, c := range active.Sorted() {
		contrib := math.Min(f.w.Cues[c], f.w.CueCap)
		detail := ex.Matches[c]
		if c == cues.Repetition && repeatedFromHistory {
			detail = "repeats a recent turn"
		}
		cueSum += contrib
		add(Factor{Name: "cue:" + string(c), Contribution: contrib, Detail: detail})
	}
	if cueSum > f.w.CueTotalCap {
		add(Factor{Name: "cue_cap", Contribution: f.w.CueTotalCap - cueSum})
	}
	if ex.Emphatic && f.w.Emphasis > 0 {
		add(Factor{Name: "emphasis", Contribution: f.w.Emphasis})
	}
	runes := utf8.RuneCountInString(ex.Normalized)
	add(Factor{Name: "length", Contribution: f.w.Length * math.Min(1, float64(runes)/float64(f.w.LengthSaturation))})
	add(Factor{Name: "time_of_day", Contribution: f.w.TimeOfDay * TimePrior(at.Hour()), Detail: at.Format("15:04")})

	instant := clamp01(raw)
	if instant != raw {
		factors = append(factors, Factor{Name: "clamp", Contribution: instant - raw})
	}

	trend := instant
	if h.HasTrend {
		trend = clamp01(finite(h.Trend))
	}
	score := clamp01(f.w.Alpha*instant + (1-f.w.Alpha)*trend)
	factors = append(factors, Factor{Name: "history_smoothing", Contribution: score - instant})

	return Assessment{
		Score:       score,
		Instant:     instant,
		Cues:        active,
		Triggers:    TriggerMap(active),
		Explanation: factors,
	}
}

func (f *Fuser) repeatsHistory(tokens []string, recent [][]string) bool {
	if len(tokens) == 0 || f.w.RepetitionWindow == 0 {
		return false
	}
	start := len(recent) - f.w.RepetitionWindow
	if start < 0 {
		start = 0
	}
	for _, prev := range recent[start:] {
		if len(prev) == 0 {
			continue
		}
		if textnorm.Jaccard(tokens, prev) >= f.w.RepetitionJaccard {
			return true
		}
	}
	return false
}

// TriggerMap reports every category, true when active.
func TriggerMap(active cues.Set) map[string]bool {
	out := make(map[string]bool, len(cues.All))
	for _, c := range cues.All {
		out[string(c)] = active.Has(c)
	}
	return out
}

// TimePrior is the sundowning prior for an hour of day in [0,23].
func TimePrior(hour int) float64 {
	switch {
	case hour >= 16 && hour <= 22:
		return 1.0
	case hour >= 14 && hour < 16, hour == 23:
		return 0.5
	default:
		return 0
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
