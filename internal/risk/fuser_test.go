package risk

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/ent0n29/calmcompanion/internal/cues"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, 3, 14, hour, minute, 0, 0, time.UTC)
}

func factorByName(fs []Factor, name string) (Factor, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f, true
		}
	}
	return Factor{}, false
}

func sumContributions(fs []Factor) float64 {
	total := 0.0
	for _, f := range fs {
		total += f.Contribution
	}
	return total
}

func TestScoreExitSeekingAtDusk(t *testing.T) {
	f := NewFuser(DefaultWeights())
	ex := cues.NewExtractor().Extract("he keeps trying to leave through the door, agitated")
	a := f.Score(History{}, ex, at(19, 30))

	if a.Score <= 0.5 {
		t.Fatalf("Score = %.3f, want > 0.5", a.Score)
	}
	for _, name := range []string{"cue:door", "cue:exit-seeking", "time_of_day", "sentiment"} {
		fc, ok := factorByName(a.Explanation, name)
		if !ok {
			t.Fatalf("explanation missing %q: %+v", name, a.Explanation)
		}
		if fc.Contribution <= 0 {
			t.Fatalf("%s contribution = %.3f, want > 0", name, fc.Contribution)
		}
	}
	if !a.Triggers["door"] || !a.Triggers["exit-seeking"] {
		t.Fatalf("Triggers = %v, want door and exit-seeking", a.Triggers)
	}
	if len(a.Triggers) != len(cues.All) {
		t.Fatalf("len(Triggers) = %d, want %d", len(a.Triggers), len(cues.All))
	}
}

func TestScoreEmptyTextIsTimeOfDayBaseline(t *testing.T) {
	w := DefaultWeights()
	f := NewFuser(w)
	ex := cues.NewExtractor().Extract("")

	evening := f.Score(History{}, ex, at(19, 30))
	if math.Abs(evening.Score-w.TimeOfDay) > 1e-9 {
		t.Fatalf("evening Score = %.6f, want %.6f", evening.Score, w.TimeOfDay)
	}
	morning := f.Score(History{}, ex, at(9, 0))
	if morning.Score != 0 {
		t.Fatalf("morning Score = %.6f, want 0", morning.Score)
	}
	for _, fc := range evening.Explanation {
		if fc.Name == "sentiment" || fc.Name == "length" {
			if fc.Contribution != 0 {
				t.Fatalf("%s contribution = %.6f, want 0 for empty text", fc.Name, fc.Contribution)
			}
		}
	}

	withHistory := f.Score(History{HasTrend: true, Trend: 0.8}, ex, at(9, 0))
	want := (1 - w.Alpha) * 0.8
	if math.Abs(withHistory.Score-want) > 1e-9 {
		t.Fatalf("history-only Score = %.6f, want %.6f", withHistory.Score, want)
	}
}

func TestScoreHistoryDampsSwing(t *testing.T) {
	f := NewFuser(DefaultWeights())
	ext := cues.NewExtractor()

	first := f.Score(History{}, ext.Extract("Get away from me! I'm scared, where am I? Let me out the door!!!"), at(18, 0))
	second := f.Score(History{HasTrend: true, Trend: first.Score}, ext.Extract("I feel calm and happy now, thank you"), at(18, 5))

	if !(second.Instant < first.Instant) {
		t.Fatalf("instants not ordered: first %.3f second %.3f", first.Instant, second.Instant)
	}
	if !(second.Score > second.Instant && second.Score < first.Instant) {
		t.Fatalf("smoothed %.3f not strictly between %.3f and %.3f", second.Score, second.Instant, first.Instant)
	}
	smoothing, ok := factorByName(second.Explanation, "history_smoothing")
	if !ok || smoothing.Contribution <= 0 {
		t.Fatalf("history_smoothing = %+v, want positive", smoothing)
	}
}

func TestScoreFirstTurnHasNoSmoothing(t *testing.T) {
	f := NewFuser(DefaultWeights())
	a := f.Score(History{}, cues.NewExtractor().Extract("I'm hungry"), at(12, 0))
	if a.Score != a.Instant {
		t.Fatalf("Score = %.6f, Instant = %.6f, want equal on first turn", a.Score, a.Instant)
	}
}

func TestScoreCueCapApplied(t *testing.T) {
	f := NewFuser(DefaultWeights())
	ex := cues.NewExtractor().Extract("I'm scared and hungry, my head hurts, where am I, let me out the door, it's too loud")
	a := f.Score(History{}, ex, at(10, 0))
	fc, ok := factorByName(a.Explanation, "cue_cap")
	if !ok {
		t.Fatalf("expected cue_cap factor in %+v", a.Explanation)
	}
	if fc.Contribution >= 0 {
		t.Fatalf("cue_cap contribution = %.3f, want negative", fc.Contribution)
	}
}

func TestScoreSingleCueCannotSaturate(t *testing.T) {
	w := DefaultWeights()
	w.Cues[cues.Door] = 5
	f := NewFuser(w)
	a := f.Score(History{}, cues.NewExtractor().Extract("door"), at(9, 0))
	fc, _ := factorByName(a.Explanation, "cue:door")
	if fc.Contribution != w.CueCap {
		t.Fatalf("cue:door contribution = %.3f, want cap %.3f", fc.Contribution, w.CueCap)
	}
	if a.Score >= 1 {
		t.Fatalf("Score = %.3f, a single cue should not saturate", a.Score)
	}
}

func TestScoreRepetitionFromHistory(t *testing.T) {
	f := NewFuser(DefaultWeights())
	ext := cues.NewExtractor()
	prev := ext.Extract("When is my daughter coming?")
	cur := ext.Extract("when is my daughter coming")

	a := f.Score(History{HasTrend: true, Trend: 0.1, RecentTokens: [][]string{prev.Tokens}}, cur, at(11, 0))
	if !a.Cues.Has(cues.Repetition) {
		t.Fatalf("Cues = %v, want repetition", a.Cues.Strings())
	}
	fc, ok := factorByName(a.Explanation, "cue:repetition")
	if !ok || fc.Detail == "" {
		t.Fatalf("cue:repetition factor = %+v, want detail", fc)
	}
	if cur.Cues.Has(cues.Repetition) {
		t.Fatalf("extractor output was mutated")
	}

	fresh := f.Score(History{}, cur, at(11, 0))
	if fresh.Cues.Has(cues.Repetition) {
		t.Fatalf("repetition without history")
	}
}

func TestScoreExplanationSumsToScore(t *testing.T) {
	f := NewFuser(DefaultWeights())
	ext := cues.NewExtractor()
	texts := []string{"", "door", "I am happy", "Where am I??? I want to go home, it's getting dark", "pain pain pain"}
	for _, text := range texts {
		for _, trend := range []float64{0, 0.3, 1} {
			a := f.Score(History{HasTrend: true, Trend: trend}, ext.Extract(text), at(20, 0))
			if d := math.Abs(sumContributions(a.Explanation) - a.Score); d > 1e-9 {
				t.Fatalf("text %q trend %.1f: sum(explanation) differs from score by %g", text, trend, d)
			}
			if a.Explanation[0].Name != "sentiment" {
				t.Fatalf("first factor = %q, want sentiment", a.Explanation[0].Name)
			}
			if last := a.Explanation[len(a.Explanation)-1].Name; last != "history_smoothing" {
				t.Fatalf("last factor = %q, want history_smoothing", last)
			}
		}
	}
}

func TestScoreAlwaysBounded(t *testing.T) {
	w := DefaultWeights()
	w.Sentiment = 3
	w.CueTotalCap = 3
	w.TimeOfDay = 2
	f := NewFuser(w)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		set := cues.NewSet()
		for _, c := range cues.All {
			if rng.Intn(3) == 0 {
				set.Add(c)
			}
		}
		ex := cues.Result{
			Sentiment:  rng.Float64()*2 - 1,
			Cues:       set,
			Normalized: string(make([]byte, rng.Intn(400))),
			Emphatic:   rng.Intn(2) == 0,
		}
		h := History{HasTrend: rng.Intn(2) == 0, Trend: rng.Float64()*3 - 1}
		a := f.Score(h, ex, at(rng.Intn(24), 0))
		if a.Score < 0 || a.Score > 1 || a.Instant < 0 || a.Instant > 1 {
			t.Fatalf("iteration %d: score %.3f instant %.3f out of [0,1]", i, a.Score, a.Instant)
		}
	}
}

func TestScoreNaNInputsDegrade(t *testing.T) {
	f := NewFuser(DefaultWeights())
	a := f.Score(History{HasTrend: true, Trend: math.NaN()}, cues.Result{Sentiment: math.Inf(-1)}, at(3, 0))
	if math.IsNaN(a.Score) || a.Score < 0 || a.Score > 1 {
		t.Fatalf("Score = %v, want finite in [0,1]", a.Score)
	}
}

func TestTimePrior(t *testing.T) {
	cases := map[int]float64{0: 0, 9: 0, 13: 0, 14: 0.5, 15: 0.5, 16: 1, 19: 1, 22: 1, 23: 0.5}
	for hour, want := range cases {
		if got := TimePrior(hour); got != want {
			t.Fatalf("TimePrior(%d) = %v, want %v", hour, got, want)
		}
	}
}
