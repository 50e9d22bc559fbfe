package risk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ent0n29/calmcompanion/internal/cues"
)

func TestParseWeightsOverlaysDefaults(t *testing.T) {
	raw := []byte(`
alpha: 0.5
time_of_day: 0.1
cues:
  door: 0.2
  hunger: 0
`)
	w, err := ParseWeights(raw)
	if err != nil {
		t.Fatalf("ParseWeights() error = %v", err)
	}
	if w.Alpha != 0.5 || w.TimeOfDay != 0.1 {
		t.Fatalf("scalars not applied: alpha=%v time=%v", w.Alpha, w.TimeOfDay)
	}
	if w.Cues[cues.Door] != 0.2 || w.Cues[cues.Hunger] != 0 {
		t.Fatalf("cue overrides not applied: %+v", w.Cues)
	}
	if w.Cues[cues.ExitSeeking] != DefaultWeights().Cues[cues.ExitSeeking] {
		t.Fatalf("untouched cue changed: %v", w.Cues[cues.ExitSeeking])
	}
	if w.Sentiment != DefaultWeights().Sentiment {
		t.Fatalf("untouched scalar changed: %v", w.Sentiment)
	}
}

func TestParseWeightsRejectsInvalid(t *testing.T) {
	cases := []string{
		"alpha: 0",
		"alpha: 1.5",
		"sentiment: -1",
		"cues:\n  teleport: 0.3",
		"repetition_jaccard: 2",
		"length_saturation: 0",
		"alpha: [",
	}
	for _, raw := range cases {
		if _, err := ParseWeights([]byte(raw)); err == nil {
			t.Fatalf("ParseWeights(%q) error = nil, want error", raw)
		}
	}
}

func TestLoadWeights(t *testing.T) {
	w, err := LoadWeights("")
	if err != nil {
		t.Fatalf("LoadWeights(\"\") error = %v", err)
	}
	if w.Alpha != DefaultWeights().Alpha {
		t.Fatalf("empty path should return defaults")
	}

	path := filepath.Join(t.TempDir(), "weights.yaml")
	if err := os.WriteFile(path, []byte("cue_cap: 0.25\n"), 0o600); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	w, err = LoadWeights(path)
	if err != nil {
		t.Fatalf("LoadWeights() error = %v", err)
	}
	if w.CueCap != 0.25 {
		t.Fatalf("CueCap = %v, want 0.25", w.CueCap)
	}

	if _, err := LoadWeights(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("LoadWeights(missing) error = nil, want error")
	}
}
