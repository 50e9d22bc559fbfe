package cues

import (
	"strings"
	"testing"
)

func TestExtractEmpty(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("")
	if res.Sentiment != 0 {
		t.Fatalf("Sentiment = %v, want 0", res.Sentiment)
	}
	if len(res.Cues) != 0 {
		t.Fatalf("Cues = %v, want empty", res.Cues.Strings())
	}
	if res.Mood != MoodNeutral {
		t.Fatalf("Mood = %q, want %q", res.Mood, MoodNeutral)
	}
}

func TestExtractExitSeekingScenario(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("he keeps trying to leave through the door, agitated")
	for _, c := range []Category{Door, ExitSeeking} {
		if !res.Cues.Has(c) {
			t.Fatalf("missing cue %q in %v", c, res.Cues.Strings())
		}
	}
	if res.Sentiment >= 0 {
		t.Fatalf("Sentiment = %v, want negative", res.Sentiment)
	}
	if res.Mood != MoodNegative {
		t.Fatalf("Mood = %q, want %q", res.Mood, MoodNegative)
	}
	if res.Cues.Has(Repetition) {
		t.Fatalf("unexpected repetition cue for %q", "keeps trying")
	}
}

func TestExtractCategoriesFlagOnce(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("Pain pain PAIN, my back hurts and I'm hungry. Hungry!")
	if !res.Cues.Has(Pain) || !res.Cues.Has(Hunger) {
		t.Fatalf("Cues = %v, want pain and hunger", res.Cues.Strings())
	}
	count := 0
	for _, c := range res.Cues.Sorted() {
		if c == Pain {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("pain flagged %d times, want 1", count)
	}
}

func TestExtractUnlessSuppressesPhrase(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("Leave me alone!")
	if res.Cues.Has(ExitSeeking) {
		t.Fatalf("exit-seeking should be suppressed by %q", "leave me alone")
	}
	if res.Cues.Has(Loneliness) {
		t.Fatalf("loneliness should be suppressed by %q", "leave me alone")
	}
	if !res.Cues.Has(Overwhelm) {
		t.Fatalf("Cues = %v, want overwhelm", res.Cues.Strings())
	}
}

func TestExtractPositive(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("I feel calm and happy today")
	if res.Sentiment <= 0 {
		t.Fatalf("Sentiment = %v, want positive", res.Sentiment)
	}
	if res.Mood != MoodPositive {
		t.Fatalf("Mood = %q, want %q", res.Mood, MoodPositive)
	}
}

func TestExtractTypographicApostrophe(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("I don’t remember this room")
	if !res.Cues.Has(Confusion) {
		t.Fatalf("Cues = %v, want confusion", res.Cues.Strings())
	}
}

func TestExtractBoundedForArbitraryInput(t *testing.T) {
	e := NewExtractor()
	inputs := []string{
		"",
		"   ",
		"!!!???",
		"日本語のテキスト",
		"Ça va très mal, j'ai peur",
		"\xff\xfe\x00",
		strings.Repeat("sad ", 500),
		strings.Repeat("happy ", 500),
		"1234 5678 %%%% ####",
		"🙂🙂🙂",
	}
	for _, in := range inputs {
		res := e.Extract(in)
		if res.Sentiment < -1 || res.Sentiment > 1 {
			t.Fatalf("Extract(%q).Sentiment = %v, out of [-1,1]", in, res.Sentiment)
		}
		if res.Cues == nil {
			t.Fatalf("Extract(%q).Cues is nil", in)
		}
		for c := range res.Cues {
			if !Known(c) {
				t.Fatalf("Extract(%q) produced unknown category %q", in, c)
			}
		}
	}
}

func TestExtractEmphasis(t *testing.T) {
	e := NewExtractor()
	if !e.Extract("where is everyone???").Emphatic {
		t.Fatalf("Emphatic = false, want true")
	}
	if e.Extract("where is everyone?").Emphatic {
		t.Fatalf("Emphatic = true, want false")
	}
}

func TestSetSortedCanonicalOrder(t *testing.T) {
	s := NewSet(Anxiety, Door, Pain)
	got := strings.Join(s.Strings(), ",")
	if got != "door,pain,anxiety" {
		t.Fatalf("Strings() = %q, want %q", got, "door,pain,anxiety")
	}
}
