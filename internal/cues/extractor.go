// Package cues turns raw utterance text into a bounded sentiment score and a set
// of agitation cue categories using static lexicons. Extraction is a pure
// function of the text.
package cues

import (
	"strings"

	"github.com/ent0n29/calmcompanion/internal/textnorm"
)

// Mood is the coarse sentiment label recorded with each turn.
type Mood string

const (
	MoodPositive Mood = "positive"
	MoodNeutral  Mood = "neutral"
	MoodNegative Mood = "negative"
)

const (
	// DefaultGain scales the per-token lexicon balance into [-1, 1].
	DefaultGain = 3.0
	// moodThreshold is the absolute sentiment needed to leave neutral.
	moodThreshold = 0.09
)

// Result is the output of one extraction.
type Result struct {
	Sentiment  float64
	Mood       Mood
	Cues       Set
	Matches    map[Category]string
	Emphatic   bool
	Normalized string
	Tokens     []string
}

// Extractor scores text against the lexicon and cue tables.
type Extractor struct {
	gain     float64
	compiled map[Category][]compiledPhrase
}

type compiledPhrase struct {
	raw    string
	tokens []string
	prefix bool
	unless [][]string
}

func NewExtractor() *Extractor {
	return NewExtractorWithGain(DefaultGain)
}

func NewExtractorWithGain(gain float64) *Extractor {
	if gain <= 0 {
		gain = DefaultGain
	}
	compiled := make(map[Category][]compiledPhrase, len(cueTable))
	for cat, phrases := range cueTable {
		for _, ph := range phrases {
			compiled[cat] = append(compiled[cat], compile(ph))
		}
	}
	return &Extractor{gain: gain, compiled: compiled}
}

func compile(ph phrase) compiledPhrase {
	tokens := textnorm.Split(strings.TrimSuffix(ph.text, "*"))
	cp := compiledPhrase{raw: ph.text, tokens: tokens, prefix: strings.HasSuffix(ph.text, "*")}
	for _, u := range ph.unless {
		cp.unless = append(cp.unless, textnorm.Split(u))
	}
	return cp
}

// Extract never fails: empty or non-linguistic input yields a zero sentiment and
// an empty cue set.
func (e *Extractor) Extract(text string) Result {
	normalized := textnorm.Normalize(text)
	tokens := textnorm.Tokens(normalized)
	res := Result{
		Mood:       MoodNeutral,
		Cues:       NewSet(),
		Matches:    make(map[Category]string),
		Normalized: normalized,
		Tokens:     tokens,
		Emphatic:   strings.Contains(text, "!!!") || strings.Contains(text, "???"),
	}
	if len(tokens) == 0 {
		return res
	}

	pos, neg := 0, 0
	for _, tok := range tokens {
		if _, ok := positiveWords[tok]; ok {
			pos++
		}
		if _, ok := negativeWords[tok]; ok {
			neg++
		}
	}
	res.Sentiment = clamp(e.gain*float64(pos-neg)/float64(len(tokens)), -1, 1)

	for _, cat := range All {
		for _, cp := range e.compiled[cat] {
			if !matchSeq(tokens, cp.tokens, cp.prefix) || suppressed(tokens, cp.unless) {
				continue
			}
			res.Cues.Add(cat)
			res.Matches[cat] = cp.raw
			break
		}
	}

	switch {
	case res.Sentiment <= -moodThreshold || len(res.Cues) > 0:
		res.Mood = MoodNegative
	case res.Sentiment >= moodThreshold:
		res.Mood = MoodPositive
	}
	return res
}

func suppressed(tokens []string, unless [][]string) bool {
	for _, u := range unless {
		if matchSeq(tokens, u, false) {
			return true
		}
	}
	return false
}

func matchSeq(tokens, want []string, prefixLast bool) bool {
	if len(want) == 0 || len(want) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(want) <= len(tokens); i++ {
		for j, w := range want {
			tok := tokens[i+j]
			if prefixLast && j == len(want)-1 {
				if !strings.HasPrefix(tok, w) {
					continue outer
				}
				continue
			}
			if tok != w {
				continue outer
			}
		}
		return true
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
