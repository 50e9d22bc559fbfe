package session

import (
	"errors"
	"time"

	"github.com/ent0n29/calmcompanion/internal/cues"
	"github.com/ent0n29/calmcompanion/internal/risk"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrOutOfOrder rejects a turn stamped earlier than the session's latest turn.
	ErrOutOfOrder = errors.New("turn timestamp is older than the latest turn")
	// ErrInvariant reports a defect in the caller; it is never retried.
	ErrInvariant = errors.New("session invariant violated")
)

// Turn is one processed utterance. It is immutable once appended.
type Turn struct {
	ID          string          `json:"turn_id"`
	SessionID   string          `json:"session_id"`
	Seq         int             `json:"seq"`
	Text        string          `json:"text"`
	Timestamp   time.Time       `json:"timestamp"`
	Sentiment   float64         `json:"sentiment"`
	Mood        cues.Mood       `json:"mood"`
	Cues        []cues.Category `json:"cues"`
	Tokens      []string        `json:"-"`
	Instant     float64         `json:"instant"`
	Risk        float64         `json:"risk"`
	Explanation []risk.Factor   `json:"explanation"`
	Tips        []string        `json:"tips"`
}

// Session is the per-conversation state owned by a Store. Values handed out by
// the Store are copies.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	Turns     []Turn    `json:"turns"`
	TurnCount int       `json:"turn_count"`
	Trend     float64   `json:"trend"`
	WindowAvg float64   `json:"window_avg"`
}

// TrendState is what AppendTurn reports back to the scoring path.
type TrendState struct {
	Trend     float64   `json:"trend"`
	WindowAvg float64   `json:"window_avg"`
	TurnCount int       `json:"turn_count"`
	LastSeen  time.Time `json:"last_seen"`
}

// EvictReason says why a session left the store.
type EvictReason string

const (
	EvictInactive EvictReason = "inactive"
	EvictCapacity EvictReason = "capacity"
)

func cloneTurn(t Turn) Turn {
	c := t
	c.Cues = append([]cues.Category(nil), t.Cues...)
	c.Tokens = append([]string(nil), t.Tokens...)
	c.Explanation = append([]risk.Factor(nil), t.Explanation...)
	c.Tips = append([]string(nil), t.Tips...)
	return c
}

func cloneTurns(ts []Turn) []Turn {
	out := make([]Turn, len(ts))
	for i, t := range ts {
		out[i] = cloneTurn(t)
	}
	return out
}

func clone(s *Session) *Session {
	c := *s
	c.Turns = cloneTurns(s.Turns)
	return &c
}
