package pipeline

import (
	"errors"
	"time"

	"github.com/ent0n29/calmcompanion/internal/analytics"
	"github.com/ent0n29/calmcompanion/internal/cues"
	"github.com/ent0n29/calmcompanion/internal/reply"
	"github.com/ent0n29/calmcompanion/internal/risk"
)

// ErrInvalidInput wraps every rejection made before a turn enters the pipeline.
var ErrInvalidInput = errors.New("invalid input")

const (
	MaxSessionIDBytes = 128
	MaxTextBytes      = 4 << 10
)

// TurnRequest is one utterance. Timestamp is ISO-8601; empty means now.
type TurnRequest struct {
	SessionID     string `json:"session_id" validate:"required,utf8,maxbytes=128"`
	Text          string `json:"text" validate:"utf8,maxbytes=4096"`
	Timestamp     string `json:"timestamp,omitempty" validate:"maxbytes=64"`
	FallbackReply string `json:"fallback_reply,omitempty" validate:"utf8,maxbytes=1600"`
}

// TipRef is a retrieved guidance tip as returned to adapters.
type TipRef struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type TurnResult struct {
	TurnID      string          `json:"turn_id"`
	SessionID   string          `json:"session_id"`
	Seq         int             `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	Risk        float64         `json:"risk"`
	Instant     float64         `json:"instant"`
	Trend       float64         `json:"trend"`
	WindowAvg   float64         `json:"window_avg"`
	Sentiment   float64         `json:"sentiment"`
	Mood        cues.Mood       `json:"mood"`
	Triggers    map[string]bool `json:"triggers"`
	Explanation []risk.Factor   `json:"explanation"`
	Tips        []TipRef        `json:"tips"`
	Reply       string          `json:"reply"`
	ReplySource reply.Source    `json:"reply_source"`
	TurnCount   int             `json:"turn_count"`
}

// ActionRequest reports device automations carried out by an adapter.
type ActionRequest struct {
	Source    string          `json:"source" validate:"required,utf8,maxbytes=64"`
	SessionID string          `json:"session_id,omitempty" validate:"utf8,maxbytes=128"`
	Plan      string          `json:"plan,omitempty" validate:"utf8,maxbytes=4096"`
	Timestamp string          `json:"timestamp,omitempty" validate:"maxbytes=64"`
	Actions   []ActionPayload `json:"actions" validate:"required,min=1,max=32,dive"`
}

type ActionPayload struct {
	Device     string         `json:"device" validate:"required,utf8,maxbytes=64"`
	Action     string         `json:"action" validate:"required,utf8,maxbytes=64"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type ActionResult struct {
	RecordID   string    `json:"record_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Actions    int       `json:"actions"`
}

// SummaryTurn is the compact per-turn view in a session summary.
type SummaryTurn struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Text      string    `json:"text"`
	Risk      float64   `json:"risk"`
	Tips      []string  `json:"tips"`
}

// Summary is the risk average and most frequent triggers over a session's
// latest turns. CreatedAt is nil for an unknown session.
type Summary struct {
	SessionID   string            `json:"session_id"`
	CreatedAt   *time.Time        `json:"created_at"`
	Window      int               `json:"window"`
	RiskAvg     float64           `json:"risk_avg"`
	Trend       float64           `json:"trend"`
	TopTriggers []analytics.Count `json:"top_triggers"`
	TurnCount   int               `json:"turn_count"`
	Turns       []SummaryTurn     `json:"turns"`
}
