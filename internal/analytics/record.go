// Package analytics keeps an anonymised, bounded record of processed turns and
// device actions, computes aggregate snapshots from it, and mirrors every record
// to optional external sinks without ever blocking the caller.
package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/calmcompanion/internal/policy"
)

type Kind string

const (
	KindTurn   Kind = "turn"
	KindAction Kind = "action"
)

// ReplyPreviewRunes bounds the reply text kept with a record.
const ReplyPreviewRunes = 120

// Action is one device automation reported by an adapter.
type Action struct {
	Device     string         `json:"device"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Record is the fixed-shape anonymised entry. It never carries raw transcript
// text or the raw session id.
type Record struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	SessionKey    string          `json:"session_key"`
	TextHash      string          `json:"text_hash"`
	TurnTimestamp time.Time       `json:"turn_ts"`
	RecordedAt    time.Time       `json:"recorded_at"`
	Mood          string          `json:"mood,omitempty"`
	MoodScore     *float64        `json:"mood_score,omitempty"`
	Risk          *float64        `json:"risk,omitempty"`
	Triggers      map[string]bool `json:"triggers,omitempty"`
	TipsCount     int             `json:"tips_count"`
	ReplyPreview  string          `json:"reply_preview,omitempty"`
	Source        string          `json:"source,omitempty"`
	Actions       []Action        `json:"actions,omitempty"`
}

// Day is the calendar day of the turn in the turn's own offset.
func (r Record) Day() string {
	return r.TurnTimestamp.Format("2006-01-02")
}

// ActiveTriggers lists the triggers that fired, in no particular order.
func (r Record) ActiveTriggers() []string {
	out := make([]string, 0, len(r.Triggers))
	for name, on := range r.Triggers {
		if on {
			out = append(out, name)
		}
	}
	return out
}

func (r Record) clone() Record {
	c := r
	if r.MoodScore != nil {
		v := *r.MoodScore
		c.MoodScore = &v
	}
	if r.Risk != nil {
		v := *r.Risk
		c.Risk = &v
	}
	if r.Triggers != nil {
		c.Triggers = make(map[string]bool, len(r.Triggers))
		for k, v := range r.Triggers {
			c.Triggers[k] = v
		}
	}
	c.Actions = append([]Action(nil), r.Actions...)
	return c
}

// TurnSummary is what the pipeline reports after scoring a turn.
type TurnSummary struct {
	SessionID string
	Text      string
	Timestamp time.Time
	Mood      string
	Sentiment float64
	Risk      float64
	Triggers  map[string]bool
	TipsCount int
	Reply     string
}

// ActionReport describes automations an adapter carried out.
type ActionReport struct {
	Source    string
	SessionID string
	Actions   []Action
	Plan      string
	At        time.Time
}

// anonymizer derives pseudonymous keys. The salt keeps keys stable within a
// deployment without being reversible by lookup tables.
type anonymizer struct {
	salt string
}

func (a anonymizer) sessionKey(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "anon"
	}
	return shortHash(a.salt + ":" + sessionID)
}

// textHash fingerprints an utterance for duplicate detection without keeping
// it; the salt stops dictionary lookups of short phrases.
func (a anonymizer) textHash(text string) string {
	return shortHash(a.salt + ":text:" + text)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func preview(text string) string {
	redacted, _ := policy.RedactPII(text)
	r := []rune(redacted)
	if len(r) > ReplyPreviewRunes {
		r = r[:ReplyPreviewRunes]
	}
	return string(r)
}

func (a anonymizer) turnRecord(s TurnSummary, now time.Time) Record {
	mood := s.Sentiment
	risk := s.Risk
	triggers := make(map[string]bool, len(s.Triggers))
	for k, v := range s.Triggers {
		triggers[k] = v
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return Record{
		ID:            uuid.NewString(),
		Kind:          KindTurn,
		SessionKey:    a.sessionKey(s.SessionID),
		TextHash:      a.textHash(s.Text),
		TurnTimestamp: ts,
		RecordedAt:    now,
		Mood:          s.Mood,
		MoodScore:     &mood,
		Risk:          &risk,
		Triggers:      triggers,
		TipsCount:     s.TipsCount,
		ReplyPreview:  preview(s.Reply),
	}
}

func (a anonymizer) actionRecord(r ActionReport, now time.Time) Record {
	ts := r.At
	if ts.IsZero() {
		ts = now
	}
	return Record{
		ID:            uuid.NewString(),
		Kind:          KindAction,
		SessionKey:    a.sessionKey(r.SessionID),
		TextHash:      a.textHash(r.Source + "-" + ts.Format(time.RFC3339Nano)),
		TurnTimestamp: ts,
		RecordedAt:    now,
		Source:        r.Source,
		ReplyPreview:  preview(r.Plan),
		Actions:       append([]Action(nil), r.Actions...),
	}
}
