// Package reply produces the short caregiver-style reply returned with each
// turn. An optional language-model enricher may phrase it; the heuristic reply
// is always available and never depends on the network.
package reply

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxReplyRunes bounds any reply accepted from an enricher or a caller.
const MaxReplyRunes = 400

var ErrUnusableReply = errors.New("reply is empty or too long")

// Tip is the slice of guidance an enricher may quote.
type Tip struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Request carries everything known about the turn when the reply is built.
// Risk and triggers are final; an enricher cannot change them.
type Request struct {
	SessionID string
	TurnID    string
	Text      string
	Risk      float64
	Triggers  map[string]bool
	Tips      []Tip
}

// Enricher phrases a reply with an external model.
type Enricher interface {
	Name() string
	Reply(ctx context.Context, req Request) (string, error)
}

// Usable trims text and reports whether it can be returned to the user.
func Usable(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > MaxReplyRunes {
		return "", false
	}
	return text, true
}
