// Package protocol defines the JSON messages exchanged on the live event feed
// websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientSubscribe MessageType = "subscribe"
	TypeClientPing      MessageType = "ping"
	TypeFeedEvent       MessageType = "event"
	TypePong            MessageType = "pong"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

// MaxBacklog bounds how many past events a subscriber may ask for.
const MaxBacklog = 500

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientSubscribe narrows the feed to the listed event kinds (all when empty)
// and asks for up to Backlog past events, oldest first.
type ClientSubscribe struct {
	Type    MessageType `json:"type"`
	Kinds   []string    `json:"kinds,omitempty"`
	Backlog int         `json:"backlog,omitempty"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

type FeedEvent struct {
	Type      MessageType    `json:"type"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSubscribe:
		var msg ClientSubscribe
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Backlog < 0 || msg.Backlog > MaxBacklog {
			return nil, fmt.Errorf("invalid subscribe: backlog must be between 0 and %d", MaxBacklog)
		}
		for _, k := range msg.Kinds {
			if k == "" {
				return nil, errors.New("invalid subscribe: empty kind")
			}
		}
		return msg, nil
	case TypeClientPing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes feed messages on the client side.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	var msg any
	switch env.Type {
	case TypeFeedEvent:
		msg = &FeedEvent{}
	case TypePong:
		msg = &Pong{}
	case TypeSystemEvent:
		msg = &SystemEvent{}
	case TypeErrorEvent:
		msg = &ErrorEvent{}
	default:
		return nil, ErrUnsupportedType
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
