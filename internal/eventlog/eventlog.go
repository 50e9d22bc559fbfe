// Package eventlog keeps a bounded, newest-first diagnostic log and fans new
// entries out to live subscribers.
package eventlog

import (
	"sync"
	"time"
)

const (
	DefaultLimit = 200
	HardLimit    = 500
)

// Kind labels an event.
type Kind string

const (
	KindTurn           Kind = "turn"
	KindAction         Kind = "action"
	KindDegraded       Kind = "degraded"
	KindInvariant      Kind = "invariant_violation"
	KindSessionExpired Kind = "session_expired"
)

type Event struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log is a fixed-capacity ring. Add never blocks: a subscriber that falls
// behind misses events instead of stalling writers.
type Log struct {
	mu           sync.RWMutex
	buf          []Event
	next         int
	size         int
	seq          uint64
	defaultLimit int
	now          func() time.Time

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New sizes the ring to hold max(defaultLimit, HardLimit) entries.
func New(defaultLimit int) *Log {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if defaultLimit > HardLimit {
		defaultLimit = HardLimit
	}
	return &Log{
		buf:          make([]Event, HardLimit),
		defaultLimit: defaultLimit,
		now:          time.Now,
		subs:         make(map[int]chan Event),
	}
}

func (l *Log) Add(kind Kind, payload map[string]any) Event {
	l.mu.Lock()
	l.seq++
	ev := Event{
		Seq:       l.seq,
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Payload:   payload,
	}
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
	l.mu.Unlock()

	l.publish(ev)
	return ev
}

// Recent returns up to limit events, newest first. limit <= 0 selects the
// default limit; anything above HardLimit is clamped.
func (l *Log) Recent(limit int) []Event {
	if limit <= 0 {
		limit = l.defaultLimit
	}
	if limit > HardLimit {
		limit = HardLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit > l.size {
		limit = l.size
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Subscribe registers a live listener. The returned cancel func closes the
// channel and must be called exactly once.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	l.subMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) Subscribers() int {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	return len(l.subs)
}

func (l *Log) publish(ev Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
