package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config bounds the store. Zero values fall back to defaults.
type Config struct {
	InactivityTimeout time.Duration
	MaxSessions       int
	MaxTurnsKept      int
	SummaryWindow     int
	// Now is the clock used for LastSeen and expiry; tests inject one.
	Now func() time.Time
}

const (
	defaultInactivityTimeout = 30 * time.Minute
	defaultMaxSessions       = 10000
	defaultMaxTurnsKept      = 50
	defaultSummaryWindow     = 10
)

type entry struct {
	mu       sync.Mutex
	s        *Session
	lastSeen atomic.Int64
	evicted  bool
}

// Store keeps sessions in memory. The map lock only guards membership; every
// session has its own mutex so different sessions never wait on each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	cfg      Config
	onExpire func(*Session, EvictReason)
}

func NewStore(cfg Config) *Store {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.MaxTurnsKept <= 0 {
		cfg.MaxTurnsKept = defaultMaxTurnsKept
	}
	if cfg.SummaryWindow <= 0 {
		cfg.SummaryWindow = defaultSummaryWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		sessions: make(map[string]*entry),
		cfg:      cfg,
	}
}

func (st *Store) SetExpireHook(hook func(*Session, EvictReason)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onExpire = hook
}

func (st *Store) now() time.Time { return st.cfg.Now().UTC() }

// acquire returns the locked entry for id, creating it when absent. The caller
// must unlock e.mu.
func (st *Store) acquire(id string) *entry {
	for {
		e, evicted := st.lookupOrCreate(id)
		st.fireExpire(evicted, EvictCapacity)
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		// Lost a race with the janitor or the capacity cap; start over.
		e.mu.Unlock()
	}
}

func (st *Store) lookupOrCreate(id string) (*entry, []*Session) {
	now := st.now()
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		e.lastSeen.Store(now.UnixNano())
		return e, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.sessions[id]; ok {
		e.lastSeen.Store(now.UnixNano())
		return e, nil
	}
	var evicted []*Session
	for len(st.sessions) >= st.cfg.MaxSessions {
		victim := st.evictOldestLocked()
		if victim == nil {
			break
		}
		evicted = append(evicted, victim)
	}
	e = &entry{s: &Session{ID: id, CreatedAt: now, LastSeen: now}}
	e.lastSeen.Store(now.UnixNano())
	st.sessions[id] = e
	return e, evicted
}

// evictOldestLocked drops the least recently seen idle session. Sessions whose
// lock is held are skipped. Caller holds st.mu.
func (st *Store) evictOldestLocked() *Session {
	var (
		victimID string
		victim   *entry
		oldest   int64 = math.MaxInt64
	)
	for id, e := range st.sessions {
		if seen := e.lastSeen.Load(); seen < oldest {
			if !e.mu.TryLock() {
				continue
			}
			if victim != nil {
				victim.mu.Unlock()
			}
			victimID, victim, oldest = id, e, seen
		}
	}
	if victim == nil {
		return nil
	}
	victim.evicted = true
	snapshot := clone(victim.s)
	victim.mu.Unlock()
	delete(st.sessions, victimID)
	return snapshot
}

func (st *Store) fireExpire(sessions []*Session, reason EvictReason) {
	if len(sessions) == 0 {
		return
	}
	st.mu.RLock()
	hook := st.onExpire
	st.mu.RUnlock()
	if hook == nil {
		return
	}
	for _, s := range sessions {
		hook(s, reason)
	}
}

// Do runs fn with exclusive access to the session, creating it if needed. The
// read-score-append sequence of one turn happens inside a single Do.
func (st *Store) Do(id string, fn func(*Tx) error) error {
	e := st.acquire(id)
	defer e.mu.Unlock()
	tx := &Tx{store: st, s: e.s}
	err := fn(tx)
	tx.done = true
	return err
}

// GetOrCreate returns a copy of the session, creating an empty one if needed.
func (st *Store) GetOrCreate(id string) *Session {
	e := st.acquire(id)
	defer e.mu.Unlock()
	return clone(e.s)
}

func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return nil, ErrNotFound
	}
	return clone(e.s), nil
}

// AppendTurn appends t to the session, creating the session if needed.
func (st *Store) AppendTurn(id string, t Turn) (TrendState, error) {
	var state TrendState
	err := st.Do(id, func(tx *Tx) error {
		var err error
		state, err = tx.Append(t)
		return err
	})
	return state, err
}

// History returns up to limit of the latest turns, oldest first. A limit <= 0
// returns every kept turn. Unknown sessions have no history.
func (st *Store) History(id string, limit int) []Turn {
	s, err := st.Get(id)
	if err != nil {
		return nil
	}
	return tail(s.Turns, limit)
}

// ActiveCount is the number of sessions currently held.
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.expireInactive()
			}
		}
	}()
}

func (st *Store) expireInactive() {
	cutoff := st.now().Add(-st.cfg.InactivityTimeout).UnixNano()
	var expired []*Session

	st.mu.Lock()
	for id, e := range st.sessions {
		if e.lastSeen.Load() > cutoff {
			continue
		}
		// A session in use is not idle; leave it for the next sweep.
		if !e.mu.TryLock() {
			continue
		}
		e.evicted = true
		expired = append(expired, clone(e.s))
		e.mu.Unlock()
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	st.fireExpire(expired, EvictInactive)
}

// Tx is the locked view of one session passed to Do. It must not be retained
// after fn returns.
type Tx struct {
	store *Store
	s     *Session
	done  bool
}

func (tx *Tx) Session() *Session { return clone(tx.s) }

// Trend reports the smoothed risk of the latest turn; ok is false before the
// first turn.
func (tx *Tx) Trend() (trend float64, ok bool) {
	return tx.s.Trend, tx.s.TurnCount > 0
}

func (tx *Tx) History(limit int) []Turn {
	return cloneTurns(tail(tx.s.Turns, limit))
}

// Append assigns the turn id and sequence number, enforces ordering and updates
// the trend state.
func (tx *Tx) Append(t Turn) (TrendState, error) {
	if tx.done {
		return TrendState{}, fmt.Errorf("%w: transaction used after Do returned", ErrInvariant)
	}
	s := tx.s
	if t.Timestamp.IsZero() {
		t.Timestamp = tx.store.now()
	}
	if n := len(s.Turns); n > 0 && t.Timestamp.Before(s.Turns[n-1].Timestamp) {
		return TrendState{}, fmt.Errorf("%w: %s before %s", ErrOutOfOrder,
			t.Timestamp.Format(time.RFC3339), s.Turns[n-1].Timestamp.Format(time.RFC3339))
	}
	if math.IsNaN(t.Risk) || t.Risk < 0 || t.Risk > 1 {
		return TrendState{}, fmt.Errorf("%w: risk %v outside [0,1]", ErrInvariant, t.Risk)
	}

	t = cloneTurn(t)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.SessionID = s.ID
	t.Seq = s.TurnCount + 1

	s.Turns = append(s.Turns, t)
	if err := checkOrder(s.Turns); err != nil {
		s.Turns = s.Turns[:len(s.Turns)-1]
		return TrendState{}, err
	}
	if extra := len(s.Turns) - tx.store.cfg.MaxTurnsKept; extra > 0 {
		s.Turns = append([]Turn(nil), s.Turns[extra:]...)
	}
	s.TurnCount++
	s.Trend = t.Risk
	s.WindowAvg = meanRisk(tail(s.Turns, tx.store.cfg.SummaryWindow))
	s.LastSeen = tx.store.now()

	return TrendState{
		Trend:     s.Trend,
		WindowAvg: s.WindowAvg,
		TurnCount: s.TurnCount,
		LastSeen:  s.LastSeen,
	}, nil
}

func checkOrder(turns []Turn) error {
	n := len(turns)
	if n < 2 {
		return nil
	}
	prev, last := turns[n-2], turns[n-1]
	if last.Seq <= prev.Seq || last.Timestamp.Before(prev.Timestamp) {
		return fmt.Errorf("%w: turn %d does not follow turn %d", ErrInvariant, last.Seq, prev.Seq)
	}
	return nil
}

func tail(turns []Turn, limit int) []Turn {
	if limit <= 0 || limit >= len(turns) {
		return turns
	}
	return turns[len(turns)-limit:]
}

func meanRisk(turns []Turn) float64 {
	if len(turns) == 0 {
		return 0
	}
	total := 0.0
	for _, t := range turns {
		total += t.Risk
	}
	return total / float64(len(turns))
}
