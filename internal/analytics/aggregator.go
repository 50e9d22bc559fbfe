package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/calmcompanion/internal/eventlog"
	"github.com/ent0n29/calmcompanion/internal/observability"
)

const (
	defaultMaxRecords   = 1000
	defaultSinkTimeout  = 2 * time.Second
	defaultSinkQueue    = 256
	defaultCooldownBase = time.Second
	defaultCooldownMax  = time.Minute
	// failuresBeforeCooldown consecutive write failures pause a sink.
	failuresBeforeCooldown = 3
)

type Config struct {
	MaxRecords   int
	Salt         string
	SinkTimeout  time.Duration
	SinkQueue    int
	CooldownBase time.Duration
	CooldownMax  time.Duration
	Now          func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxRecords <= 0 {
		c.MaxRecords = defaultMaxRecords
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.SinkQueue <= 0 {
		c.SinkQueue = defaultSinkQueue
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = defaultCooldownBase
	}
	if c.CooldownMax < c.CooldownBase {
		c.CooldownMax = defaultCooldownMax
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Aggregator owns the ring buffer of records and the sink workers.
type Aggregator struct {
	cfg     Config
	anon    anonymizer
	logger  *slog.Logger
	events  *eventlog.Log
	metrics *observability.Metrics

	mu   sync.RWMutex
	buf  []Record
	next int
	size int

	// dispatchMu orders Close against in-flight dispatches.
	dispatchMu sync.RWMutex
	closed     bool
	workers    []*sinkWorker
	group      *errgroup.Group
	cancel     context.CancelFunc
}

// New starts one worker per sink. events, metrics and logger may be nil.
func New(cfg Config, sinks []Sink, events *eventlog.Log, metrics *observability.Metrics, logger *slog.Logger) *Aggregator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		cfg:     cfg,
		anon:    anonymizer{salt: cfg.Salt},
		logger:  logger,
		events:  events,
		metrics: metrics,
		buf:     make([]Record, cfg.MaxRecords),
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.group, ctx = errgroup.WithContext(ctx)
	for _, s := range sinks {
		if s == nil {
			continue
		}
		w := newSinkWorker(a, s)
		a.workers = append(a.workers, w)
		a.group.Go(func() error {
			w.run(ctx)
			return nil
		})
	}
	return a
}

func (a *Aggregator) now() time.Time { return a.cfg.Now().UTC() }

// Capacity is the ring buffer size.
func (a *Aggregator) Capacity() int { return a.cfg.MaxRecords }

// RecordTurn anonymises and stores a turn summary.
func (a *Aggregator) RecordTurn(s TurnSummary) Record {
	return a.Record(a.anon.turnRecord(s, a.now()))
}

// RecordAction anonymises and stores an automation report.
func (a *Aggregator) RecordAction(r ActionReport) Record {
	return a.Record(a.anon.actionRecord(r, a.now()))
}

// Record appends r locally, evicting the oldest entry when full, then offers
// a copy to every sink. It never waits on a sink.
func (a *Aggregator) Record(r Record) Record {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = a.now()
	}
	stored := r.clone()

	a.mu.Lock()
	a.buf[a.next] = stored
	a.next = (a.next + 1) % len(a.buf)
	if a.size < len(a.buf) {
		a.size++
	}
	a.mu.Unlock()

	a.dispatch(stored)
	return r
}

// Restore loads previously mirrored records, oldest first, without mirroring
// them again.
func (a *Aggregator) Restore(records []Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range records {
		a.buf[a.next] = r.clone()
		a.next = (a.next + 1) % len(a.buf)
		if a.size < len(a.buf) {
			a.size++
		}
	}
}

// ordered returns up to n of the newest records, oldest first. Caller holds mu.
func (a *Aggregator) ordered(n int) []Record {
	if n <= 0 || n > a.size {
		n = a.size
	}
	out := make([]Record, 0, n)
	for i := n; i >= 1; i-- {
		idx := (a.next - i + len(a.buf)) % len(a.buf)
		out = append(out, a.buf[idx].clone())
	}
	return out
}

// Snapshot aggregates the newest window records; window <= 0 uses them all.
func (a *Aggregator) Snapshot(window int) Snapshot {
	a.mu.RLock()
	records := a.ordered(window)
	a.mu.RUnlock()
	return summarize(records, a.cfg.MaxRecords, a.now())
}

// Recent returns up to limit records, newest first.
func (a *Aggregator) Recent(limit int) []Record {
	a.mu.RLock()
	records := a.ordered(limit)
	a.mu.RUnlock()
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records
}

func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

func (a *Aggregator) dispatch(r Record) {
	a.dispatchMu.RLock()
	defer a.dispatchMu.RUnlock()
	if a.closed {
		return
	}
	for _, w := range a.workers {
		w.offer(r)
	}
}

// SinkStatuses reports the health of every configured sink.
func (a *Aggregator) SinkStatuses() []SinkStatus {
	out := make([]SinkStatus, 0, len(a.workers))
	for _, w := range a.workers {
		out = append(out, w.status())
	}
	return out
}

// Close stops accepting mirror work and lets workers drain their queues. When
// ctx expires first, in-flight writes are cancelled and ctx.Err is returned.
// Sinks are closed in both cases.
func (a *Aggregator) Close(ctx context.Context) error {
	a.dispatchMu.Lock()
	if a.closed {
		a.dispatchMu.Unlock()
		return nil
	}
	a.closed = true
	for _, w := range a.workers {
		close(w.queue)
	}
	a.dispatchMu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = a.group.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		a.cancel()
		<-done
	}
	a.cancel()

	for _, w := range a.workers {
		if cerr := w.sink.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (a *Aggregator) degraded(sink, reason string, cause error) {
	attrs := map[string]any{"component": "sink", "sink": sink, "reason": reason}
	logArgs := []any{"sink", sink, "reason", reason}
	if cause != nil {
		attrs["error"] = cause.Error()
		logArgs = append(logArgs, "error", cause)
	}
	a.logger.Warn("analytics sink degraded", logArgs...)
	a.metrics.Degraded("sink")
	if a.events != nil {
		a.events.Add(eventlog.KindDegraded, attrs)
	}
}
