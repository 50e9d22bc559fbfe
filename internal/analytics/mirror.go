package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/calmcompanion/internal/reliability"
)

// SinkStatus is the externally visible state of one sink worker.
type SinkStatus struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	Written             int       `json:"written"`
	Dropped             int       `json:"dropped"`
	Pending             bool      `json:"pending_retry"`
}

// sinkWorker serialises writes to one sink. A record that fails gets one more
// attempt when the next record arrives; after failuresBeforeCooldown
// consecutive failures the sink is skipped until its cool-down expires.
type sinkWorker struct {
	agg   *Aggregator
	sink  Sink
	name  string
	queue chan Record

	mu            sync.Mutex
	pending       *Record
	failures      int
	cooldownUntil time.Time
	written       int
	dropped       int
}

func newSinkWorker(a *Aggregator, s Sink) *sinkWorker {
	return &sinkWorker{
		agg:   a,
		sink:  s,
		name:  s.Name(),
		queue: make(chan Record, a.cfg.SinkQueue),
	}
}

func (w *sinkWorker) offer(r Record) {
	select {
	case w.queue <- r:
	default:
		w.drop(1)
		w.agg.metrics.SinkWrite(w.name, "queue_full")
		w.agg.degraded(w.name, "queue_full", nil)
	}
}

func (w *sinkWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-w.queue:
			if !ok {
				return
			}
			w.handle(ctx, r)
		}
	}
}

func (w *sinkWorker) handle(ctx context.Context, r Record) {
	now := w.agg.now()

	w.mu.Lock()
	cooling := now.Before(w.cooldownUntil)
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if cooling {
		n := 1
		if pending != nil {
			n++
		}
		w.drop(n)
		w.agg.metrics.SinkWrite(w.name, "skipped")
		w.agg.degraded(w.name, "cooling_down", nil)
		return
	}

	if pending != nil {
		if err := w.write(ctx, *pending); err != nil {
			w.drop(1)
			w.agg.metrics.SinkWrite(w.name, "dropped")
			w.agg.degraded(w.name, "retry_failed", err)
			// The failed retry may have started a cool-down.
			if w.coolingAt(w.agg.now()) {
				w.drop(1)
				w.agg.metrics.SinkWrite(w.name, "skipped")
				w.agg.degraded(w.name, "cooling_down", nil)
				return
			}
		}
	}
	if err := w.write(ctx, r); err != nil {
		w.mu.Lock()
		w.pending = &r
		w.mu.Unlock()
		w.agg.degraded(w.name, "write_failed", err)
	}
}

func (w *sinkWorker) write(ctx context.Context, r Record) error {
	wctx, cancel := context.WithTimeout(ctx, w.agg.cfg.SinkTimeout)
	defer cancel()
	err := w.sink.Write(wctx, r)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.failures = 0
		w.cooldownUntil = time.Time{}
		w.written++
		w.agg.metrics.SinkWrite(w.name, "ok")
		return nil
	}
	w.failures++
	w.agg.metrics.SinkWrite(w.name, "error")
	if w.failures >= failuresBeforeCooldown {
		backoff := reliability.ExponentialBackoff(w.failures-failuresBeforeCooldown, w.agg.cfg.CooldownBase, w.agg.cfg.CooldownMax)
		w.cooldownUntil = w.agg.now().Add(backoff)
	}
	return err
}

func (w *sinkWorker) coolingAt(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Before(w.cooldownUntil)
}

func (w *sinkWorker) drop(n int) {
	w.mu.Lock()
	w.dropped += n
	w.mu.Unlock()
}

func (w *sinkWorker) status() SinkStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return SinkStatus{
		Name:                w.name,
		Healthy:             w.failures == 0,
		ConsecutiveFailures: w.failures,
		CooldownUntil:       w.cooldownUntil,
		Written:             w.written,
		Dropped:             w.dropped,
		Pending:             w.pending != nil,
	}
}
