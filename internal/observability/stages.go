package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// PipelineStages lists the turn pipeline stages in execution order. Snapshots
// report them in this order, followed by any other observed stage by name.
var PipelineStages = []string{"extract", "fuse", "retrieve", "append", "reply", "record", "turn_total"}

// DefaultStageBudgets are the p95 latency targets for each pipeline stage.
func DefaultStageBudgets() map[string]time.Duration {
	return map[string]time.Duration{
		"extract":    2 * time.Millisecond,
		"fuse":       time.Millisecond,
		"retrieve":   5 * time.Millisecond,
		"append":     time.Millisecond,
		"reply":      1500 * time.Millisecond,
		"record":     2 * time.Millisecond,
		"turn_total": 2 * time.Second,
	}
}

// StageStats summarises the samples kept for one stage. OverBudget counts
// kept samples slower than BudgetMS.
type StageStats struct {
	Stage        string  `json:"stage"`
	Samples      int     `json:"samples"`
	Observed     int     `json:"observed"`
	LastMS       float64 `json:"last_ms"`
	MeanMS       float64 `json:"mean_ms"`
	P50MS        float64 `json:"p50_ms"`
	P95MS        float64 `json:"p95_ms"`
	P99MS        float64 `json:"p99_ms"`
	MaxMS        float64 `json:"max_ms"`
	BudgetMS     float64 `json:"budget_ms,omitempty"`
	OverBudget   int     `json:"over_budget"`
	WithinBudget bool    `json:"within_budget"`
}

type OutcomeCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StageSnapshot is served at /v1/perf/latency. OverBudget names the stages
// whose p95 exceeds their budget.
type StageSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	OverBudget  []string       `json:"over_budget"`
	Outcomes    []OutcomeCount `json:"outcomes,omitempty"`
}

type stageRing struct {
	samples  []time.Duration
	observed int
	last     time.Duration
}

func (r *stageRing) add(d time.Duration) {
	r.samples[r.observed%len(r.samples)] = d
	r.observed++
	r.last = d
}

func (r *stageRing) sorted() []time.Duration {
	out := slices.Clone(r.samples[:min(r.observed, len(r.samples))])
	slices.Sort(out)
	return out
}

// stageTracker keeps the latest samples per stage and counts turn outcomes
// such as the reply source.
type stageTracker struct {
	mu       sync.Mutex
	size     int
	budgets  map[string]time.Duration
	rings    map[string]*stageRing
	outcomes map[string]int
}

func newStageTracker(size int, budgets map[string]time.Duration) *stageTracker {
	if size <= 0 {
		size = 256
	}
	t := &stageTracker{
		size:     size,
		budgets:  DefaultStageBudgets(),
		rings:    make(map[string]*stageRing),
		outcomes: make(map[string]int),
	}
	t.setBudgets(budgets)
	return t
}

// setBudgets overrides individual budgets; a zero duration removes one.
func (t *stageTracker) setBudgets(budgets map[string]time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for stage, d := range budgets {
		if d <= 0 {
			delete(t.budgets, stage)
			continue
		}
		t.budgets[stage] = d
	}
}

func (t *stageTracker) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rings[stage]
	if r == nil {
		r = &stageRing{samples: make([]time.Duration, t.size)}
		t.rings[stage] = r
	}
	r.add(d)
}

func (t *stageTracker) count(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	t.mu.Lock()
	t.outcomes[outcome]++
	t.mu.Unlock()
}

func (t *stageTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rings = make(map[string]*stageRing)
	t.outcomes = make(map[string]int)
}

func (t *stageTracker) snapshot(now time.Time) StageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  t.size,
		Stages:      make([]StageStats, 0, len(t.rings)),
		OverBudget:  []string{},
	}
	for _, stage := range t.stageOrder() {
		st := t.stats(stage, t.rings[stage])
		if !st.WithinBudget {
			snap.OverBudget = append(snap.OverBudget, stage)
		}
		snap.Stages = append(snap.Stages, st)
	}

	names := make([]string, 0, len(t.outcomes))
	for name := range t.outcomes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		snap.Outcomes = append(snap.Outcomes, OutcomeCount{Name: name, Count: t.outcomes[name]})
	}
	return snap
}

func (t *stageTracker) stageOrder() []string {
	order := make([]string, 0, len(t.rings))
	for _, stage := range PipelineStages {
		if _, ok := t.rings[stage]; ok {
			order = append(order, stage)
		}
	}
	var extra []string
	for stage := range t.rings {
		if !slices.Contains(PipelineStages, stage) {
			extra = append(extra, stage)
		}
	}
	slices.Sort(extra)
	return append(order, extra...)
}

func (t *stageTracker) stats(stage string, r *stageRing) StageStats {
	samples := r.sorted()
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	st := StageStats{
		Stage:        stage,
		Samples:      len(samples),
		Observed:     r.observed,
		LastMS:       millis(r.last),
		MeanMS:       millis(sum / time.Duration(len(samples))),
		P50MS:        millis(nearestRank(samples, 0.50)),
		P95MS:        millis(nearestRank(samples, 0.95)),
		P99MS:        millis(nearestRank(samples, 0.99)),
		MaxMS:        millis(samples[len(samples)-1]),
		WithinBudget: true,
	}
	if budget, ok := t.budgets[stage]; ok {
		st.BudgetMS = millis(budget)
		for _, d := range samples {
			if d > budget {
				st.OverBudget++
			}
		}
		st.WithinBudget = nearestRank(samples, 0.95) <= budget
	}
	return st
}

// nearestRank returns the smallest sample with at least q of the samples at
// or below it.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}

// millis converts d to milliseconds rounded to two decimals.
func millis(d time.Duration) float64 {
	return math.Round(float64(d)/1e4) / 100
}
