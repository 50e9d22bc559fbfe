package observability

import (
	"slices"
	"testing"
	"time"
)

func TestStageTrackerSnapshot(t *testing.T) {
	tr := newStageTracker(8, nil)
	for _, ms := range []int{500, 700, 900} {
		tr.observe("reply", time.Duration(ms)*time.Millisecond)
	}
	tr.observe("fuse", 3*time.Millisecond)
	tr.observe("custom", time.Millisecond)
	tr.count("reply_fallback")
	tr.count("reply_fallback")
	tr.count(" ")

	snap := tr.snapshot(time.Now())
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	var order []string
	for _, s := range snap.Stages {
		order = append(order, s.Stage)
	}
	if !slices.Equal(order, []string{"fuse", "reply", "custom"}) {
		t.Fatalf("stage order = %v, want pipeline order then extras", order)
	}

	reply := snap.Stages[1]
	if reply.Samples != 3 || reply.LastMS != 900 || reply.P50MS != 700 || reply.P95MS != 900 || reply.MaxMS != 900 {
		t.Fatalf("reply stats = %+v", reply)
	}
	if reply.BudgetMS != 1500 || reply.OverBudget != 0 || !reply.WithinBudget {
		t.Fatalf("reply budget = %+v", reply)
	}
	fuse := snap.Stages[0]
	if fuse.BudgetMS != 1 || fuse.OverBudget != 1 || fuse.WithinBudget {
		t.Fatalf("fuse budget = %+v", fuse)
	}
	custom := snap.Stages[2]
	if custom.BudgetMS != 0 || !custom.WithinBudget {
		t.Fatalf("stage without budget = %+v", custom)
	}
	if !slices.Equal(snap.OverBudget, []string{"fuse"}) {
		t.Fatalf("OverBudget = %v, want [fuse]", snap.OverBudget)
	}
	if len(snap.Outcomes) != 1 || snap.Outcomes[0] != (OutcomeCount{Name: "reply_fallback", Count: 2}) {
		t.Fatalf("Outcomes = %+v", snap.Outcomes)
	}
}

func TestStageTrackerBudgetOverrides(t *testing.T) {
	tr := newStageTracker(4, map[string]time.Duration{"fuse": 10 * time.Millisecond, "reply": 0})
	tr.observe("fuse", 3*time.Millisecond)
	tr.observe("reply", 3*time.Second)

	snap := tr.snapshot(time.Now())
	if snap.Stages[0].BudgetMS != 10 || !snap.Stages[0].WithinBudget {
		t.Fatalf("fuse = %+v, want raised budget", snap.Stages[0])
	}
	if snap.Stages[1].BudgetMS != 0 || len(snap.OverBudget) != 0 {
		t.Fatalf("reply budget should be removed: %+v", snap)
	}
}

func TestStageTrackerWrapsAndResets(t *testing.T) {
	tr := newStageTracker(4, nil)
	for i := 1; i <= 10; i++ {
		tr.observe("retrieve", time.Duration(i)*time.Millisecond)
	}
	tr.observe("", time.Millisecond)
	tr.observe("retrieve", -time.Millisecond)

	snap := tr.snapshot(time.Now())
	if len(snap.Stages) != 1 {
		t.Fatalf("Stages = %+v, want one stage", snap.Stages)
	}
	st := snap.Stages[0]
	if st.Samples != 4 || st.Observed != 10 || st.MeanMS != 8.5 {
		t.Fatalf("retrieve = %+v, want 4 kept of 10 with mean 8.5", st)
	}
	if st.OverBudget != 4 {
		t.Fatalf("OverBudget = %d, want all 4 kept samples above 5ms", st.OverBudget)
	}

	tr.reset()
	if got := len(tr.snapshot(time.Now()).Stages); got != 0 {
		t.Fatalf("len(Stages) after reset = %d, want 0", got)
	}
}

func TestNearestRank(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 20; i++ {
		sorted = append(sorted, time.Duration(i))
	}
	if got := nearestRank(sorted, 0.95); got != 19 {
		t.Fatalf("p95 = %d, want 19", got)
	}
	if got := nearestRank(sorted, 0); got != 1 {
		t.Fatalf("p0 = %d, want 1", got)
	}
	if got := nearestRank(nil, 0.5); got != 0 {
		t.Fatalf("empty = %d, want 0", got)
	}
}

func TestMetricsObserveStageIsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage("fuse", time.Millisecond)
	m.CountOutcome("reply_heuristic")
	m.SetStageBudgets(map[string]time.Duration{"fuse": time.Second})
	m.Degraded("sink")
	if len(m.StageSnapshot().Stages) != 0 {
		t.Fatalf("nil metrics should report no stages")
	}

	m = NewMetrics("calm_test")
	m.SetStageBudgets(map[string]time.Duration{"fuse": time.Millisecond})
	m.ObserveStage("fuse", 1500*time.Microsecond)
	snap := m.StageSnapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 1.5 || snap.Stages[0].WithinBudget {
		t.Fatalf("Stages = %+v, want fuse at 1.5ms over its 1ms budget", snap.Stages)
	}
	other := NewMetrics("calm_test")
	if len(other.StageSnapshot().Stages) != 0 {
		t.Fatalf("instances must not share state")
	}
}
