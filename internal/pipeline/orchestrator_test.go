package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/calmcompanion/internal/analytics"
	"github.com/ent0n29/calmcompanion/internal/cues"
	"github.com/ent0n29/calmcompanion/internal/eventlog"
	"github.com/ent0n29/calmcompanion/internal/guidance"
	"github.com/ent0n29/calmcompanion/internal/observability"
	"github.com/ent0n29/calmcompanion/internal/reply"
	"github.com/ent0n29/calmcompanion/internal/risk"
	"github.com/ent0n29/calmcompanion/internal/session"
)

var dusk = time.Date(2025, 3, 1, 19, 30, 0, 0, time.UTC)

type unreachableSink struct {
	mu    sync.Mutex
	calls int
}

func (s *unreachableSink) Name() string { return "unreachable" }

func (s *unreachableSink) Write(context.Context, analytics.Record) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")
}

func (s *unreachableSink) Close() error { return nil }

type failingEnricher struct{}

func (failingEnricher) Name() string { return "broken" }

func (failingEnricher) Reply(context.Context, reply.Request) (string, error) {
	return "", errors.New("upstream unavailable")
}

type harness struct {
	orch    *Orchestrator
	events  *eventlog.Log
	metrics *observability.Metrics
}

type harnessOption func(*Config, *Deps, *[]analytics.Sink)

func withSinks(sinks ...analytics.Sink) harnessOption {
	return func(_ *Config, _ *Deps, s *[]analytics.Sink) { *s = append(*s, sinks...) }
}

func withEnricher(e reply.Enricher) harnessOption {
	return func(_ *Config, d *Deps, _ *[]analytics.Sink) {
		d.Composer = reply.NewComposer(e, time.Second, d.Logger)
	}
}

func withStrictInvariants() harnessOption {
	return func(c *Config, _ *Deps, _ *[]analytics.Sink) { c.StrictInvariants = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	docs, err := guidance.LoadCorpus("")
	if err != nil {
		t.Fatalf("LoadCorpus() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := eventlog.New(eventlog.DefaultLimit)
	metrics := observability.NewMetrics("calmcompanion_test")
	now := func() time.Time { return dusk }

	cfg := Config{Now: now}
	deps := Deps{
		Extractor: cues.NewExtractor(),
		Fuser:     risk.NewFuser(risk.DefaultWeights()),
		Sessions:  session.NewStore(session.Config{Now: now}),
		Retriever: guidance.NewRetriever(guidance.NewIndex(docs)),
		Events:    events,
		Metrics:   metrics,
		Logger:    logger,
	}
	var sinks []analytics.Sink
	for _, opt := range opts {
		opt(&cfg, &deps, &sinks)
	}
	deps.Analytics = analytics.New(analytics.Config{
		MaxRecords:   50,
		SinkTimeout:  50 * time.Millisecond,
		CooldownBase: time.Millisecond,
		CooldownMax:  time.Millisecond,
	}, sinks, events, metrics, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = deps.Analytics.Close(ctx)
	})

	orch, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{orch: orch, events: events, metrics: metrics}
}

func factorNamed(fs []risk.Factor, name string) (risk.Factor, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f, true
		}
	}
	return risk.Factor{}, false
}

func TestProcessTurnExitSeekingAtDusk(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.ProcessTurn(context.Background(), TurnRequest{
		SessionID: "room-12",
		Text:      "he keeps trying to leave through the door, agitated",
		Timestamp: "2025-03-01T19:30:00Z",
	})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if !res.Triggers["door"] || !res.Triggers["exit-seeking"] {
		t.Fatalf("triggers = %v, want door and exit-seeking", res.Triggers)
	}
	if res.Sentiment >= 0 {
		t.Fatalf("sentiment = %v, want negative", res.Sentiment)
	}
	if res.Risk <= 0.5 || res.Risk > 1 {
		t.Fatalf("risk = %v, want in (0.5, 1]", res.Risk)
	}
	for _, name := range []string{"cue:door", "cue:exit-seeking", "time_of_day"} {
		if f, ok := factorNamed(res.Explanation, name); !ok || f.Contribution <= 0 {
			t.Fatalf("explanation missing positive %s: %+v", name, res.Explanation)
		}
	}
	if res.Seq != 1 || res.TurnCount != 1 || res.TurnID == "" {
		t.Fatalf("unexpected turn identity: %+v", res)
	}
	if len(res.Tips) == 0 || len(res.Tips) > defaultTopK {
		t.Fatalf("tips = %+v", res.Tips)
	}
	if res.ReplySource != reply.SourceHeuristic || res.Reply == "" {
		t.Fatalf("reply = %q from %s", res.Reply, res.ReplySource)
	}

	snap := h.orch.Aggregate(0)
	if snap.TotalTurns != 1 || snap.CategoryCounts["door"] != 1 {
		t.Fatalf("aggregate = %+v", snap)
	}
	evs := h.orch.RecentEvents(10)
	if len(evs) == 0 || evs[0].Kind != eventlog.KindTurn || evs[0].Payload["turn_id"] != res.TurnID {
		t.Fatalf("latest event = %+v", evs)
	}
}

func TestProcessTurnEmptyTextIsBaseline(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Text: ""})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	want := risk.DefaultWeights().TimeOfDay * risk.TimePrior(dusk.Hour())
	if math.Abs(res.Risk-want) > 1e-9 {
		t.Fatalf("risk = %v, want time-of-day baseline %v", res.Risk, want)
	}
	for _, f := range res.Explanation {
		if strings.HasPrefix(f.Name, "cue:") || (f.Name == "sentiment" && f.Contribution != 0) {
			t.Fatalf("unexpected factor for empty text: %+v", f)
		}
	}
	for name, on := range res.Triggers {
		if on {
			t.Fatalf("trigger %s active for empty text", name)
		}
	}
}

func TestProcessTurnHistoryDampsSwing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.orch.ProcessTurn(ctx, TurnRequest{
		SessionID: "s",
		Text:      "I want to go home now! Where is the door? I'm scared and it hurts!!!",
		Timestamp: "2025-03-01T19:30:00Z",
	})
	if err != nil {
		t.Fatalf("first turn error = %v", err)
	}
	second, err := h.orch.ProcessTurn(ctx, TurnRequest{
		SessionID: "s",
		Text:      "thank you, that was lovely",
		Timestamp: "2025-03-01T19:31:00Z",
	})
	if err != nil {
		t.Fatalf("second turn error = %v", err)
	}
	if !(second.Instant < first.Instant) {
		t.Fatalf("instants: first %v second %v, want a calmer second turn", first.Instant, second.Instant)
	}
	if !(second.Risk > second.Instant && second.Risk < first.Instant) {
		t.Fatalf("trend %v not strictly between instants %v and %v", second.Risk, second.Instant, first.Instant)
	}
	if second.Seq != 2 || second.Trend != second.Risk {
		t.Fatalf("second turn = %+v", second)
	}
}

func TestProcessTurnUnreachableSinkStillAggregates(t *testing.T) {
	sink := &unreachableSink{}
	h := newHarness(t, withSinks(sink))
	res, err := h.orch.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Text: "I'm hungry"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	snap := h.orch.Aggregate(0)
	if snap.TotalTurns != 1 || snap.SessionsTracked != 1 {
		t.Fatalf("aggregate = %+v", snap)
	}
	if math.Abs(snap.AvgRisk-res.Risk) > 1e-9 {
		t.Fatalf("avg risk = %v, want %v", snap.AvgRisk, res.Risk)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		degraded := false
		for _, ev := range h.orch.RecentEvents(0) {
			if ev.Kind == eventlog.KindDegraded {
				degraded = true
			}
		}
		if degraded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no degraded event recorded for unreachable sink")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessTurnRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	cases := map[string]TurnRequest{
		"missing session":    {SessionID: "   ", Text: "hello"},
		"long session":       {SessionID: strings.Repeat("s", MaxSessionIDBytes+1), Text: "hello"},
		"long text":          {SessionID: "s", Text: strings.Repeat("a", MaxTextBytes+1)},
		"binary text":        {SessionID: "s", Text: "\xff\xfe"},
		"bad timestamp":      {SessionID: "s", Text: "hello", Timestamp: "yesterday"},
		"long fallback text": {SessionID: "s", FallbackReply: strings.Repeat("r", 1601)},
	}
	for name, req := range cases {
		if _, err := h.orch.ProcessTurn(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: error = %v, want ErrInvalidInput", name, err)
		}
	}
	if h.orch.Sessions.ActiveCount() != 0 {
		t.Fatalf("rejected requests created sessions")
	}
	if snap := h.orch.Aggregate(0); snap.TotalTurns != 0 {
		t.Fatalf("rejected requests were recorded: %+v", snap)
	}
}

func TestProcessTurnRejectsOutOfOrderTimestamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.orch.ProcessTurn(ctx, TurnRequest{SessionID: "s", Text: "hi", Timestamp: "2025-03-01T19:30:00Z"}); err != nil {
		t.Fatalf("first turn error = %v", err)
	}
	_, err := h.orch.ProcessTurn(ctx, TurnRequest{SessionID: "s", Text: "hi", Timestamp: "2025-03-01T19:29:00Z"})
	if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, session.ErrOutOfOrder) {
		t.Fatalf("error = %v, want ErrInvalidInput wrapping ErrOutOfOrder", err)
	}
	if turns, _ := h.orch.History("s", 0); len(turns) != 1 {
		t.Fatalf("history length = %d, want 1", len(turns))
	}
}

func TestProcessTurnEnricherFailureIsDegraded(t *testing.T) {
	h := newHarness(t, withEnricher(failingEnricher{}))
	res, err := h.orch.ProcessTurn(context.Background(), TurnRequest{
		SessionID:     "s",
		Text:          "where is my wife",
		FallbackReply: "She'll be here after lunch.",
	})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.ReplySource != reply.SourceFallback || res.Reply != "She'll be here after lunch." {
		t.Fatalf("reply = %q from %s", res.Reply, res.ReplySource)
	}
	var degraded bool
	for _, ev := range h.orch.RecentEvents(0) {
		if ev.Kind == eventlog.KindDegraded && ev.Payload["component"] == "enricher" {
			degraded = true
		}
	}
	if !degraded {
		t.Fatalf("enricher failure was not logged as degraded")
	}
}

func TestProcessTurnConcurrentSameSession(t *testing.T) {
	h := newHarness(t)
	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.ProcessTurn(context.Background(), TurnRequest{
				SessionID: "shared",
				Text:      fmt.Sprintf("message number %d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ProcessTurn() error = %v", err)
		}
	}

	turns, err := h.orch.History("shared", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(turns) != n {
		t.Fatalf("history length = %d, want %d", len(turns), n)
	}
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Fatalf("turn %d has seq %d", i, turn.Seq)
		}
	}
	if h.orch.Aggregate(0).TotalTurns != n {
		t.Fatalf("aggregate lost turns")
	}
}

func TestProcessTurnConcurrentSessionsStayIsolated(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for s := 0; s < 6; s++ {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(s, i int) {
				defer wg.Done()
				_, _ = h.orch.ProcessTurn(context.Background(), TurnRequest{
					SessionID: fmt.Sprintf("s%d", s),
					Text:      fmt.Sprintf("s%d says %d", s, i),
				})
			}(s, i)
		}
	}
	wg.Wait()
	for s := 0; s < 6; s++ {
		id := fmt.Sprintf("s%d", s)
		turns, err := h.orch.History(id, 0)
		if err != nil || len(turns) != 5 {
			t.Fatalf("%s history = %d turns, err %v", id, len(turns), err)
		}
		for _, turn := range turns {
			if turn.SessionID != id || !strings.HasPrefix(turn.Text, id+" ") {
				t.Fatalf("%s holds foreign turn %+v", id, turn)
			}
		}
	}
}

func TestSessionSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	texts := []string{
		"I need to go home, where is the door",
		"where is the door",
		"I'm hungry",
		"it hurts",
	}
	var total float64
	for i, text := range texts {
		res, err := h.orch.ProcessTurn(ctx, TurnRequest{
			SessionID: "s",
			Text:      text,
			Timestamp: dusk.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
		if err != nil {
			t.Fatalf("turn %d error = %v", i, err)
		}
		if i > 0 {
			total += res.Risk
		}
	}

	sum := h.orch.SessionSummary("s", 3)
	if sum.CreatedAt == nil || sum.TurnCount != 4 || len(sum.Turns) != 4 {
		t.Fatalf("summary = %+v", sum)
	}
	if math.Abs(sum.RiskAvg-total/3) > 1e-9 {
		t.Fatalf("risk avg = %v, want %v", sum.RiskAvg, total/3)
	}
	if len(sum.TopTriggers) == 0 || len(sum.TopTriggers) > 3 {
		t.Fatalf("top triggers = %+v", sum.TopTriggers)
	}

	empty := h.orch.SessionSummary("nobody", 0)
	if empty.CreatedAt != nil || empty.RiskAvg != 0 || len(empty.TopTriggers) != 0 || empty.Window != defaultSummaryWindow {
		t.Fatalf("unknown session summary = %+v", empty)
	}
	if _, err := h.orch.History("nobody", 0); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("History(unknown) error = %v", err)
	}
}

func TestRecordAction(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.RecordAction(context.Background(), ActionRequest{
		Source:    "home-assistant",
		SessionID: "s",
		Plan:      "dim the lights to calm the evening",
		Actions: []ActionPayload{
			{Device: "lights", Action: "dim", Parameters: map[string]any{"level": 30}},
		},
	})
	if err != nil {
		t.Fatalf("RecordAction() error = %v", err)
	}
	if res.RecordID == "" || res.Actions != 1 {
		t.Fatalf("result = %+v", res)
	}
	snap := h.orch.Aggregate(0)
	if snap.TotalActions != 1 || len(snap.TopActions) != 1 {
		t.Fatalf("aggregate = %+v", snap)
	}
	if evs := h.orch.RecentEvents(1); evs[0].Kind != eventlog.KindAction {
		t.Fatalf("latest event = %+v", evs[0])
	}

	if _, err := h.orch.RecordAction(context.Background(), ActionRequest{Source: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty actions error = %v", err)
	}
	if _, err := h.orch.RecordAction(context.Background(), ActionRequest{
		Source:  "x",
		Actions: []ActionPayload{{Device: "tv"}},
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing action name error = %v", err)
	}
}

func TestSearchGuidance(t *testing.T) {
	h := newHarness(t)
	hits := h.orch.SearchGuidance("door leave home", 2)
	if len(hits) == 0 || len(hits) > 2 {
		t.Fatalf("hits = %+v", hits)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Fatalf("hits not ordered: %+v", hits)
		}
	}
	if got := h.orch.SearchGuidance("zzzz qqqq", 3); len(got) != 0 {
		t.Fatalf("no-overlap query returned %+v", got)
	}
}

func TestInvariantViolationReported(t *testing.T) {
	h := newHarness(t)
	err := h.orch.sessionError("s", fmt.Errorf("%w: turn 3 does not follow turn 4", session.ErrInvariant))
	if !errors.Is(err, session.ErrInvariant) || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v", err)
	}
	if evs := h.orch.RecentEvents(1); len(evs) != 1 || evs[0].Kind != eventlog.KindInvariant {
		t.Fatalf("events = %+v", evs)
	}
}

func TestInvariantViolationPanicsWhenStrict(t *testing.T) {
	h := newHarness(t, withStrictInvariants())
	defer func() {
		if recover() == nil {
			t.Fatalf("strict mode did not panic")
		}
	}()
	_ = h.orch.sessionError("s", session.ErrInvariant)
}

func TestParseTimestamp(t *testing.T) {
	now := func() time.Time { return dusk }
	cases := map[string]time.Time{
		"":                              dusk,
		"2025-03-01T08:15:00Z":          time.Date(2025, 3, 1, 8, 15, 0, 0, time.UTC),
		"2025-03-01T08:15:00.250+02:00": time.Date(2025, 3, 1, 8, 15, 0, 250e6, time.FixedZone("", 2*3600)),
		"2025-03-01T08:15:00":           time.Date(2025, 3, 1, 8, 15, 0, 0, time.UTC),
		"2025-03-01 08:15:00":           time.Date(2025, 3, 1, 8, 15, 0, 0, time.UTC),
	}
	for raw, want := range cases {
		got, err := parseTimestamp(raw, now)
		if err != nil {
			t.Fatalf("parseTimestamp(%q) error = %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parseTimestamp(%q) = %v, want %v", raw, got, want)
		}
	}
	if got, _ := parseTimestamp("2025-03-01T20:00:00+02:00", now); got.Hour() != 20 {
		t.Fatalf("offset timestamp lost its wall clock hour: %v", got)
	}
}
