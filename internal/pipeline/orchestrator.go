// Package pipeline runs one utterance through cue extraction, risk fusion,
// guidance retrieval, reply composition and analytics recording.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/calmcompanion/internal/analytics"
	"github.com/ent0n29/calmcompanion/internal/cues"
	"github.com/ent0n29/calmcompanion/internal/eventlog"
	"github.com/ent0n29/calmcompanion/internal/guidance"
	"github.com/ent0n29/calmcompanion/internal/observability"
	"github.com/ent0n29/calmcompanion/internal/reply"
	"github.com/ent0n29/calmcompanion/internal/risk"
	"github.com/ent0n29/calmcompanion/internal/session"
)

const (
	defaultTopK          = 3
	maxTopK              = 10
	summaryTopTriggers   = 3
	defaultSummaryWindow = 10
)

type Config struct {
	TopK          int
	SummaryWindow int
	// StrictInvariants panics on a session invariant violation instead of
	// returning an internal error.
	StrictInvariants bool
	Now              func() time.Time
}

// Deps are the collaborators the orchestrator drives. Composer, Events,
// Metrics, Tracer and Logger are optional.
type Deps struct {
	Extractor *cues.Extractor
	Fuser     *risk.Fuser
	Sessions  *session.Store
	Retriever *guidance.Retriever
	Analytics *analytics.Aggregator
	Composer  *reply.Composer
	Events    *eventlog.Log
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

type Orchestrator struct {
	cfg Config
	Deps
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Fuser == nil:
		return nil, errors.New("pipeline: risk fuser is required")
	case deps.Sessions == nil:
		return nil, errors.New("pipeline: session store is required")
	case deps.Retriever == nil:
		return nil, errors.New("pipeline: guidance retriever is required")
	case deps.Analytics == nil:
		return nil, errors.New("pipeline: analytics aggregator is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.TopK > maxTopK {
		cfg.TopK = maxTopK
	}
	if cfg.SummaryWindow <= 0 {
		cfg.SummaryWindow = defaultSummaryWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Composer == nil {
		deps.Composer = reply.NewComposer(nil, 0, deps.Logger)
	}
	if deps.Events == nil {
		deps.Events = eventlog.New(eventlog.DefaultLimit)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(observability.TracerName)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, Deps: deps}, nil
}

// stage times fn as one pipeline stage, in its own span.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := o.Tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	o.Metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// ProcessTurn scores one utterance. Only validation failures and session
// invariant violations are returned as errors; a failing enricher or sink
// degrades the turn without failing it.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	ctx, span := o.Tracer.Start(ctx, "pipeline.ProcessTurn")
	defer span.End()
	started := time.Now()

	req.SessionID = strings.TrimSpace(req.SessionID)
	if err := validate.Struct(req); err != nil {
		err = invalid(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}
	at, err := parseTimestamp(req.Timestamp, o.cfg.Now)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	var ex cues.Result
	_ = o.stage(ctx, "extract", func(context.Context) error {
		ex = o.Extractor.Extract(req.Text)
		return nil
	})

	var (
		assessment risk.Assessment
		hits       []guidance.Hit
		state      session.TrendState
		turnID     = uuid.NewString()
	)
	err = o.Sessions.Do(req.SessionID, func(tx *session.Tx) error {
		recent := tx.History(o.Fuser.Weights().RepetitionWindow)
		trend, hasTrend := tx.Trend()
		_ = o.stage(ctx, "fuse", func(context.Context) error {
			assessment = o.Fuser.Score(risk.History{
				HasTrend:     hasTrend,
				Trend:        trend,
				RecentTokens: recentTokens(recent),
			}, ex, at)
			return nil
		})
		_ = o.stage(ctx, "retrieve", func(context.Context) error {
			hits = o.Retriever.Retrieve(req.Text, assessment.Cues.Strings(), o.cfg.TopK)
			return nil
		})
		return o.stage(ctx, "append", func(context.Context) error {
			var err error
			state, err = tx.Append(session.Turn{
				ID:          turnID,
				Text:        req.Text,
				Timestamp:   at,
				Sentiment:   ex.Sentiment,
				Mood:        ex.Mood,
				Cues:        assessment.Cues.Sorted(),
				Tokens:      ex.Tokens,
				Instant:     assessment.Instant,
				Risk:        assessment.Score,
				Explanation: assessment.Explanation,
				Tips:        tipIDs(hits),
			})
			return err
		})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, o.sessionError(req.SessionID, err)
	}
	o.Metrics.SetActiveSessions(o.Sessions.ActiveCount())

	tips := tipRefs(hits)
	var composed reply.Result
	_ = o.stage(ctx, "reply", func(ctx context.Context) error {
		composed = o.Composer.Compose(ctx, reply.Request{
			SessionID: req.SessionID,
			TurnID:    turnID,
			Text:      req.Text,
			Risk:      assessment.Score,
			Triggers:  assessment.Triggers,
			Tips:      replyTips(tips),
		}, req.FallbackReply)
		return composed.Err
	})
	o.Metrics.CountOutcome("reply_" + string(composed.Source))
	if composed.Err != nil {
		o.degraded("enricher", composed.Enricher, composed.Err)
	}

	_ = o.stage(ctx, "record", func(context.Context) error {
		o.Analytics.RecordTurn(analytics.TurnSummary{
			SessionID: req.SessionID,
			Text:      req.Text,
			Timestamp: at,
			Mood:      string(ex.Mood),
			Sentiment: ex.Sentiment,
			Risk:      assessment.Score,
			Triggers:  assessment.Triggers,
			TipsCount: len(tips),
			Reply:     composed.Text,
		})
		return nil
	})

	res := TurnResult{
		TurnID:      turnID,
		SessionID:   req.SessionID,
		Seq:         state.TurnCount,
		Timestamp:   at,
		Risk:        assessment.Score,
		Instant:     assessment.Instant,
		Trend:       state.Trend,
		WindowAvg:   state.WindowAvg,
		Sentiment:   ex.Sentiment,
		Mood:        ex.Mood,
		Triggers:    assessment.Triggers,
		Explanation: assessment.Explanation,
		Tips:        tips,
		Reply:       composed.Text,
		ReplySource: composed.Source,
		TurnCount:   state.TurnCount,
	}

	o.Events.Add(eventlog.KindTurn, map[string]any{
		"session_id":   res.SessionID,
		"turn_id":      res.TurnID,
		"seq":          res.Seq,
		"risk":         res.Risk,
		"mood":         string(res.Mood),
		"triggers":     assessment.Cues.Strings(),
		"tips":         len(res.Tips),
		"reply_source": string(res.ReplySource),
	})
	o.Metrics.ObserveTurn(string(res.Mood), res.Risk)
	o.Metrics.ObserveStage("turn_total", time.Since(started))
	span.SetAttributes(
		attribute.Float64("risk.score", res.Risk),
		attribute.Int("session.turn_count", res.TurnCount),
		attribute.String("reply.source", string(res.ReplySource)),
	)
	return res, nil
}

// sessionError maps store failures onto the caller-facing error kinds.
func (o *Orchestrator) sessionError(sessionID string, err error) error {
	switch {
	case errors.Is(err, session.ErrOutOfOrder):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, session.ErrInvariant):
		o.Logger.Error("session invariant violated", "session_id", sessionID, "error", err)
		o.Events.Add(eventlog.KindInvariant, map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		o.Metrics.InvariantViolation()
		if o.cfg.StrictInvariants {
			panic(fmt.Sprintf("pipeline: %v", err))
		}
		return fmt.Errorf("process turn: %w", err)
	default:
		return fmt.Errorf("process turn: %w", err)
	}
}

func (o *Orchestrator) degraded(component, detail string, err error) {
	o.Metrics.Degraded(component)
	payload := map[string]any{"component": component, "error": err.Error()}
	if detail != "" {
		payload["name"] = detail
	}
	o.Events.Add(eventlog.KindDegraded, payload)
}

// Aggregate summarises the latest window analytics records; window <= 0 uses
// the whole buffer.
func (o *Orchestrator) Aggregate(window int) analytics.Snapshot {
	return o.Analytics.Snapshot(window)
}

// RecentEvents returns diagnostic events, newest first.
func (o *Orchestrator) RecentEvents(limit int) []eventlog.Event {
	return o.Events.Recent(limit)
}

// History returns up to limit of a session's kept turns, oldest first.
func (o *Orchestrator) History(sessionID string, limit int) ([]session.Turn, error) {
	s, err := o.Sessions.Get(strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	turns := s.Turns
	if limit > 0 && limit < len(turns) {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// SessionSummary reports the mean risk and the three most frequent triggers
// over the latest window turns. An unknown session yields an empty summary.
func (o *Orchestrator) SessionSummary(sessionID string, window int) Summary {
	sessionID = strings.TrimSpace(sessionID)
	if window <= 0 {
		window = o.cfg.SummaryWindow
	}
	out := Summary{SessionID: sessionID, Window: window, TopTriggers: []analytics.Count{}, Turns: []SummaryTurn{}}
	s, err := o.Sessions.Get(sessionID)
	if err != nil {
		return out
	}
	created := s.CreatedAt
	out.CreatedAt = &created
	out.Trend = s.Trend
	out.TurnCount = s.TurnCount

	last := s.Turns
	if len(last) > window {
		last = last[len(last)-window:]
	}
	counts := map[string]int{}
	total := 0.0
	for _, t := range last {
		total += t.Risk
		for _, c := range t.Cues {
			counts[string(c)]++
		}
	}
	if len(last) > 0 {
		out.RiskAvg = total / float64(len(last))
	}
	out.TopTriggers = topCounts(counts, summaryTopTriggers)
	for _, t := range s.Turns {
		out.Turns = append(out.Turns, SummaryTurn{
			Seq:       t.Seq,
			Timestamp: t.Timestamp,
			Text:      t.Text,
			Risk:      t.Risk,
			Tips:      t.Tips,
		})
	}
	return out
}

// RecordAction stores an automation report from a device adapter.
func (o *Orchestrator) RecordAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	_, span := o.Tracer.Start(ctx, "pipeline.RecordAction")
	defer span.End()

	req.Source = strings.TrimSpace(req.Source)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if err := validate.Struct(req); err != nil {
		err = invalid(err)
		span.SetStatus(codes.Error, err.Error())
		return ActionResult{}, err
	}
	at, err := parseTimestamp(req.Timestamp, o.cfg.Now)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ActionResult{}, err
	}

	actions := make([]analytics.Action, 0, len(req.Actions))
	for _, a := range req.Actions {
		actions = append(actions, analytics.Action{
			Device:     strings.TrimSpace(a.Device),
			Action:     strings.TrimSpace(a.Action),
			Parameters: a.Parameters,
		})
	}
	rec := o.Analytics.RecordAction(analytics.ActionReport{
		Source:    req.Source,
		SessionID: req.SessionID,
		Actions:   actions,
		Plan:      req.Plan,
		At:        at,
	})

	devices := make([]string, 0, len(actions))
	for _, a := range actions {
		devices = append(devices, a.Device+"."+a.Action)
	}
	o.Events.Add(eventlog.KindAction, map[string]any{
		"source":    req.Source,
		"record_id": rec.ID,
		"actions":   devices,
	})
	return ActionResult{RecordID: rec.ID, RecordedAt: rec.RecordedAt, Actions: len(actions)}, nil
}

// SearchGuidance queries the tip index directly.
func (o *Orchestrator) SearchGuidance(query string, k int) []TipRef {
	if k <= 0 {
		k = o.cfg.TopK
	}
	if k > maxTopK {
		k = maxTopK
	}
	return tipRefs(o.Retriever.Index().Search(query, k))
}

func recentTokens(turns []session.Turn) [][]string {
	out := make([][]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Tokens)
	}
	return out
}

func tipIDs(hits []guidance.Hit) []string {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Doc.ID)
	}
	return ids
}

func tipRefs(hits []guidance.Hit) []TipRef {
	out := make([]TipRef, 0, len(hits))
	for _, h := range hits {
		out = append(out, TipRef{
			ID:      h.Doc.ID,
			Title:   h.Doc.Title,
			Snippet: h.Doc.Snippet(),
			Score:   h.Score,
		})
	}
	return out
}

func replyTips(tips []TipRef) []reply.Tip {
	out := make([]reply.Tip, 0, len(tips))
	for _, t := range tips {
		out = append(out, reply.Tip{Title: t.Title, Snippet: t.Snippet})
	}
	return out
}

func topCounts(counts map[string]int, n int) []analytics.Count {
	out := make([]analytics.Count, 0, len(counts))
	for name, c := range counts {
		out = append(out, analytics.Count{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
