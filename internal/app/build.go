package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ent0n29/calmcompanion/internal/analytics"
	"github.com/ent0n29/calmcompanion/internal/config"
	"github.com/ent0n29/calmcompanion/internal/cues"
	"github.com/ent0n29/calmcompanion/internal/eventlog"
	"github.com/ent0n29/calmcompanion/internal/guidance"
	"github.com/ent0n29/calmcompanion/internal/httpapi"
	"github.com/ent0n29/calmcompanion/internal/observability"
	"github.com/ent0n29/calmcompanion/internal/pipeline"
	"github.com/ent0n29/calmcompanion/internal/reply"
	"github.com/ent0n29/calmcompanion/internal/risk"
	"github.com/ent0n29/calmcompanion/internal/session"
)

// Options overrides process-level outputs; tests point them at buffers.
type Options struct {
	LogOutput   io.Writer
	TraceOutput io.Writer
}

type BuildResult struct {
	Config       config.Config
	Logger       *slog.Logger
	API          *httpapi.Server
	Sessions     *session.Store
	Orchestrator *pipeline.Orchestrator
	Analytics    *analytics.Aggregator
	Events       *eventlog.Log
	Metrics      *observability.Metrics
	Enricher     string
	Restored     int

	// Cleanup should be called on shutdown; it drains the analytics mirror
	// within ctx and flushes pending spans.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	tracing, err := observability.SetupTracing(cfg.Tracing, opts.TraceOutput)
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	metrics.SetStageBudgets(cfg.StageBudgets)
	metrics.SetStageBudgets(cfg.StageBudgets)

	weights := risk.DefaultWeights()
	if cfg.RiskWeightsFile != "" {
		weights, err = risk.LoadWeights(cfg.RiskWeightsFile)
		if err != nil {
			_ = tracing.Shutdown(ctx)
			return nil, fmt.Errorf("risk weights: %w", err)
		}
	}

	docs, err := guidance.LoadCorpus(cfg.GuidanceCorpusPath)
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, fmt.Errorf("guidance corpus: %w", err)
	}
	retriever := guidance.NewRetriever(guidance.NewIndex(docs))

	enricher, err := reply.NewEnricher(reply.Config{
		Provider:    cfg.ReplyProvider,
		Model:       cfg.ReplyModel,
		APIKey:      cfg.ReplyAPIKey,
		Endpoint:    cfg.ReplyEndpoint,
		Temperature: cfg.ReplyTemperature,
		MaxTokens:   cfg.ReplyMaxTokens,
		Timeout:     cfg.ReplyTimeout,
	})
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, fmt.Errorf("reply enricher: %w", err)
	}
	enricherName := "none"
	if enricher != nil {
		enricherName = enricher.Name()
	}

	events := eventlog.New(cfg.EventLogLimit)

	sinks, err := analytics.OpenSinks(ctx, analytics.SinkConfig{
		DatabaseURL: cfg.DatabaseURL,
		Influx: analytics.InfluxConfig{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
		BadgerPath:     cfg.AnalyticsBadgerPath,
		GCSBucket:      cfg.AnalyticsGCSBucket,
		GCSCredentials: cfg.AnalyticsGCSCredentials,
	}, logger)
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, fmt.Errorf("analytics sinks: %w", err)
	}

	// Replay happens before the aggregator owns the sinks so restored records
	// are not mirrored a second time.
	var restored []analytics.Record
	if sinks.Badger != nil && cfg.AnalyticsRestore > 0 {
		restored, err = sinks.Badger.Load(cfg.AnalyticsRestore)
		if err != nil {
			logger.Warn("analytics restore failed", "error", err)
			restored = nil
		}
	}

	agg := analytics.New(analytics.Config{
		MaxRecords:  cfg.AnalyticsMaxRecords,
		Salt:        cfg.AnalyticsSalt,
		SinkTimeout: cfg.AnalyticsSinkTimeout,
		SinkQueue:   cfg.AnalyticsSinkQueue,
	}, sinks.All, events, metrics, logger)
	agg.Restore(restored)

	sessions := session.NewStore(session.Config{
		InactivityTimeout: cfg.SessionInactivityTimeout,
		MaxSessions:       cfg.MaxSessions,
		MaxTurnsKept:      cfg.MaxTurnsKept,
		SummaryWindow:     cfg.SummaryWindow,
	})
	sessions.SetExpireHook(func(s *session.Session, reason session.EvictReason) {
		metrics.SessionEvent("expired_" + string(reason))
		metrics.SetActiveSessions(sessions.ActiveCount())
		events.Add(eventlog.KindSessionExpired, map[string]any{
			"session_id": s.ID,
			"reason":     string(reason),
			"turn_count": s.TurnCount,
		})
		logger.Debug("session evicted", "session_id", s.ID, "reason", reason)
	})

	orch, err := pipeline.New(pipeline.Config{
		TopK:             cfg.GuidanceTopK,
		SummaryWindow:    cfg.SummaryWindow,
		StrictInvariants: cfg.StrictInvariants,
	}, pipeline.Deps{
		Extractor: cues.NewExtractor(),
		Fuser:     risk.NewFuser(weights),
		Sessions:  sessions,
		Retriever: retriever,
		Analytics: agg,
		Composer:  reply.NewComposer(enricher, cfg.ReplyTimeout, logger),
		Events:    events,
		Metrics:   metrics,
		Tracer:    tracing.Tracer(),
		Logger:    logger,
	})
	if err != nil {
		_ = agg.Close(ctx)
		_ = tracing.Shutdown(ctx)
		return nil, err
	}

	api := httpapi.New(cfg, orch, events, metrics, agg)

	logger.Info("pipeline ready",
		"guidance_docs", len(docs),
		"sinks", len(sinks.All),
		"restored_records", len(restored),
		"reply_provider", enricherName,
	)

	cleanup := func(ctx context.Context) error {
		return errors.Join(agg.Close(ctx), tracing.Shutdown(ctx))
	}

	return &BuildResult{
		Config:       cfg,
		Logger:       logger,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orch,
		Analytics:    agg,
		Events:       events,
		Metrics:      metrics,
		Enricher:     enricherName,
		Restored:     len(restored),
		Cleanup:      cleanup,
	}, nil
}
