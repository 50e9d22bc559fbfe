package analytics

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// SinkConfig selects which mirrors to open. Empty settings leave a sink out.
type SinkConfig struct {
	DatabaseURL    string
	Influx         InfluxConfig
	BadgerPath     string
	GCSBucket      string
	GCSCredentials string
}

// OpenedSinks holds the configured sinks. Badger is also exposed on its own so
// the caller can replay it.
type OpenedSinks struct {
	All    []Sink
	Badger *BadgerSink
}

// Close releases every sink; used when start-up fails before an Aggregator
// takes ownership.
func (o OpenedSinks) Close() error {
	var err error
	for _, s := range o.All {
		err = errors.Join(err, s.Close())
	}
	return err
}

// OpenSinks builds every configured sink. Only configuration errors fail it;
// a server that is down surfaces later as failed mirror writes. A failure
// closes whatever was already opened.
func OpenSinks(ctx context.Context, cfg SinkConfig, logger *slog.Logger) (OpenedSinks, error) {
	var out OpenedSinks
	fail := func(err error) (OpenedSinks, error) {
		_ = out.Close()
		return OpenedSinks{}, err
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		s, err := NewPostgresSink(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		out.All = append(out.All, s)
	}
	if strings.TrimSpace(cfg.Influx.URL) != "" {
		s, err := NewInfluxSink(cfg.Influx)
		if err != nil {
			return fail(err)
		}
		out.All = append(out.All, s)
	}
	if strings.TrimSpace(cfg.BadgerPath) != "" {
		s, err := NewBadgerSink(BadgerConfig{Path: cfg.BadgerPath, Logger: logger})
		if err != nil {
			return fail(err)
		}
		out.All = append(out.All, s)
		out.Badger = s
	}
	if strings.TrimSpace(cfg.GCSBucket) != "" {
		s, err := NewGCSSink(ctx, cfg.GCSBucket, cfg.GCSCredentials)
		if err != nil {
			return fail(err)
		}
		out.All = append(out.All, s)
	}
	return out, nil
}
