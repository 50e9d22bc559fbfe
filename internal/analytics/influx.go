package analytics

import (
	"context"
	"fmt"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const influxMeasurement = "agitation_records"

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes one point per record so risk and trigger activity can be
// charted over time.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if strings.TrimSpace(cfg.URL) == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb sink requires url, org and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (s *InfluxSink) Name() string { return "influxdb" }

func (s *InfluxSink) Write(ctx context.Context, r Record) error {
	if err := s.writeAPI.WritePoint(ctx, recordPoint(r)); err != nil {
		return fmt.Errorf("write influx point: %w", err)
	}
	return nil
}

func recordPoint(r Record) *write.Point {
	p := influxdb2.NewPointWithMeasurement(influxMeasurement).
		AddTag("kind", string(r.Kind)).
		AddTag("session_key", r.SessionKey).
		AddField("tips_count", r.TipsCount).
		AddField("trigger_count", len(r.ActiveTriggers())).
		AddField("action_count", len(r.Actions)).
		SetTime(r.TurnTimestamp)
	if r.Mood != "" {
		p.AddTag("mood", r.Mood)
	}
	if r.Risk != nil {
		p.AddField("risk", *r.Risk)
	}
	if r.MoodScore != nil {
		p.AddField("mood_score", *r.MoodScore)
	}
	for name, on := range r.Triggers {
		if on {
			p.AddField("trigger_"+strings.ReplaceAll(name, "-", "_"), true)
		}
	}
	return p
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
