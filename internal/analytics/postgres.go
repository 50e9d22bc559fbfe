package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink appends records to the analytics_records table. The pool
// connects lazily and the schema is created by the first write that reaches
// the database, so an unreachable server only degrades the mirror.
type PostgresSink struct {
	db    execer
	close func()

	mu          sync.Mutex
	schemaReady bool
}

// NewPostgresSink rejects a malformed databaseURL but does not dial.
func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MinConns = 0
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &PostgresSink{db: pool, close: pool.Close}, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := initSchema(ctx, s.db); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}

func initSchema(ctx context.Context, db execer) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analytics_records (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			session_key TEXT NOT NULL,
			text_hash TEXT NOT NULL,
			turn_ts TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			mood TEXT,
			mood_score DOUBLE PRECISION,
			risk DOUBLE PRECISION,
			triggers JSONB NOT NULL DEFAULT '{}'::jsonb,
			tips_count INTEGER NOT NULL DEFAULT 0,
			reply_preview TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			actions JSONB NOT NULL DEFAULT '[]'::jsonb
		);`,
		`CREATE INDEX IF NOT EXISTS idx_analytics_records_turn_ts ON analytics_records (turn_ts);`,
		`CREATE INDEX IF NOT EXISTS idx_analytics_records_session ON analytics_records (session_key, turn_ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, r Record) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	triggers, err := json.Marshal(nonNilTriggers(r.Triggers))
	if err != nil {
		return fmt.Errorf("encode triggers: %w", err)
	}
	actions := r.Actions
	if actions == nil {
		actions = []Action{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	var mood *string
	if r.Mood != "" {
		mood = &r.Mood
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO analytics_records
			(id, kind, session_key, text_hash, turn_ts, recorded_at, mood, mood_score, risk,
			 triggers, tips_count, reply_preview, source, actions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID,
		string(r.Kind),
		r.SessionKey,
		r.TextHash,
		r.TurnTimestamp,
		r.RecordedAt,
		mood,
		r.MoodScore,
		r.Risk,
		triggers,
		r.TipsCount,
		r.ReplyPreview,
		r.Source,
		actionsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert analytics record: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func nonNilTriggers(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}
