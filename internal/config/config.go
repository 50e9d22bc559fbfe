package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the turn pipeline service. Every
// optional sink or enricher is either configured here or absent.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	MaxSessions              int
	MaxTurnsKept             int
	SummaryWindow            int
	MetricsNamespace         string
	AllowAnyOrigin           bool
	StrictInvariants         bool

	// StageBudgets overrides per-stage p95 latency budgets, e.g. "reply=1s".
	StageBudgets map[string]time.Duration

	LogLevel  string
	LogFormat string
	Tracing   string

	RiskWeightsFile    string
	GuidanceCorpusPath string
	GuidanceTopK       int

	AnalyticsMaxRecords  int
	AnalyticsSalt        string
	AnalyticsSinkTimeout time.Duration
	AnalyticsSinkQueue   int
	AnalyticsRestore     int
	EventLogLimit        int

	DatabaseURL             string
	InfluxURL               string
	InfluxToken             string
	InfluxOrg               string
	InfluxBucket            string
	AnalyticsBadgerPath     string
	AnalyticsGCSBucket      string
	AnalyticsGCSCredentials string

	ReplyProvider    string
	ReplyModel       string
	ReplyAPIKey      string
	ReplyEndpoint    string
	ReplyTemperature float64
	ReplyMaxTokens   int
	ReplyTimeout     time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:        envOrDefault("APP_METRICS_NAMESPACE", "calmcompanion"),
		LogLevel:                envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:               envOrDefault("APP_LOG_FORMAT", "text"),
		Tracing:                 envOrDefault("APP_TRACING", "none"),
		RiskWeightsFile:         stringsTrimSpace("RISK_WEIGHTS_FILE"),
		GuidanceCorpusPath:      stringsTrimSpace("GUIDANCE_CORPUS_PATH"),
		AnalyticsSalt:           stringsTrimSpace("ANALYTICS_SALT"),
		DatabaseURL:             stringsTrimSpace("DATABASE_URL"),
		InfluxURL:               stringsTrimSpace("INFLUXDB_URL"),
		InfluxToken:             stringsTrimSpace("INFLUXDB_TOKEN"),
		InfluxOrg:               stringsTrimSpace("INFLUXDB_ORG"),
		InfluxBucket:            stringsTrimSpace("INFLUXDB_BUCKET"),
		AnalyticsBadgerPath:     stringsTrimSpace("ANALYTICS_BADGER_PATH"),
		AnalyticsGCSBucket:      stringsTrimSpace("ANALYTICS_GCS_BUCKET"),
		AnalyticsGCSCredentials: stringsTrimSpace("ANALYTICS_GCS_CREDENTIALS"),
		ReplyProvider:           strings.ToLower(envOrDefault("REPLY_PROVIDER", "none")),
		ReplyModel:              stringsTrimSpace("REPLY_MODEL"),
		ReplyAPIKey:             stringsTrimSpace("REPLY_API_KEY"),
		ReplyEndpoint:           stringsTrimSpace("REPLY_ENDPOINT"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		JanitorInterval:          30 * time.Second,
		MaxSessions:              10000,
		MaxTurnsKept:             50,
		SummaryWindow:            10,
		GuidanceTopK:             3,
		AnalyticsMaxRecords:      1000,
		AnalyticsSinkTimeout:     2 * time.Second,
		AnalyticsSinkQueue:       256,
		AnalyticsRestore:         1000,
		EventLogLimit:            200,
		ReplyTemperature:         0.3,
		ReplyMaxTokens:           120,
		ReplyTimeout:             8 * time.Second,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessions, err = intFromEnv("APP_MAX_SESSIONS", cfg.MaxSessions); err != nil {
		return Config{}, err
	}
	if cfg.MaxTurnsKept, err = intFromEnv("APP_MAX_TURNS_KEPT", cfg.MaxTurnsKept); err != nil {
		return Config{}, err
	}
	if cfg.SummaryWindow, err = intFromEnv("APP_SUMMARY_WINDOW", cfg.SummaryWindow); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.StrictInvariants, err = boolFromEnv("APP_STRICT_INVARIANTS", cfg.StrictInvariants); err != nil {
		return Config{}, err
	}
	if cfg.StageBudgets, err = budgetsFromEnv("APP_STAGE_BUDGETS"); err != nil {
		return Config{}, err
	}
	if cfg.GuidanceTopK, err = intFromEnv("GUIDANCE_TOP_K", cfg.GuidanceTopK); err != nil {
		return Config{}, err
	}
	if cfg.AnalyticsMaxRecords, err = intFromEnv("ANALYTICS_MAX_RECORDS", cfg.AnalyticsMaxRecords); err != nil {
		return Config{}, err
	}
	if cfg.AnalyticsSinkTimeout, err = durationFromEnv("ANALYTICS_SINK_TIMEOUT", cfg.AnalyticsSinkTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AnalyticsSinkQueue, err = intFromEnv("ANALYTICS_SINK_QUEUE", cfg.AnalyticsSinkQueue); err != nil {
		return Config{}, err
	}
	if cfg.AnalyticsRestore, err = intFromEnv("ANALYTICS_RESTORE_LIMIT", cfg.AnalyticsRestore); err != nil {
		return Config{}, err
	}
	if cfg.EventLogLimit, err = intFromEnv("EVENT_LOG_LIMIT", cfg.EventLogLimit); err != nil {
		return Config{}, err
	}
	if cfg.ReplyTemperature, err = floatFromEnv("REPLY_TEMPERATURE", cfg.ReplyTemperature); err != nil {
		return Config{}, err
	}
	if cfg.ReplyMaxTokens, err = intFromEnv("REPLY_MAX_TOKENS", cfg.ReplyMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.ReplyTimeout, err = durationFromEnv("REPLY_TIMEOUT", cfg.ReplyTimeout); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.JanitorInterval <= 0 {
		return fmt.Errorf("APP_JANITOR_INTERVAL must be positive")
	}
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("APP_MAX_SESSIONS must be positive")
	}
	if cfg.MaxTurnsKept <= 0 {
		return fmt.Errorf("APP_MAX_TURNS_KEPT must be positive")
	}
	if cfg.SummaryWindow <= 0 {
		return fmt.Errorf("APP_SUMMARY_WINDOW must be positive")
	}
	if cfg.GuidanceTopK <= 0 || cfg.GuidanceTopK > 10 {
		return fmt.Errorf("GUIDANCE_TOP_K must be between 1 and 10")
	}
	if cfg.AnalyticsMaxRecords <= 0 {
		return fmt.Errorf("ANALYTICS_MAX_RECORDS must be positive")
	}
	if cfg.AnalyticsSinkQueue <= 0 {
		return fmt.Errorf("ANALYTICS_SINK_QUEUE must be positive")
	}
	if cfg.AnalyticsRestore < 0 {
		return fmt.Errorf("ANALYTICS_RESTORE_LIMIT must be >= 0")
	}
	if cfg.EventLogLimit <= 0 || cfg.EventLogLimit > 500 {
		return fmt.Errorf("EVENT_LOG_LIMIT must be between 1 and 500")
	}
	switch cfg.ReplyProvider {
	case "none", "openai", "ollama":
	default:
		return fmt.Errorf("REPLY_PROVIDER must be none|openai|ollama, got %q", cfg.ReplyProvider)
	}
	if cfg.ReplyProvider == "openai" && cfg.ReplyAPIKey == "" {
		return fmt.Errorf("REPLY_API_KEY is required when REPLY_PROVIDER=openai")
	}
	if cfg.ReplyTemperature < 0 || cfg.ReplyTemperature > 2 {
		return fmt.Errorf("REPLY_TEMPERATURE must be between 0 and 2")
	}
	if cfg.InfluxURL != "" && (cfg.InfluxOrg == "" || cfg.InfluxBucket == "") {
		return fmt.Errorf("INFLUXDB_ORG and INFLUXDB_BUCKET are required with INFLUXDB_URL")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s parse error: expected a finite number", key)
	}
	return f, nil
}

// budgetsFromEnv parses a comma-separated list of stage=duration pairs.
func budgetsFromEnv(key string) (map[string]time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil, nil
	}
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(v, ",") {
		stage, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		stage = strings.TrimSpace(stage)
		if !ok || stage == "" {
			return nil, fmt.Errorf("%s parse error: expected stage=duration, got %q", key, pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%s parse error: bad duration for %s", key, stage)
		}
		out[stage] = d
	}
	return out, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
