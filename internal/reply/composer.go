package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Source says which path produced a reply.
type Source string

const (
	SourceEnricher  Source = "enricher"
	SourceFallback  Source = "fallback"
	SourceHeuristic Source = "heuristic"
)

// Config selects and tunes the enricher.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	Endpoint    string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewEnricher returns nil for provider "none" or "".
func NewEnricher(cfg Config) (Enricher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return nil, nil
	case "openai":
		return NewOpenAIEnricher(cfg)
	case "ollama":
		return NewOllamaEnricher(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported reply provider %q (expected none|openai|ollama)", cfg.Provider)
	}
}

// Result is the chosen reply and where it came from.
type Result struct {
	Text     string
	Source   Source
	Enricher string
	// Err is the absorbed enricher failure, if any.
	Err error
}

// Composer applies the precedence enricher, then caller fallback, then
// heuristic. Enricher failures are absorbed and reported in Result.Err.
type Composer struct {
	enricher Enricher
	timeout  time.Duration
	logger   *slog.Logger
}

func NewComposer(enricher Enricher, timeout time.Duration, logger *slog.Logger) *Composer {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{enricher: enricher, timeout: timeout, logger: logger}
}

func (c *Composer) HasEnricher() bool { return c.enricher != nil }

func (c *Composer) Compose(ctx context.Context, req Request, fallback string) Result {
	var res Result
	if c.enricher != nil {
		res.Enricher = c.enricher.Name()
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		text, err := c.enricher.Reply(cctx, req)
		cancel()
		if err == nil {
			if usable, ok := Usable(text); ok {
				res.Text, res.Source = usable, SourceEnricher
				return res
			}
			err = ErrUnusableReply
		}
		res.Err = fmt.Errorf("%s enricher: %w", c.enricher.Name(), err)
		c.logger.Warn("reply enricher failed; using fallback", "enricher", c.enricher.Name(), "session_id", req.SessionID, "error", err)
	}
	if text, ok := Usable(fallback); ok {
		res.Text, res.Source = text, SourceFallback
		return res
	}
	res.Text, res.Source = Heuristic(req.Triggers), SourceHeuristic
	return res
}
