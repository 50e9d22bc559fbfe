package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ent0n29/calmcompanion/internal/protocol"
)

type options struct {
	baseURL     string
	sessions    int
	turns       int
	concurrency int
	rate        float64
	turnTimeout time.Duration
	texts       []string
	watch       bool
	verbose     bool
}

type turnRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type turnResponse struct {
	Risk        float64 `json:"risk"`
	ReplySource string  `json:"reply_source"`
	TurnCount   int     `json:"turn_count"`
}

type aggregateResponse struct {
	TotalTurns      int     `json:"total_turns"`
	SessionsTracked int     `json:"sessions_tracked"`
	AvgRisk         float64 `json:"avg_risk"`
}

type report struct {
	Sent      int
	Failed    int
	Latencies []time.Duration
	Sources   map[string]int
	MaxRisk   float64
	Elapsed   time.Duration
	Aggregate *aggregateResponse
	FeedSeen  int64
}

var defaultUtterances = []string{
	"good morning, did you sleep well",
	"I want to go home, where is the door",
	"where is my wife? she was here a minute ago",
	"it hurts, my knee hurts",
	"I'm hungry, is it time for lunch",
	"thank you, that was lovely",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnbench: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "turnbench: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	fs := flag.NewFlagSet("turnbench", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "CalmCompanion base URL")
	fs.IntVar(&cfg.sessions, "sessions", 4, "number of synthetic sessions")
	fs.IntVar(&cfg.turns, "turns", 10, "turns per session")
	fs.IntVar(&cfg.concurrency, "concurrency", 4, "sessions replayed in parallel")
	fs.Float64Var(&cfg.rate, "rate", 20, "overall turn rate limit per second (0 = unlimited)")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 10000, "timeout per turn request in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.watch, "watch", false, "count turn events on the live feed while replaying")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every turn")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.sessions <= 0 || cfg.turns <= 0 {
		return options{}, fmt.Errorf("sessions and turns must be > 0")
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}
	if cfg.rate < 0 {
		return options{}, fmt.Errorf("rate must be >= 0")
	}
	if turnTimeoutMS < 100 {
		turnTimeoutMS = 100
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var feedSeen atomic.Int64
	var feedDone chan struct{}
	if cfg.watch {
		conn, err := openFeed(ctx, cfg.baseURL)
		if err != nil {
			return fmt.Errorf("open feed: %w", err)
		}
		defer conn.Close()
		feedDone = make(chan struct{})
		go func() {
			defer close(feedDone)
			watchFeed(conn, &feedSeen)
		}()
	}

	rep, err := replay(ctx, cfg, out)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: cfg.turnTimeout}
	if agg, err := fetchAggregate(ctx, client, cfg.baseURL); err == nil {
		rep.Aggregate = &agg
	} else {
		fmt.Fprintf(out, "turnbench: aggregate unavailable: %v\n", err)
	}
	if cfg.watch {
		// Give the feed a moment to deliver the last events.
		time.Sleep(200 * time.Millisecond)
		rep.FeedSeen = feedSeen.Load()
	}
	printReport(out, rep)
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d turns failed", rep.Failed, rep.Sent)
	}
	return nil
}

func replay(ctx context.Context, cfg options, out io.Writer) (report, error) {
	limit := rate.Inf
	if cfg.rate > 0 {
		limit = rate.Limit(cfg.rate)
	}
	limiter := rate.NewLimiter(limit, 1)
	client := &http.Client{Timeout: cfg.turnTimeout}

	var (
		mu  sync.Mutex
		rep = report{Sources: map[string]int{}}
	)
	record := func(d time.Duration, res turnResponse, err error) {
		mu.Lock()
		defer mu.Unlock()
		rep.Sent++
		if err != nil {
			rep.Failed++
			return
		}
		rep.Latencies = append(rep.Latencies, d)
		rep.Sources[res.ReplySource]++
		if res.Risk > rep.MaxRisk {
			rep.MaxRisk = res.Risk
		}
	}

	start := time.Now()
	runID := start.UTC().Format("150405")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for s := 0; s < cfg.sessions; s++ {
		sessionID := fmt.Sprintf("bench-%s-%d", runID, s)
		offset := s
		g.Go(func() error {
			for i := 0; i < cfg.turns; i++ {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				text := cfg.texts[(offset+i)%len(cfg.texts)]
				began := time.Now()
				res, err := postTurn(gctx, client, cfg.baseURL, turnRequest{SessionID: sessionID, Text: text})
				elapsed := time.Since(began)
				record(elapsed, res, err)
				if cfg.verbose {
					if err != nil {
						fmt.Fprintf(out, "turnbench: %s turn %d failed: %v\n", sessionID, i+1, err)
					} else {
						fmt.Fprintf(out, "turnbench: %s turn %d risk=%.3f source=%s %s\n", sessionID, i+1, res.Risk, res.ReplySource, elapsed.Round(time.Microsecond))
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report{}, err
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

func postTurn(ctx context.Context, client *http.Client, baseURL string, body turnRequest) (turnResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return turnResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/turns", bytes.NewReader(payload))
	if err != nil {
		return turnResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return turnResponse{}, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return turnResponse{}, err
	}
	if res.StatusCode != http.StatusOK {
		return turnResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out turnResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return turnResponse{}, err
	}
	return out, nil
}

func fetchAggregate(ctx context.Context, client *http.Client, baseURL string) (aggregateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/aggregate", nil)
	if err != nil {
		return aggregateResponse{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return aggregateResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return aggregateResponse{}, fmt.Errorf("HTTP %d", res.StatusCode)
	}
	var out aggregateResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return aggregateResponse{}, err
	}
	return out, nil
}

func feedURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events/ws"
	return u.String(), nil
}

// openFeed connects and subscribes to turn events, returning once the server
// has acknowledged the subscription.
func openFeed(ctx context.Context, baseURL string) (*websocket.Conn, error) {
	wsURL, err := feedURL(baseURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(protocol.ClientSubscribe{Type: protocol.TypeClientSubscribe, Kinds: []string{"turn"}}); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, err
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		if sys, ok := msg.(*protocol.SystemEvent); ok && sys.Code == "subscribed" {
			_ = conn.SetReadDeadline(time.Time{})
			return conn, nil
		}
	}
}

func watchFeed(conn *websocket.Conn, seen *atomic.Int64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		if ev, ok := msg.(*protocol.FeedEvent); ok && ev.Kind == "turn" {
			seen.Add(1)
		}
	}
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printReport(out io.Writer, rep report) {
	sorted := append([]time.Duration(nil), rep.Latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fmt.Fprintf(out, "turnbench: sent=%d failed=%d elapsed=%s\n", rep.Sent, rep.Failed, rep.Elapsed.Round(time.Millisecond))
	if len(sorted) > 0 {
		fmt.Fprintf(out, "turnbench: latency p50=%s p95=%s max=%s\n",
			percentile(sorted, 0.50).Round(time.Microsecond),
			percentile(sorted, 0.95).Round(time.Microsecond),
			sorted[len(sorted)-1].Round(time.Microsecond))
	}
	sources := make([]string, 0, len(rep.Sources))
	for s := range rep.Sources {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		fmt.Fprintf(out, "turnbench: reply_source %s=%d\n", s, rep.Sources[s])
	}
	fmt.Fprintf(out, "turnbench: max_risk=%.3f\n", rep.MaxRisk)
	if rep.Aggregate != nil {
		fmt.Fprintf(out, "turnbench: aggregate total_turns=%d sessions=%d avg_risk=%.3f\n",
			rep.Aggregate.TotalTurns, rep.Aggregate.SessionsTracked, rep.Aggregate.AvgRisk)
	}
	if rep.FeedSeen > 0 {
		fmt.Fprintf(out, "turnbench: feed turn_events=%d\n", rep.FeedSeen)
	}
}
