package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/calmcompanion/internal/analytics"
	"github.com/ent0n29/calmcompanion/internal/eventlog"
	"github.com/ent0n29/calmcompanion/internal/pipeline"
	"github.com/ent0n29/calmcompanion/internal/session"
)

func newTurnCmd(c *cli) *cobra.Command {
	var req pipeline.TurnRequest
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Send one utterance and print risk, triggers, tips and reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res pipeline.TurnResult
			if err := c.client().post(cmd.Context(), "/v1/turns", req, &res); err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), res, func(w io.Writer) { writeTurn(w, res) })
		},
	}
	cmd.Flags().StringVarP(&req.SessionID, "session", "s", "", "session id")
	cmd.Flags().StringVarP(&req.Text, "text", "t", "", "utterance text")
	cmd.Flags().StringVar(&req.Timestamp, "timestamp", "", "RFC 3339 timestamp (default: server time)")
	cmd.Flags().StringVar(&req.FallbackReply, "fallback-reply", "", "reply to use when no enricher answers")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newAggregateCmd(c *cli) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Show the anonymized analytics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var snap analytics.Snapshot
			if err := c.client().get(cmd.Context(), "/v1/aggregate", intParam("window", window), &snap); err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), snap, func(w io.Writer) { writeSnapshot(w, snap) })
		},
	}
	cmd.Flags().IntVarP(&window, "window", "w", 0, "only the newest N records (0 = all)")
	return cmd
}

type eventsResponse struct {
	Count  int              `json:"count"`
	Events []eventlog.Event `json:"events"`
}

func newEventsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent diagnostic events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res eventsResponse
			if err := c.client().get(cmd.Context(), "/v1/events", intParam("limit", limit), &res); err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), res, func(w io.Writer) {
				for _, ev := range res.Events {
					fmt.Fprintf(w, "#%d %s %-20s %s\n", ev.Seq, ev.Timestamp.Format("15:04:05"), ev.Kind, payloadLine(ev.Payload))
				}
				fmt.Fprintf(w, "events: %d\n", res.Count)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum events (0 = server default)")
	return cmd
}

func newSummaryCmd(c *cli) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "summary SESSION",
		Short: "Summarize the recent turns of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sum pipeline.Summary
			path := "/v1/sessions/" + url.PathEscape(args[0]) + "/summary"
			if err := c.client().get(cmd.Context(), path, intParam("window", window), &sum); err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), sum, func(w io.Writer) { writeSummary(w, sum) })
		},
	}
	cmd.Flags().IntVarP(&window, "window", "w", 0, "turns to include (0 = server default)")
	return cmd
}

type historyResponse struct {
	SessionID string         `json:"session_id"`
	Count     int            `json:"count"`
	Turns     []session.Turn `json:"turns"`
}

func newHistoryCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history SESSION",
		Short: "Print the stored turns of one session, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res historyResponse
			path := "/v1/sessions/" + url.PathEscape(args[0]) + "/history"
			if err := c.client().get(cmd.Context(), path, intParam("limit", limit), &res); err != nil {
				var apiErr *apiError
				if errors.As(err, &apiErr) && apiErr.Code == "session_not_found" {
					return fmt.Errorf("no session %q", args[0])
				}
				return err
			}
			return c.render(cmd.OutOrStdout(), res, func(w io.Writer) {
				for _, t := range res.Turns {
					fmt.Fprintf(w, "%3d %s risk=%.2f %-8s %q\n", t.Seq, t.Timestamp.Format("15:04:05"), t.Risk, t.Mood, t.Text)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "newest N turns (0 = all kept)")
	return cmd
}

type tipsResponse struct {
	Query string            `json:"query"`
	Count int               `json:"count"`
	Tips  []pipeline.TipRef `json:"tips"`
}

func newTipsCmd(c *cli) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "tips QUERY...",
		Short: "Search the caregiver guidance corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := intParam("k", k)
			q.Set("q", strings.Join(args, " "))
			var res tipsResponse
			if err := c.client().get(cmd.Context(), "/v1/guidance/search", q, &res); err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), res, func(w io.Writer) {
				if len(res.Tips) == 0 {
					fmt.Fprintln(w, "no matching tips")
					return
				}
				for _, tip := range res.Tips {
					fmt.Fprintf(w, "%.3f  %s\n       %s\n", tip.Score, tip.Title, tip.Snippet)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "number of tips (0 = server default)")
	return cmd
}

type readyResponse struct {
	Status string                 `json:"status"`
	Sinks  []analytics.SinkStatus `json:"sinks"`
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report readiness and analytics sink health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res readyResponse
			if err := c.client().get(cmd.Context(), "/readyz", nil, &res); err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "status: %s\n", res.Status)
				for _, s := range res.Sinks {
					state := "healthy"
					if !s.Healthy {
						state = "degraded"
					}
					fmt.Fprintf(w, "  sink %-10s %s\n", s.Name, state)
				}
			})
		},
	}
}

func (c *cli) render(w io.Writer, v any, text func(io.Writer)) error {
	if c.wantJSON(w) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func intParam(key string, v int) url.Values {
	q := url.Values{}
	if v > 0 {
		q.Set(key, strconv.Itoa(v))
	}
	return q
}

func activeTriggers(m map[string]bool) []string {
	var out []string
	for k, on := range m {
		if on {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func writeTurn(w io.Writer, res pipeline.TurnResult) {
	fmt.Fprintf(w, "session %s turn %d (seq %d)\n", res.SessionID, res.TurnCount, res.Seq)
	fmt.Fprintf(w, "risk:     %.3f (instant %.3f, trend %.3f)\n", res.Risk, res.Instant, res.Trend)
	fmt.Fprintf(w, "mood:     %s\n", res.Mood)
	if trig := activeTriggers(res.Triggers); len(trig) > 0 {
		fmt.Fprintf(w, "triggers: %s\n", strings.Join(trig, ", "))
	} else {
		fmt.Fprintln(w, "triggers: none")
	}
	for _, f := range res.Explanation {
		fmt.Fprintf(w, "  %-14s %+.3f %s\n", f.Name, f.Contribution, f.Detail)
	}
	for _, tip := range res.Tips {
		fmt.Fprintf(w, "tip:      %s\n", tip.Title)
	}
	fmt.Fprintf(w, "reply (%s): %s\n", res.ReplySource, res.Reply)
}

func writeSnapshot(w io.Writer, snap analytics.Snapshot) {
	fmt.Fprintf(w, "turns: %d  actions: %d  sessions: %d  avg risk: %.3f\n",
		snap.TotalTurns, snap.TotalActions, snap.SessionsTracked, snap.AvgRisk)
	writeCounts(w, "moods", snap.MoodCounts)
	writeCounts(w, "triggers", snap.CategoryCounts)
	for _, a := range snap.TopActions {
		fmt.Fprintf(w, "action %s x%d\n", a.Name, a.Count)
	}
}

func writeCounts(w io.Writer, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	fmt.Fprintf(w, "%s: %s\n", label, strings.Join(parts, " "))
}

func writeSummary(w io.Writer, sum pipeline.Summary) {
	if sum.CreatedAt == nil {
		fmt.Fprintf(w, "session %s has no turns\n", sum.SessionID)
		return
	}
	fmt.Fprintf(w, "session %s: %d turns, avg risk %.3f over last %d, trend %.3f\n",
		sum.SessionID, sum.TurnCount, sum.RiskAvg, len(sum.Turns), sum.Trend)
	for _, tr := range sum.TopTriggers {
		fmt.Fprintf(w, "  trigger %s x%d\n", tr.Name, tr.Count)
	}
}

func payloadLine(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}
