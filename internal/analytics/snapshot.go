package analytics

import (
	"sort"
	"time"
)

const (
	topTriggersPerDay = 5
	topActions        = 5
	recentActionWin   = 10
)

// Count is a ranked name/count pair.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type RecentAction struct {
	Timestamp  time.Time      `json:"ts"`
	Source     string         `json:"source,omitempty"`
	Device     string         `json:"device"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Snapshot is derived on demand from the local buffer and never persisted.
type Snapshot struct {
	TotalTurns      int                `json:"total_turns"`
	TotalActions    int                `json:"total_actions"`
	SessionsTracked int                `json:"sessions_tracked"`
	MoodCounts      map[string]int     `json:"mood_counts"`
	CategoryCounts  map[string]int     `json:"category_counts"`
	AvgRisk         float64            `json:"avg_risk"`
	TriggersByDay   map[string][]Count `json:"triggers_by_day"`
	RecentActions   []RecentAction     `json:"recent_actions"`
	TopActions      []Count            `json:"top_actions"`
	WindowSize      int                `json:"window_size"`
	Capacity        int                `json:"capacity"`
	GeneratedAt     time.Time          `json:"generated_at"`
}

// summarize folds records (oldest first) into a snapshot.
func summarize(records []Record, capacity int, now time.Time) Snapshot {
	snap := Snapshot{
		MoodCounts:     make(map[string]int),
		CategoryCounts: make(map[string]int),
		TriggersByDay:  make(map[string][]Count),
		RecentActions:  []RecentAction{},
		TopActions:     []Count{},
		WindowSize:     len(records),
		Capacity:       capacity,
		GeneratedAt:    now,
	}

	sessions := make(map[string]struct{})
	byDay := make(map[string]map[string]int)
	actions := make(map[string]int)
	riskSum, riskN := 0.0, 0

	for _, r := range records {
		switch r.Kind {
		case KindTurn:
			snap.TotalTurns++
		case KindAction:
			snap.TotalActions++
		}
		if r.SessionKey != "" {
			sessions[r.SessionKey] = struct{}{}
		}
		if r.Mood != "" {
			snap.MoodCounts[r.Mood]++
		}
		if r.Risk != nil {
			riskSum += *r.Risk
			riskN++
		}
		day := r.Day()
		for _, trig := range r.ActiveTriggers() {
			snap.CategoryCounts[trig]++
			if byDay[day] == nil {
				byDay[day] = make(map[string]int)
			}
			byDay[day][trig]++
		}
		for _, act := range r.Actions {
			actions[actionKey(act)]++
		}
	}

	snap.SessionsTracked = len(sessions)
	if riskN > 0 {
		snap.AvgRisk = riskSum / float64(riskN)
	}
	for day, counts := range byDay {
		snap.TriggersByDay[day] = topN(counts, topTriggersPerDay)
	}
	snap.TopActions = topN(actions, topActions)

	start := len(records) - recentActionWin
	if start < 0 {
		start = 0
	}
	for _, r := range records[start:] {
		for _, act := range r.Actions {
			snap.RecentActions = append(snap.RecentActions, RecentAction{
				Timestamp:  r.RecordedAt,
				Source:     r.Source,
				Device:     act.Device,
				Action:     act.Action,
				Parameters: act.Parameters,
			})
		}
	}
	return snap
}

func actionKey(a Action) string {
	device, action := a.Device, a.Action
	if device == "" {
		device = "unknown"
	}
	if action == "" {
		action = "unknown"
	}
	return device + ":" + action
}

// topN ranks by count, ties by name.
func topN(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for name, c := range counts {
		out = append(out, Count{Name: name, Count: c})
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
