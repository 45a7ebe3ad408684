// Package monitor aggregates detections into timestamped events and keeps a
// bounded log of them.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimestampLayout is the second-precision layout used in log lines, prompts and push messages.
const TimestampLayout = "2006-01-02 15:04:05"

// Event is the immutable record of one closed window.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Labels    []string  `json:"labels"`
}

// NewEvent truncates ts to seconds and stores a sorted, de-duplicated copy of labels.
func NewEvent(id string, ts time.Time, labels []string) Event {
	return Event{
		ID:        id,
		Timestamp: ts.Truncate(time.Second),
		Labels:    distinctSorted(labels),
	}
}

// String renders the event as "<ts>: a, b".
func (e Event) String() string {
	return fmt.Sprintf("%s: %s", e.Timestamp.Format(TimestampLayout), strings.Join(e.Labels, ", "))
}

func distinctSorted(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// WindowReport is everything observable about one flush. WindowCounts holds
// per-label occurrence counts for the window.
type WindowReport struct {
	Event           Event
	WindowCounts    map[string]int
	Totals          map[string]int
	IntervalSeconds int
}

// LogUpdate is the human-readable push message.
type LogUpdate struct {
	LogEntry string `json:"log_entry"`
}

// TimeSeriesPoint is one entry of Update.TimeSeriesData.
type TimeSeriesPoint struct {
	Timestamp    string         `json:"timestamp"`
	ObjectCounts map[string]int `json:"object_counts"`
}

// Update is the structured push message sent after each flush.
type Update struct {
	TimeSeriesData    []TimeSeriesPoint `json:"time_series_data"`
	ObjectCounts      map[string]int    `json:"object_counts"`
	TotalObjectCounts map[string]int    `json:"total_object_counts"`
}

// LogLine renders the log_update entry for the window.
func (r WindowReport) LogLine() string {
	return fmt.Sprintf("Objects detected between %s and %d seconds prior: %s",
		r.Event.Timestamp.Format(TimestampLayout), r.IntervalSeconds, strings.Join(r.Event.Labels, ", "))
}

// LogUpdate wraps LogLine as a push message.
func (r WindowReport) LogUpdate() LogUpdate {
	return LogUpdate{LogEntry: r.LogLine()}
}

// Update builds the structured push message for the window. Its per-window
// counts are over the distinct labels, so each label seen maps to 1;
// occurrence counts stay in WindowCounts for the sinks.
func (r WindowReport) Update() Update {
	return Update{
		TimeSeriesData: []TimeSeriesPoint{{
			Timestamp:    r.Event.Timestamp.Format(TimestampLayout),
			ObjectCounts: labelCounts(r.Event.Labels),
		}},
		ObjectCounts:      labelCounts(r.Event.Labels),
		TotalObjectCounts: copyCounts(r.Totals),
	}
}

func labelCounts(labels []string) map[string]int {
	out := make(map[string]int, len(labels))
	for _, l := range labels {
		out[l] = 1
	}
	return out
}

// Map converts the update into plain JSON-like values, suitable for structpb.
func (u Update) Map() map[string]any {
	series := make([]any, 0, len(u.TimeSeriesData))
	for _, p := range u.TimeSeriesData {
		series = append(series, map[string]any{
			"timestamp":     p.Timestamp,
			"object_counts": countsAny(p.ObjectCounts),
		})
	}
	return map[string]any{
		"time_series_data":    series,
		"object_counts":       countsAny(u.ObjectCounts),
		"total_object_counts": countsAny(u.TotalObjectCounts),
	}
}

func countsAny(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = float64(v)
	}
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
