// Package summary aggregates the state table into a processing report.
package summary

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/store"
)

// ListLimit caps the recent and failed lists.
const ListLimit = 5

// Unknown labels records with a missing status or operator.
const Unknown = "unknown"

// OperatorCounts is the per-operator breakdown.
type OperatorCounts struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
	Pending    int `json:"pending"`
}

// RetryStats summarizes the retries counter across all records.
type RetryStats struct {
	TotalRetries     int64 `json:"total_retries"`
	ItemsWithRetries int   `json:"items_with_retries"`
	MaxRetries       int64 `json:"max_retries"`
}

// Summary is the processing report.
type Summary struct {
	Total                int                       `json:"total"`
	ByStatus             map[string]int            `json:"by_status"`
	CompletionPercentage float64                   `json:"completion_percentage"`
	ByOperator           map[string]OperatorCounts `json:"by_operator"`
	Recent               []combo.Record            `json:"recent"`
	Failed               []combo.Record            `json:"failed"`
	RetryStats           RetryStats                `json:"retry_stats"`
	Timestamp            string                    `json:"timestamp"`
}

// Build scans every record, pageSize at a time, and aggregates them.
func Build(ctx context.Context, s *store.Store, now time.Time, pageSize int) (Summary, error) {
	sum := Summary{
		ByStatus:   map[string]int{},
		ByOperator: map[string]OperatorCounts{},
		Recent:     []combo.Record{},
		Failed:     []combo.Record{},
		Timestamp:  string(combo.NewTimestamp(now)),
	}

	var started []combo.Record
	err := s.ScanAll(ctx, store.ScanOptions{Limit: pageSize}, func(rec combo.Record) error {
		sum.add(rec)
		if !rec.StartedAt.IsZero() {
			started = append(started, rec)
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("build summary: %w", err)
	}

	sort.SliceStable(started, func(i, j int) bool {
		return startedAfter(started[i], started[j])
	})
	if len(started) > ListLimit {
		started = started[:ListLimit]
	}
	sum.Recent = append(sum.Recent, started...)

	if sum.Total > 0 {
		pct := float64(sum.ByStatus[string(combo.StatusCompleted)]) / float64(sum.Total) * 100
		sum.CompletionPercentage = math.Round(pct*100) / 100
	}
	return sum, nil
}

func (s *Summary) add(rec combo.Record) {
	s.Total++

	status := string(rec.Status)
	if status == "" {
		status = Unknown
	}
	s.ByStatus[status]++

	operator := rec.Operator
	if operator == "" {
		operator = Unknown
	}
	oc := s.ByOperator[operator]
	oc.Total++
	switch rec.Status {
	case combo.StatusCompleted:
		oc.Completed++
	case combo.StatusFailed:
		oc.Failed++
	case combo.StatusProcessing:
		oc.Processing++
	case combo.StatusPending:
		oc.Pending++
	}
	s.ByOperator[operator] = oc

	if rec.Status == combo.StatusFailed && len(s.Failed) < ListLimit {
		s.Failed = append(s.Failed, rec)
	}

	s.RetryStats.TotalRetries += rec.Retries
	if rec.Retries > 0 {
		s.RetryStats.ItemsWithRetries++
	}
	if rec.Retries > s.RetryStats.MaxRetries {
		s.RetryStats.MaxRetries = rec.Retries
	}
}

// WriteText renders the summary for a terminal. Map sections are sorted
// by key so the output is stable.
func WriteText(w io.Writer, s Summary) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Combinations: %d (%.2f%% completed)\n", s.Total, s.CompletionPercentage)
	fmt.Fprintf(&b, "Generated:    %s\n", s.Timestamp)

	if len(s.ByStatus) > 0 {
		b.WriteString("\nBy status:\n")
		for _, k := range sortedKeys(s.ByStatus) {
			fmt.Fprintf(&b, "  %-14s %d\n", k, s.ByStatus[k])
		}
	}

	if len(s.ByOperator) > 0 {
		b.WriteString("\nBy operator:\n")
		fmt.Fprintf(&b, "  %-10s %6s %9s %6s %10s %7s\n", "operator", "total", "completed", "failed", "processing", "pending")
		for _, k := range sortedKeys(s.ByOperator) {
			oc := s.ByOperator[k]
			fmt.Fprintf(&b, "  %-10s %6d %9d %6d %10d %7d\n", k, oc.Total, oc.Completed, oc.Failed, oc.Processing, oc.Pending)
		}
	}

	if len(s.Recent) > 0 {
		b.WriteString("\nRecently started:\n")
		for _, rec := range s.Recent {
			fmt.Fprintf(&b, "  %-24s %-14s %s\n", rec.Key, rec.Status, rec.StartedAt)
		}
	}

	if len(s.Failed) > 0 {
		b.WriteString("\nFailed:\n")
		for _, rec := range s.Failed {
			fmt.Fprintf(&b, "  %-24s retries=%d %s\n", rec.Key, rec.Retries, rec.Error)
		}
	}

	fmt.Fprintf(&b, "\nRetries: total=%d items=%d max=%d\n",
		s.RetryStats.TotalRetries, s.RetryStats.ItemsWithRetries, s.RetryStats.MaxRetries)

	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// startedAfter orders by parsed start time. Values that do not parse fall
// back to text order after all parsable ones.
func startedAfter(a, b combo.Record) bool {
	ta, errA := a.StartedAt.Time()
	tb, errB := b.StartedAt.Time()
	switch {
	case errA == nil && errB == nil:
		return ta.After(tb)
	case errA == nil || errB == nil:
		return errA == nil
	default:
		return a.StartedAt > b.StartedAt
	}
}
