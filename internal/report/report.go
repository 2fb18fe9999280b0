// Package report assembles the officer's scoreboard: where every target and
// package stands, what failed recently, and how much of the planned
// collection actually produced usable evidence. The CLI and the read API
// render the same summary.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"targetline/internal/config"
	"targetline/internal/domain"
	"targetline/internal/ledger"
	"targetline/internal/repo"
)

// Failure is one genuine failure transition inside the reporting window.
type Failure struct {
	PackageID  string `json:"package_id"`
	ReasonCode string `json:"reason_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor"`
	TS         string `json:"ts" format:"date-time"`
}

// Summary is the workspace scoreboard at one point in time.
type Summary struct {
	GeneratedAt      string         `json:"generated_at" format:"date-time"`
	Window           string         `json:"window"`
	TargetsByStatus  map[string]int `json:"targets_by_status"`
	PackagesByStatus map[string]int `json:"packages_by_status"`
	OpenHandoffs     int            `json:"open_handoffs"`
	Transitions      int            `json:"transitions_in_window"`
	Annotations      int            `json:"annotations_in_window"`
	Failures         []Failure      `json:"failures,omitempty"`
	FailureReasons   map[string]int `json:"failure_reasons,omitempty"`
	ItemsAttempted   int            `json:"items_attempted"`
	ItemsCollected   int            `json:"items_collected"`
	Efficacy         float64        `json:"efficacy"`
	Coverage         float64        `json:"coverage"`
}

type Reporter struct {
	Repo   repo.Repo
	Ledger ledger.Ledger
	Config *config.Config
	Now    func() time.Time
}

func (r Reporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Build assembles the summary. window bounds the failure listing and the
// activity counters; zero or negative falls back to the configured window.
func (r Reporter) Build(ctx context.Context, window time.Duration) (Summary, error) {
	now := r.now()
	if window <= 0 {
		window = r.Config.Report.FailureWindow.Std()
	}
	sum := Summary{
		GeneratedAt: domain.Timestamp(now),
		Window:      window.String(),
	}

	var err error
	if sum.TargetsByStatus, err = r.Repo.CountTargetsByStatus(ctx); err != nil {
		return sum, fmt.Errorf("count targets: %w", err)
	}
	if sum.PackagesByStatus, err = r.Repo.CountPackagesByStatus(ctx); err != nil {
		return sum, fmt.Errorf("count packages: %w", err)
	}
	if sum.OpenHandoffs, err = r.Repo.CountOpenHandoffs(ctx); err != nil {
		return sum, fmt.Errorf("count handoffs: %w", err)
	}

	since := domain.PreciseTimestamp(now.Add(-window))
	if sum.Transitions, sum.Annotations, err = r.Ledger.CountSince(ctx, since); err != nil {
		return sum, fmt.Errorf("count activity: %w", err)
	}
	failed, err := r.Ledger.FailedEntriesSince(ctx, since)
	if err != nil {
		return sum, fmt.Errorf("list failures: %w", err)
	}
	for _, e := range failed {
		f := Failure{PackageID: e.PackageID, Reason: e.Reason, Actor: e.Actor, TS: e.TS}
		var meta map[string]any
		if json.Unmarshal([]byte(e.MetadataJSON), &meta) == nil {
			if rc, ok := meta["reason_code"].(string); ok {
				f.ReasonCode = rc
			}
		}
		sum.Failures = append(sum.Failures, f)
		if f.ReasonCode != "" {
			if sum.FailureReasons == nil {
				sum.FailureReasons = map[string]int{}
			}
			sum.FailureReasons[f.ReasonCode]++
		}
	}

	if sum.ItemsAttempted, sum.ItemsCollected, err = r.Repo.EfficacyStats(ctx); err != nil {
		return sum, fmt.Errorf("efficacy stats: %w", err)
	}
	if sum.ItemsAttempted > 0 {
		sum.Efficacy = float64(sum.ItemsCollected) / float64(sum.ItemsAttempted)
	}
	active := 0
	for status, n := range sum.TargetsByStatus {
		if status != string(domain.TargetStatusArchived) {
			active += n
		}
	}
	if active > 0 {
		sum.Coverage = float64(sum.TargetsByStatus[string(domain.TargetStatusCovered)]) / float64(active)
	}
	return sum, nil
}

// Render writes the summary for a terminal. Counts come out as plain lines,
// the failure listing as a table.
func Render(w io.Writer, s Summary) {
	fmt.Fprintf(w, "Report generated %s (window %s)\n", s.GeneratedAt, s.Window)
	fmt.Fprintf(w, "Coverage: %.0f%%   collection efficacy: %.0f%% (%d/%d items)   open handoffs: %d\n",
		s.Coverage*100, s.Efficacy*100, s.ItemsCollected, s.ItemsAttempted, s.OpenHandoffs)
	fmt.Fprintf(w, "Activity: %d transitions, %d annotations\n", s.Transitions, s.Annotations)
	fmt.Fprintln(w, "Targets:")
	for _, status := range sortedKeys(s.TargetsByStatus) {
		fmt.Fprintf(w, "  %s: %d\n", status, s.TargetsByStatus[status])
	}
	fmt.Fprintln(w, "Packages:")
	for _, status := range sortedKeys(s.PackagesByStatus) {
		fmt.Fprintf(w, "  %s: %d\n", status, s.PackagesByStatus[status])
	}
	if len(s.Failures) == 0 {
		fmt.Fprintln(w, "No failures in window")
		return
	}
	fmt.Fprintf(w, "Failures in window: %d\n", len(s.Failures))
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Package", "Reason code", "Reason", "Actor", "When"})
	for _, f := range s.Failures {
		tw.AppendRow(table.Row{f.PackageID, f.ReasonCode, f.Reason, f.Actor, f.TS})
	}
	tw.Render()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
