package report_test

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"targetline/internal/config"
	"targetline/internal/db"
	"targetline/internal/domain"
	"targetline/internal/ledger"
	"targetline/internal/migrate"
	"targetline/internal/repo"
	"targetline/internal/report"
)

var reportNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	rep report.Reporter
	r   repo.Repo
	ctx context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	rep := report.Reporter{
		Repo:   r,
		Ledger: ledger.Ledger{DB: conn},
		Config: config.Default(),
		Now:    func() time.Time { return reportNow },
	}
	return &testEnv{rep: rep, r: r, ctx: context.Background()}
}

func (env *testEnv) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := env.r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env *testEnv) seedTarget(t *testing.T, id string, status domain.TargetStatus) {
	t.Helper()
	err := env.r.InsertTarget(env.ctx, domain.Target{
		ID: id, Name: "subject " + id, Kind: domain.TargetPerson, Priority: 50,
		Status: status, CreatedAt: "2024-03-01T00:00:00Z", UpdatedAt: "2024-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert target: %v", err)
	}
}

func (env *testEnv) seedPackage(t *testing.T, id, targetID string, status domain.PackageStatus) {
	t.Helper()
	item := "media://broadcast/" + targetID + "/recent-appearances"
	env.inTx(t, func(tx *sql.Tx) error {
		return env.r.InsertPackageTx(env.ctx, tx, domain.Package{
			PackageID: id, TargetID: targetID, Version: 1,
			Kind: domain.PackageSingleSource, Status: status,
			CollectionItems: []string{item},
			ExpectedOutputs: []domain.ExpectedOutput{
				{Descriptor: targetID + "/v1/appearances.capture.mp4", SourceItem: item},
			},
			ValidationLevel: domain.LevelNone,
			CreatedAt:       "2024-03-01T00:00:00Z",
			UpdatedAt:       "2024-03-01T00:00:00.000000001Z",
		})
	})
}

func (env *testEnv) seedHandoff(t *testing.T, id, pkgID string, status domain.HandoffStatus) {
	t.Helper()
	env.inTx(t, func(tx *sql.Tx) error {
		return env.r.InsertHandoffTx(env.ctx, tx, domain.HandoffRecord{
			HandoffID: id, PackageID: pkgID, Attempt: 1,
			Definition:  domain.TaskDefinition{TaskID: domain.TaskID(pkgID, 1), PackageID: pkgID},
			Status:      status,
			SubmittedAt: "2024-03-09T00:00:00Z",
		})
	})
}

// appendAt writes one ledger entry stamped at the given instant.
func (env *testEnv) appendAt(t *testing.T, at time.Time, pkgID string, from, to domain.PackageStatus, reason string, meta ledger.Metadata) {
	t.Helper()
	led := ledger.Ledger{DB: env.r.DB, Now: func() time.Time { return at }}
	env.inTx(t, func(tx *sql.Tx) error {
		return led.Append(env.ctx, tx, pkgID, from, to, "loop", reason, meta)
	})
}

func (env *testEnv) seedManifest(t *testing.T, pkgID, output, item string, status domain.ManifestStatus) {
	t.Helper()
	env.inTx(t, func(tx *sql.Tx) error {
		return env.r.UpsertManifestEntryTx(env.ctx, tx, domain.OutputManifestEntry{
			PackageID: pkgID, ExpectedOutput: output, SourceItem: item,
			ValidationStatus: status, UpdatedAt: "2024-03-09T00:00:00Z",
		})
	})
}

func TestBuildSummary(t *testing.T) {
	env := newTestEnv(t)
	env.seedTarget(t, "t-1", domain.TargetStatusCovered)
	env.seedTarget(t, "t-2", domain.TargetStatusUnderResearch)
	env.seedTarget(t, "t-3", domain.TargetStatusArchived)
	env.seedPackage(t, "pkg-1", "t-1", domain.StatusClosed)
	env.seedPackage(t, "pkg-2", "t-2", domain.StatusFailed)
	env.seedHandoff(t, "h-1", "pkg-1", domain.HandoffCompleted)
	env.seedHandoff(t, "h-2", "pkg-2", domain.HandoffPending)

	// an old failure outside the window and a fresh one inside it
	env.appendAt(t, reportNow.Add(-200*time.Hour), "pkg-1", domain.StatusRunning, domain.StatusFailed,
		"timeout: gateway timeout", ledger.Metadata{"reason_code": "timeout"})
	env.appendAt(t, reportNow.Add(-time.Hour), "pkg-2", domain.StatusRunning, domain.StatusFailed,
		"unreachable_source: feed deleted", ledger.Metadata{"reason_code": "unreachable_source"})
	env.appendAt(t, reportNow.Add(-time.Hour), "pkg-2", domain.StatusFailed, domain.StatusFailed,
		"operator note", nil)

	env.seedManifest(t, "pkg-1", "t-1/v1/appearances.capture.mp4", "media://broadcast/t-1/recent-appearances", domain.ManifestValid)
	env.seedManifest(t, "pkg-2", "t-2/v1/appearances.capture.mp4", "media://broadcast/t-2/recent-appearances", domain.ManifestMissing)

	sum, err := env.rep.Build(env.ctx, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sum.Window != "168h0m0s" {
		t.Fatalf("window = %s, want configured default", sum.Window)
	}
	if sum.TargetsByStatus["covered"] != 1 || sum.TargetsByStatus["under_research"] != 1 || sum.TargetsByStatus["archived"] != 1 {
		t.Fatalf("targets by status: %v", sum.TargetsByStatus)
	}
	if sum.PackagesByStatus["closed"] != 1 || sum.PackagesByStatus["failed"] != 1 {
		t.Fatalf("packages by status: %v", sum.PackagesByStatus)
	}
	if sum.OpenHandoffs != 1 {
		t.Fatalf("open handoffs = %d", sum.OpenHandoffs)
	}
	if sum.Transitions != 1 || sum.Annotations != 1 {
		t.Fatalf("activity = %d transitions, %d annotations", sum.Transitions, sum.Annotations)
	}
	if len(sum.Failures) != 1 || sum.Failures[0].PackageID != "pkg-2" || sum.Failures[0].ReasonCode != "unreachable_source" {
		t.Fatalf("failures: %+v", sum.Failures)
	}
	if sum.FailureReasons["unreachable_source"] != 1 || len(sum.FailureReasons) != 1 {
		t.Fatalf("failure reasons: %v", sum.FailureReasons)
	}
	if sum.ItemsAttempted != 2 || sum.ItemsCollected != 1 {
		t.Fatalf("efficacy stats: %d/%d", sum.ItemsCollected, sum.ItemsAttempted)
	}
	if sum.Efficacy != 0.5 {
		t.Fatalf("efficacy = %v", sum.Efficacy)
	}
	// archived targets stay out of the denominator
	if sum.Coverage != 0.5 {
		t.Fatalf("coverage = %v", sum.Coverage)
	}
}

func TestBuildHonorsExplicitWindow(t *testing.T) {
	env := newTestEnv(t)
	env.seedTarget(t, "t-1", domain.TargetStatusUnderResearch)
	env.seedPackage(t, "pkg-1", "t-1", domain.StatusFailed)
	env.appendAt(t, reportNow.Add(-3*time.Hour), "pkg-1", domain.StatusRunning, domain.StatusFailed,
		"timeout: slow", ledger.Metadata{"reason_code": "timeout"})

	sum, err := env.rep.Build(env.ctx, time.Hour)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(sum.Failures) != 0 {
		t.Fatalf("failure outside window reported: %+v", sum.Failures)
	}

	sum, err = env.rep.Build(env.ctx, 4*time.Hour)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(sum.Failures) != 1 {
		t.Fatalf("failure in window missing: %+v", sum.Failures)
	}
}

func TestBuildEmptyWorkspace(t *testing.T) {
	env := newTestEnv(t)
	sum, err := env.rep.Build(env.ctx, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sum.Coverage != 0 || sum.Efficacy != 0 || sum.OpenHandoffs != 0 || len(sum.Failures) != 0 {
		t.Fatalf("empty workspace summary: %+v", sum)
	}
}

func TestRender(t *testing.T) {
	sum := report.Summary{
		GeneratedAt:      "2024-03-10T09:00:00Z",
		Window:           "168h0m0s",
		TargetsByStatus:  map[string]int{"covered": 2, "under_research": 1},
		PackagesByStatus: map[string]int{"closed": 2, "running": 1},
		OpenHandoffs:     1,
		ItemsAttempted:   4,
		ItemsCollected:   3,
		Efficacy:         0.75,
		Coverage:         2.0 / 3.0,
		Failures: []report.Failure{
			{PackageID: "pkg-9", ReasonCode: "timeout", Reason: "timeout: slow", Actor: "loop", TS: "2024-03-10T08:00:00Z"},
		},
	}
	var buf bytes.Buffer
	report.Render(&buf, sum)
	out := buf.String()
	for _, want := range []string{
		"Coverage: 67%",
		"collection efficacy: 75% (3/4 items)",
		"under_research: 1",
		"Failures in window: 1",
		"pkg-9",
		"timeout",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered report missing %q:\n%s", want, out)
		}
	}

	var clean bytes.Buffer
	report.Render(&clean, report.Summary{GeneratedAt: "2024-03-10T09:00:00Z", Window: "1h0m0s"})
	if !strings.Contains(clean.String(), "No failures in window") {
		t.Fatalf("clean report: %s", clean.String())
	}
}
