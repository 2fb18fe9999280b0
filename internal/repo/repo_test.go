package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"targetline/internal/db"
	"targetline/internal/domain"
	"targetline/internal/migrate"
	"targetline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func seedTarget(t *testing.T, r repo.Repo, ctx context.Context, id string) {
	t.Helper()
	err := r.InsertTarget(ctx, domain.Target{
		ID: id, Name: "subject " + id, Kind: domain.TargetPerson, Priority: 50,
		Status: domain.TargetStatusNew, CreatedAt: "2024-03-01T00:00:00Z", UpdatedAt: "2024-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert target: %v", err)
	}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.Begin()
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

func seedPackage(t *testing.T, r repo.Repo, ctx context.Context, p domain.Package) {
	t.Helper()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertPackageTx(ctx, tx, p)
	})
}

func basePackage(id, targetID string, version int) domain.Package {
	return domain.Package{
		PackageID: id, TargetID: targetID, Version: version,
		Kind: domain.PackageSingleSource, Status: domain.StatusDraft,
		PlanSummary:     "recent appearances",
		CollectionItems: []string{"media://broadcast/t-1/recent-appearances"},
		ExpectedOutputs: []domain.ExpectedOutput{
			{Descriptor: "t-1/v1/appearances.capture.mp4", SourceItem: "media://broadcast/t-1/recent-appearances"},
			{Descriptor: "t-1/v1/appearances.transcript.json", SourceItem: "media://broadcast/t-1/recent-appearances"},
		},
		ValidationLevel: domain.LevelNone,
		CreatedAt:       "2024-03-01T00:00:00Z",
		UpdatedAt:       "2024-03-01T00:00:00.000000001Z",
	}
}

func TestPackageRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTarget(t, r, ctx, "t-1")
	seedPackage(t, r, ctx, basePackage("pkg-1", "t-1", 1))

	got, err := r.GetPackage(ctx, "pkg-1")
	if err != nil {
		t.Fatalf("get package: %v", err)
	}
	if len(got.CollectionItems) != 1 || len(got.ExpectedOutputs) != 2 {
		t.Fatalf("plan fields lost: %+v", got)
	}
	if got.ExpectedOutputs[1].SourceItem != "media://broadcast/t-1/recent-appearances" {
		t.Fatalf("source item lost: %+v", got.ExpectedOutputs[1])
	}
	if _, err := r.GetPackage(ctx, "missing"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePackageStateGuard(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTarget(t, r, ctx, "t-1")
	p := basePackage("pkg-1", "t-1", 1)
	seedPackage(t, r, ctx, p)

	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdatePackageStateTx(ctx, tx, "pkg-1", domain.StatusReady, domain.LevelV0, "2024-03-01T00:00:01Z", p.UpdatedAt)
	})
	got, _ := r.GetPackage(ctx, "pkg-1")
	if got.Status != domain.StatusReady || got.ValidationLevel != domain.LevelV0 {
		t.Fatalf("update not applied: %+v", got)
	}

	// second writer with the old read loses
	tx, _ := r.DB.Begin()
	err := r.UpdatePackageStateTx(ctx, tx, "pkg-1", domain.StatusSubmitted, domain.LevelV0, "2024-03-01T00:00:02Z", p.UpdatedAt)
	tx.Rollback()
	if err != repo.ErrStale {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	tx, _ = r.DB.Begin()
	err = r.UpdatePackageStateTx(ctx, tx, "missing", domain.StatusReady, domain.LevelV0, "x", "y")
	tx.Rollback()
	if err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActivePackageForTarget(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTarget(t, r, ctx, "t-1")
	failed := basePackage("pkg-1", "t-1", 1)
	failed.Status = domain.StatusFailed
	seedPackage(t, r, ctx, failed)

	if _, err := r.ActivePackageForTarget(ctx, "t-1"); err != repo.ErrNotFound {
		t.Fatalf("failed package should not hold the active slot: %v", err)
	}

	active := basePackage("pkg-2", "t-1", 2)
	active.Status = domain.StatusReady
	seedPackage(t, r, ctx, active)

	got, err := r.ActivePackageForTarget(ctx, "t-1")
	if err != nil || got.PackageID != "pkg-2" {
		t.Fatalf("active = %+v err=%v", got, err)
	}

	latest, err := r.LatestPackageForTarget(ctx, "t-1")
	if err != nil || latest.Version != 2 {
		t.Fatalf("latest = %+v err=%v", latest, err)
	}

	has, err := r.HasSuccessor(ctx, "t-1", 1)
	if err != nil || !has {
		t.Fatalf("v1 should have a successor")
	}
	has, err = r.HasSuccessor(ctx, "t-1", 2)
	if err != nil || has {
		t.Fatalf("v2 should not have a successor")
	}
}

func TestHandoffRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTarget(t, r, ctx, "t-1")
	seedPackage(t, r, ctx, basePackage("pkg-1", "t-1", 1))

	h := domain.HandoffRecord{
		HandoffID: "h-1", PackageID: "pkg-1", Attempt: 1,
		Definition: domain.TaskDefinition{
			TaskID: "pkg-1@1", TaskType: domain.TaskTypeCollection, PackageID: "pkg-1",
			CollectionItems: []string{"media://broadcast/t-1/recent-appearances"},
			ExpectedOutputs: []string{"t-1/v1/appearances.capture.mp4"},
			ResourceRequirements: domain.ResourceRequirements{MemoryEstimateMB: 2048, CPUIntensive: true, ThermalSensitive: true},
			Priority:             50,
		},
		Status:      domain.HandoffPending,
		SubmittedAt: "2024-03-01T00:00:02Z",
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertHandoffTx(ctx, tx, h) })

	open, err := r.OpenHandoffForPackage(ctx, "pkg-1")
	if err != nil {
		t.Fatalf("open handoff: %v", err)
	}
	if open.Result != nil || open.CompletedAt != nil {
		t.Fatalf("fresh handoff should have no result")
	}
	if open.Definition.TaskID != "pkg-1@1" {
		t.Fatalf("definition lost: %+v", open.Definition)
	}

	done := "2024-03-01T00:00:05Z"
	open.Status = domain.HandoffCompleted
	open.CompletedAt = &done
	open.Result = &domain.TaskResult{OK: true, OutputsProduced: []string{"t-1/v1/appearances.capture.mp4"}}
	inTx(t, r, func(tx *sql.Tx) error { return r.UpdateHandoffTx(ctx, tx, open) })

	if _, err := r.OpenHandoffForPackage(ctx, "pkg-1"); err != repo.ErrNotFound {
		t.Fatalf("completed handoff must not show as open: %v", err)
	}
	latest, err := r.LatestHandoffForPackage(ctx, "pkg-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Result == nil || !latest.Result.OK {
		t.Fatalf("result lost: %+v", latest)
	}

	var attempt int
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		attempt, err = r.MaxHandoffAttemptTx(ctx, tx, "pkg-1")
		return err
	})
	if attempt != 1 {
		t.Fatalf("max attempt = %d", attempt)
	}
}

func TestManifestUpsertOverwrites(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTarget(t, r, ctx, "t-1")
	seedPackage(t, r, ctx, basePackage("pkg-1", "t-1", 1))

	entry := domain.OutputManifestEntry{
		PackageID: "pkg-1", ExpectedOutput: "t-1/v1/appearances.capture.mp4",
		SourceItem: "media://broadcast/t-1/recent-appearances",
		ValidationStatus: domain.ManifestMissing, Reason: "not in staging",
		UpdatedAt: "2024-03-01T00:00:03Z",
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.UpsertManifestEntryTx(ctx, tx, entry) })

	stored := "evidence/media/pkg-1/appearances.capture.mp4"
	entry.ValidationStatus = domain.ManifestValid
	entry.ActualOutput = &stored
	entry.Reason = ""
	entry.UpdatedAt = "2024-03-01T00:00:04Z"
	inTx(t, r, func(tx *sql.Tx) error { return r.UpsertManifestEntryTx(ctx, tx, entry) })

	list, err := r.ListManifest(ctx, "pkg-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("upsert should overwrite, got %d rows", len(list))
	}
	if list[0].ValidationStatus != domain.ManifestValid || list[0].ActualOutput == nil {
		t.Fatalf("overwrite lost fields: %+v", list[0])
	}

	total, valid, err := r.EfficacyStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || valid != 1 {
		t.Fatalf("efficacy %d/%d", valid, total)
	}
}

func TestTargetListingAndOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	for _, tc := range []struct {
		id       string
		priority int
		status   domain.TargetStatus
	}{
		{"t-low", 10, domain.TargetStatusNew},
		{"t-high", 90, domain.TargetStatusNew},
		{"t-archived", 99, domain.TargetStatusArchived},
	} {
		err := r.InsertTarget(ctx, domain.Target{
			ID: tc.id, Name: tc.id, Kind: domain.TargetEvent, Priority: tc.priority,
			Status: tc.status, CreatedAt: "2024-03-01T00:00:00Z", UpdatedAt: "2024-03-01T00:00:00Z",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	active, err := r.ActiveTargets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].ID != "t-high" {
		t.Fatalf("active order wrong: %+v", active)
	}
	archived, err := r.ListTargets(ctx, repo.TargetFilters{Status: string(domain.TargetStatusArchived)})
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 || archived[0].ID != "t-archived" {
		t.Fatalf("filter wrong: %+v", archived)
	}
}

func TestTargetMetadataRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	err := r.InsertTarget(ctx, domain.Target{
		ID: "t-meta", Name: "Halcyon Group", Kind: domain.TargetOrganization, Priority: 70,
		Status: domain.TargetStatusNew, Metadata: map[string]string{"region": "emea", "case_ref": "HG-114"},
		CreatedAt: "2024-03-01T00:00:00Z", UpdatedAt: "2024-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert target: %v", err)
	}

	got, err := r.GetTarget(ctx, "t-meta")
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if got.Metadata["case_ref"] != "HG-114" || got.Metadata["region"] != "emea" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}

	name := "Halcyon Group Ltd"
	prio := 85
	err = r.UpdateTarget(ctx, "t-meta", &name, &prio, map[string]string{"region": "apac"}, "2024-03-01T00:00:01Z")
	if err != nil {
		t.Fatalf("update target: %v", err)
	}
	got, err = r.GetTarget(ctx, "t-meta")
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if got.Name != name || got.Priority != 85 {
		t.Fatalf("fields not applied: %+v", got)
	}
	// a non-nil map replaces the stored document, it does not merge
	if len(got.Metadata) != 1 || got.Metadata["region"] != "apac" {
		t.Fatalf("metadata not replaced: %+v", got.Metadata)
	}

	if err := r.UpdateTarget(ctx, "t-gone", &name, nil, nil, "2024-03-01T00:00:02Z"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
