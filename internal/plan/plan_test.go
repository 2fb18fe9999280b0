package plan_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"targetline/internal/config"
	"targetline/internal/db"
	"targetline/internal/domain"
	"targetline/internal/ledger"
	"targetline/internal/migrate"
	"targetline/internal/plan"
	"targetline/internal/repo"
)

func newTestGenerator(t *testing.T) (plan.Generator, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	gen := plan.Generator{
		Repo:   repo.Repo{DB: conn},
		Ledger: ledger.Ledger{DB: conn, Now: now},
		Config: config.Default(),
		Now:    now,
	}
	return gen, context.Background()
}

func seedTarget(t *testing.T, gen plan.Generator, ctx context.Context, kind domain.TargetKind) domain.Target {
	t.Helper()
	target := domain.Target{
		ID: "t-1", Name: "subject", Kind: kind, Priority: 50,
		Status: domain.TargetStatusNew, CreatedAt: "2024-03-01T00:00:00Z", UpdatedAt: "2024-03-01T00:00:00Z",
	}
	if err := gen.Repo.InsertTarget(ctx, target); err != nil {
		t.Fatalf("insert target: %v", err)
	}
	return target
}

func TestBuildExpandsTemplates(t *testing.T) {
	gen, _ := newTestGenerator(t)
	target := domain.Target{ID: "t-9", Name: "subject", Kind: domain.TargetPerson, Status: domain.TargetStatusNew}
	pkg, err := gen.Build(target, 3, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if pkg.Kind != domain.PackageSingleSource {
		t.Fatalf("kind = %s", pkg.Kind)
	}
	if len(pkg.CollectionItems) != 1 || !strings.Contains(pkg.CollectionItems[0], "t-9") {
		t.Fatalf("items = %v", pkg.CollectionItems)
	}
	for _, out := range pkg.ExpectedOutputs {
		if !strings.Contains(out.Descriptor, "t-9/v3/") {
			t.Fatalf("template not expanded: %s", out.Descriptor)
		}
		if out.SourceItem != pkg.CollectionItems[0] {
			t.Fatalf("output not mapped to its item: %+v", out)
		}
	}
	if pkg.Status != domain.StatusDraft || pkg.ValidationLevel != domain.LevelNone {
		t.Fatalf("fresh draft in wrong state: %s/%s", pkg.Status, pkg.ValidationLevel)
	}
}

func TestCreateAllocatesVersionsAndLedger(t *testing.T) {
	gen, ctx := newTestGenerator(t)
	target := seedTarget(t, gen, ctx, domain.TargetEvent)

	first, err := gen.Create(ctx, target, "officer", nil)
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("first version = %d", first.Version)
	}
	// event strategy carries two items
	if len(first.CollectionItems) != 2 {
		t.Fatalf("event plan items = %v", first.CollectionItems)
	}

	second, err := gen.Create(ctx, target, "officer", nil)
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("second version = %d", second.Version)
	}

	entries, err := gen.Ledger.EntriesForPackage(ctx, first.PackageID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].FromStatus != "" || entries[0].ToStatus != domain.StatusDraft {
		t.Fatalf("creation entry wrong: %+v", entries)
	}

	got, err := gen.Repo.GetTarget(ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TargetStatusUnderResearch {
		t.Fatalf("target should move to under_research, is %s", got.Status)
	}
}

func TestBuildExclusionNarrowsPlan(t *testing.T) {
	gen, _ := newTestGenerator(t)
	target := domain.Target{ID: "t-2", Name: "subject", Kind: domain.TargetEvent, Status: domain.TargetStatusUnderResearch}

	full, err := gen.Build(target, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.CollectionItems) != 2 {
		t.Fatalf("expected two items, got %v", full.CollectionItems)
	}

	exclude := map[string]bool{full.CollectionItems[0]: true}
	narrowed, err := gen.Build(target, 2, exclude)
	if err != nil {
		t.Fatal(err)
	}
	if len(narrowed.CollectionItems) != 1 || narrowed.CollectionItems[0] == full.CollectionItems[0] {
		t.Fatalf("exclusion not applied: %v", narrowed.CollectionItems)
	}
	for _, out := range narrowed.ExpectedOutputs {
		if out.SourceItem == full.CollectionItems[0] {
			t.Fatalf("outputs of excluded item survived: %+v", out)
		}
	}

	// excluding everything is not a plan
	exclude[full.CollectionItems[1]] = true
	if _, err := gen.Build(target, 3, exclude); err == nil {
		t.Fatalf("expected error when every item is excluded")
	}
}
