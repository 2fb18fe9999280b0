package plan

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"targetline/internal/config"
	"targetline/internal/domain"
	"targetline/internal/ledger"
	"targetline/internal/repo"
)

// Generator drafts collection packages from the configured strategy for a
// target's kind. Versions are allocated per target and only ever go up.
type Generator struct {
	Repo   repo.Repo
	Ledger ledger.Ledger
	Config *config.Config
	Now    func() time.Time
}

func expand(template, targetID string, version int) string {
	out := strings.ReplaceAll(template, "{target}", targetID)
	return strings.ReplaceAll(out, "{version}", strconv.Itoa(version))
}

// Build constructs a draft without persisting it. Items whose descriptor is
// in exclude are dropped together with their outputs; the replanner uses
// that to narrow a plan around items that already failed permanently.
func (g Generator) Build(target domain.Target, version int, exclude map[string]bool) (domain.Package, error) {
	strat, ok := g.Config.StrategyFor(target.Kind)
	if !ok {
		return domain.Package{}, fmt.Errorf("no plan strategy for target kind %s", target.Kind)
	}
	now := g.Now()
	pkg := domain.Package{
		PackageID:       uuid.NewString(),
		TargetID:        target.ID,
		Version:         version,
		Kind:            domain.PackageKind(strat.PackageKind),
		Status:          domain.StatusDraft,
		PlanSummary:     expand(strat.Summary, target.ID, version),
		ValidationLevel: domain.LevelNone,
		CreatedAt:       domain.Timestamp(now),
		UpdatedAt:       domain.PreciseTimestamp(now),
	}
	for _, item := range strat.Items {
		descriptor := expand(item.Descriptor, target.ID, version)
		if exclude[descriptor] {
			continue
		}
		pkg.CollectionItems = append(pkg.CollectionItems, descriptor)
		for _, out := range item.Outputs {
			pkg.ExpectedOutputs = append(pkg.ExpectedOutputs, domain.ExpectedOutput{
				Descriptor: expand(out, target.ID, version),
				SourceItem: descriptor,
			})
		}
	}
	if len(pkg.CollectionItems) == 0 {
		return domain.Package{}, fmt.Errorf("strategy for %s leaves no collection items", target.Kind)
	}
	return pkg, nil
}

// Create persists a new draft with the next version for the target, writes
// its creation ledger entry, and moves a new target to under_research, all
// in one transaction.
func (g Generator) Create(ctx context.Context, target domain.Target, actor string, exclude map[string]bool) (domain.Package, error) {
	tx, err := g.Repo.DB.Begin()
	if err != nil {
		return domain.Package{}, err
	}
	defer tx.Rollback()
	pkg, err := g.CreateTx(ctx, tx, target, actor, exclude)
	if err != nil {
		return domain.Package{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Package{}, err
	}
	return pkg, nil
}

// CreateTx is Create within a caller-owned transaction, for callers that
// pair the new draft with other writes.
func (g Generator) CreateTx(ctx context.Context, tx *sql.Tx, target domain.Target, actor string, exclude map[string]bool) (domain.Package, error) {
	maxVersion, err := g.Repo.MaxPackageVersionTx(ctx, tx, target.ID)
	if err != nil {
		return domain.Package{}, err
	}
	pkg, err := g.Build(target, maxVersion+1, exclude)
	if err != nil {
		return domain.Package{}, err
	}
	if err := g.Repo.InsertPackageTx(ctx, tx, pkg); err != nil {
		return domain.Package{}, err
	}
	meta := ledger.Metadata{"target_id": target.ID, "version": pkg.Version, "kind": string(pkg.Kind)}
	if len(exclude) > 0 {
		var dropped []string
		for item := range exclude {
			dropped = append(dropped, item)
		}
		sort.Strings(dropped)
		meta["excluded_items"] = dropped
	}
	if err := g.Ledger.Append(ctx, tx, pkg.PackageID, "", domain.StatusDraft, actor, "plan generated", meta); err != nil {
		return domain.Package{}, err
	}
	if target.Status == domain.TargetStatusNew || target.Status == domain.TargetStatusCovered {
		if err := g.Repo.UpdateTargetStatusTx(ctx, tx, target.ID, domain.TargetStatusUnderResearch, domain.Timestamp(g.Now())); err != nil {
			return domain.Package{}, err
		}
	}
	return pkg, nil
}
