package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"targetline/internal/config"
	"targetline/internal/domain"
	"targetline/internal/handoff"
	"targetline/internal/ingest"
	"targetline/internal/ledger"
	"targetline/internal/plan"
	"targetline/internal/replan"
	"targetline/internal/repo"
	"targetline/internal/validate"
)

// Engine drives targets through the collection lifecycle. Every pass takes
// at most one action per target, so repeated passes converge instead of
// racing ahead of the execution service.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Ledger    ledger.Ledger
	Config    *config.Config
	Generator plan.Generator
	Handoff   handoff.Coordinator
	Ingestor  ingest.Ingestor
	Planner   replan.Planner
	Now       func() time.Time
	Log       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(conn *sql.DB, cfg *config.Config, exec handoff.ExecutionClient, evidence ingest.EvidenceRepository, log *zap.Logger) *Engine {
	e := &Engine{
		DB:     conn,
		Config: cfg,
		Now:    time.Now,
		Log:    log,
		locks:  map[string]*sync.Mutex{},
	}
	clock := func() time.Time { return e.now() }
	e.Repo = repo.Repo{DB: conn}
	e.Ledger = ledger.Ledger{DB: conn, Now: clock}
	e.Generator = plan.Generator{Repo: e.Repo, Ledger: e.Ledger, Config: cfg, Now: clock}
	e.Handoff = handoff.Coordinator{Repo: e.Repo, Ledger: e.Ledger, Config: cfg, Exec: exec, Now: clock, Log: log}
	e.Ingestor = ingest.Ingestor{Repo: e.Repo, Evidence: evidence, Staging: cfg.Staging.Root, Now: clock, Log: log}
	e.Planner = replan.Planner{Repo: e.Repo, Ledger: e.Ledger, Generator: e.Generator, Config: cfg, Now: clock, Log: log}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// lockTarget serializes work on one target within this process. Writers in
// other processes are caught by the updated_at guard instead.
func (e *Engine) lockTarget(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) actor(actor string) string {
	if actor != "" {
		return actor
	}
	if e.Config != nil && e.Config.Officer.Actor != "" {
		return e.Config.Officer.Actor
	}
	return "officer"
}

// AddTarget registers a new collection target.
func (e *Engine) AddTarget(ctx context.Context, name string, kind domain.TargetKind, priority int, meta map[string]string) (domain.Target, error) {
	if name == "" {
		return domain.Target{}, errors.New("name is required")
	}
	if !kind.Valid() {
		return domain.Target{}, fmt.Errorf("unknown target kind %q", kind)
	}
	if priority < 0 || priority > 100 {
		return domain.Target{}, fmt.Errorf("priority %d out of range 0..100", priority)
	}
	now := e.now()
	t := domain.Target{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		Priority:  priority,
		Status:    domain.TargetStatusNew,
		Metadata:  meta,
		CreatedAt: domain.Timestamp(now),
		UpdatedAt: domain.Timestamp(now),
	}
	if err := e.Repo.InsertTarget(ctx, t); err != nil {
		return domain.Target{}, err
	}
	return t, nil
}

// UpdateTarget edits a target's name, priority, or metadata. Metadata pairs
// overlay the stored document key by key; a pair with an empty value removes
// that key. Priority takes effect on the next reconciliation pass.
func (e *Engine) UpdateTarget(ctx context.Context, targetID string, name *string, priority *int, meta map[string]string) (domain.Target, error) {
	if name != nil && *name == "" {
		return domain.Target{}, errors.New("name is required")
	}
	if priority != nil && (*priority < 0 || *priority > 100) {
		return domain.Target{}, fmt.Errorf("priority %d out of range 0..100", *priority)
	}
	unlock := e.lockTarget(targetID)
	defer unlock()

	t, err := e.Repo.GetTarget(ctx, targetID)
	if err != nil {
		return domain.Target{}, err
	}
	var merged map[string]string
	if meta != nil {
		merged = map[string]string{}
		for k, v := range t.Metadata {
			merged[k] = v
		}
		for k, v := range meta {
			if v == "" {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
	}
	now := domain.Timestamp(e.now())
	if err := e.Repo.UpdateTarget(ctx, targetID, name, priority, merged, now); err != nil {
		return domain.Target{}, err
	}
	return e.Repo.GetTarget(ctx, targetID)
}

// ArchiveTarget retires a target. A target with collection in flight cannot
// be archived; fail or finish the package first.
func (e *Engine) ArchiveTarget(ctx context.Context, targetID string) (domain.Target, error) {
	unlock := e.lockTarget(targetID)
	defer unlock()

	t, err := e.Repo.GetTarget(ctx, targetID)
	if err != nil {
		return domain.Target{}, err
	}
	if t.Status == domain.TargetStatusArchived {
		return t, nil
	}
	if _, err := e.Repo.ActivePackageForTarget(ctx, targetID); err == nil {
		return t, fmt.Errorf("target %s has an active package", targetID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	now := domain.Timestamp(e.now())
	if err := e.Repo.UpdateTargetStatusTx(ctx, tx, targetID, domain.TargetStatusArchived, now); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TargetStatusArchived
	t.UpdatedAt = now
	return t, nil
}

// CreatePackage drafts a collection package for a target from the strategy
// configured for its kind. A target carries at most one active package.
func (e *Engine) CreatePackage(ctx context.Context, targetID, actor string) (domain.Package, error) {
	unlock := e.lockTarget(targetID)
	defer unlock()

	t, err := e.Repo.GetTarget(ctx, targetID)
	if err != nil {
		return domain.Package{}, err
	}
	if t.Status == domain.TargetStatusArchived {
		return domain.Package{}, fmt.Errorf("target %s is archived", targetID)
	}
	if p, err := e.Repo.ActivePackageForTarget(ctx, targetID); err == nil {
		return domain.Package{}, fmt.Errorf("target %s already has active package %s", targetID, p.PackageID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Package{}, err
	}
	return e.Generator.Create(ctx, t, e.actor(actor), nil)
}

// PlanAddition is one collection item added by hand to a draft.
type PlanAddition struct {
	Descriptor string
	Outputs    []string
}

// PackageEditOptions carries the allowed edits to a draft's plan.
type PackageEditOptions struct {
	PackageID   string
	PlanSummary *string
	AddItems    []PlanAddition
	RemoveItems []string
	Actor       string
}

// EditPackage reworks a draft's plan. Edits to anything past draft are
// refused; replanning handles those.
func (e *Engine) EditPackage(ctx context.Context, opts PackageEditOptions) (domain.Package, error) {
	pkg, err := e.Repo.GetPackage(ctx, opts.PackageID)
	if err != nil {
		return domain.Package{}, err
	}
	unlock := e.lockTarget(pkg.TargetID)
	defer unlock()

	if pkg.Status != domain.StatusDraft {
		return pkg, fmt.Errorf("package %s is %s; only drafts can be edited", pkg.PackageID, pkg.Status)
	}
	prev := pkg.UpdatedAt
	if opts.PlanSummary != nil {
		pkg.PlanSummary = *opts.PlanSummary
	}
	var removed []string
	if len(opts.RemoveItems) > 0 {
		drop := map[string]bool{}
		for _, item := range opts.RemoveItems {
			drop[item] = true
		}
		var items []string
		for _, item := range pkg.CollectionItems {
			if drop[item] {
				removed = append(removed, item)
				continue
			}
			items = append(items, item)
		}
		if len(removed) != len(drop) {
			return pkg, fmt.Errorf("plan does not contain all of %v", opts.RemoveItems)
		}
		var outputs []domain.ExpectedOutput
		for _, eo := range pkg.ExpectedOutputs {
			if !drop[eo.SourceItem] {
				outputs = append(outputs, eo)
			}
		}
		pkg.CollectionItems = items
		pkg.ExpectedOutputs = outputs
	}
	var added []string
	for _, add := range opts.AddItems {
		if add.Descriptor == "" || len(add.Outputs) == 0 {
			return pkg, errors.New("added items need a descriptor and at least one output")
		}
		for _, item := range pkg.CollectionItems {
			if item == add.Descriptor {
				return pkg, fmt.Errorf("item %s already in plan", add.Descriptor)
			}
		}
		pkg.CollectionItems = append(pkg.CollectionItems, add.Descriptor)
		for _, out := range add.Outputs {
			pkg.ExpectedOutputs = append(pkg.ExpectedOutputs, domain.ExpectedOutput{Descriptor: out, SourceItem: add.Descriptor})
		}
		added = append(added, add.Descriptor)
	}
	if len(pkg.CollectionItems) == 0 {
		return pkg, errors.New("plan needs at least one collection item")
	}
	pkg.UpdatedAt = domain.PreciseTimestamp(e.now())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return pkg, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePackagePlanTx(ctx, tx, pkg, prev); err != nil {
		return pkg, err
	}
	meta := ledger.Metadata{}
	if len(added) > 0 {
		meta["added_items"] = added
	}
	if len(removed) > 0 {
		meta["removed_items"] = removed
	}
	if opts.PlanSummary != nil {
		meta["summary_changed"] = true
	}
	if err := e.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusDraft, domain.StatusDraft, e.actor(opts.Actor), "plan edited", meta); err != nil {
		return pkg, err
	}
	if err := tx.Commit(); err != nil {
		return pkg, err
	}
	return pkg, nil
}

// ValidatePackage runs plan validation on a draft and promotes it to ready.
// The returned error is a *validate.ValidationError when the plan itself is
// the problem.
func (e *Engine) ValidatePackage(ctx context.Context, packageID, actor string) (domain.Package, error) {
	pkg, err := e.Repo.GetPackage(ctx, packageID)
	if err != nil {
		return domain.Package{}, err
	}
	unlock := e.lockTarget(pkg.TargetID)
	defer unlock()

	if pkg.Status != domain.StatusDraft {
		return pkg, fmt.Errorf("package %s is %s; only drafts are validated", pkg.PackageID, pkg.Status)
	}
	t, err := e.Repo.GetTarget(ctx, pkg.TargetID)
	if err != nil {
		return pkg, err
	}
	return e.promoteDraft(ctx, t, pkg, e.actor(actor))
}

func (e *Engine) promoteDraft(ctx context.Context, target domain.Target, pkg domain.Package, actor string) (domain.Package, error) {
	if err := validate.Plan(pkg, target); err != nil {
		return pkg, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return pkg, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusReady, domain.LevelV0, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
		return pkg, err
	}
	err = e.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusDraft, domain.StatusReady, actor, "plan validated",
		ledger.Metadata{"level": string(domain.LevelV0)})
	if err != nil {
		return pkg, err
	}
	if err := tx.Commit(); err != nil {
		return pkg, err
	}
	pkg.Status = domain.StatusReady
	pkg.ValidationLevel = domain.LevelV0
	pkg.UpdatedAt = domain.PreciseTimestamp(now)
	return pkg, nil
}

// SubmitPackage hands a ready package to the execution service. The returned
// error is a *handoff.RejectedError when the service refused the task; the
// refusal is already recorded by then.
func (e *Engine) SubmitPackage(ctx context.Context, packageID, actor string) (domain.HandoffRecord, error) {
	pkg, err := e.Repo.GetPackage(ctx, packageID)
	if err != nil {
		return domain.HandoffRecord{}, err
	}
	unlock := e.lockTarget(pkg.TargetID)
	defer unlock()

	if pkg.Status != domain.StatusReady {
		return domain.HandoffRecord{}, fmt.Errorf("package %s is %s; only ready packages are submitted", pkg.PackageID, pkg.Status)
	}
	t, err := e.Repo.GetTarget(ctx, pkg.TargetID)
	if err != nil {
		return domain.HandoffRecord{}, err
	}
	return e.Handoff.Submit(ctx, t, pkg, e.actor(actor))
}

// Inspection bundles everything known about a package.
type Inspection struct {
	Package  domain.Package               `json:"package"`
	Target   domain.Target                `json:"target"`
	History  []domain.StatusHistoryEntry  `json:"history"`
	Manifest []domain.OutputManifestEntry `json:"manifest,omitempty"`
	Handoffs []domain.HandoffRecord       `json:"handoffs,omitempty"`
}

func (e *Engine) InspectPackage(ctx context.Context, packageID string) (Inspection, error) {
	pkg, err := e.Repo.GetPackage(ctx, packageID)
	if err != nil {
		return Inspection{}, err
	}
	t, err := e.Repo.GetTarget(ctx, pkg.TargetID)
	if err != nil {
		return Inspection{}, err
	}
	history, err := e.Ledger.EntriesForPackage(ctx, packageID)
	if err != nil {
		return Inspection{}, err
	}
	manifest, err := e.Repo.ListManifest(ctx, packageID)
	if err != nil {
		return Inspection{}, err
	}
	handoffs, err := e.Repo.ListHandoffsForPackage(ctx, packageID)
	if err != nil {
		return Inspection{}, err
	}
	return Inspection{Package: pkg, Target: t, History: history, Manifest: manifest, Handoffs: handoffs}, nil
}

// VerifyHistory replays a package's ledger and checks that it lands on the
// package's current status.
func (e *Engine) VerifyHistory(ctx context.Context, packageID string) error {
	pkg, err := e.Repo.GetPackage(ctx, packageID)
	if err != nil {
		return err
	}
	replayed, err := e.Ledger.Replay(ctx, packageID)
	if err != nil {
		return err
	}
	if replayed != pkg.Status {
		return fmt.Errorf("history replays to %s but package is %s", replayed, pkg.Status)
	}
	return nil
}

// PassSummary reports what one reconciliation pass did.
type PassSummary struct {
	Targets int            `json:"targets"`
	Actions map[string]int `json:"actions,omitempty"`
	Errors  int            `json:"errors"`
}

// Changed reports whether the pass mutated anything.
func (s PassSummary) Changed() bool {
	for action, n := range s.Actions {
		if action != "none" && n > 0 {
			return true
		}
	}
	return false
}

// ReconcileOnce advances every non-archived target by at most one step.
// Targets are worked concurrently; a failure on one target never blocks the
// others.
func (e *Engine) ReconcileOnce(ctx context.Context) (PassSummary, error) {
	targets, err := e.Repo.ActiveTargets(ctx)
	if err != nil {
		return PassSummary{}, err
	}
	actions := make([]string, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Config.Loop.Concurrency)
	for i, t := range targets {
		g.Go(func() error {
			action, err := e.reconcileTarget(gctx, t)
			if err != nil {
				e.Log.Error("target reconciliation failed",
					zap.String("target_id", t.ID),
					zap.String("target", t.Name),
					zap.Error(err))
				actions[i] = "error"
				return nil
			}
			actions[i] = action
			return nil
		})
	}
	_ = g.Wait()

	summary := PassSummary{Targets: len(targets), Actions: map[string]int{}}
	for _, a := range actions {
		if a == "error" {
			summary.Errors++
			continue
		}
		summary.Actions[a]++
	}
	return summary, nil
}

// RunDaemon reconciles on a fixed interval until the context ends.
func (e *Engine) RunDaemon(ctx context.Context) error {
	interval := e.Config.Loop.Interval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.Log.Info("reconciliation loop started",
		zap.Duration("interval", interval),
		zap.Int("concurrency", e.Config.Loop.Concurrency))
	for {
		summary, err := e.ReconcileOnce(ctx)
		if err != nil {
			e.Log.Error("reconciliation pass failed", zap.Error(err))
		} else if summary.Changed() || summary.Errors > 0 {
			e.Log.Info("reconciliation pass",
				zap.Int("targets", summary.Targets),
				zap.Any("actions", summary.Actions),
				zap.Int("errors", summary.Errors))
		}
		select {
		case <-ctx.Done():
			e.Log.Info("reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) reconcileTarget(ctx context.Context, target domain.Target) (string, error) {
	unlock := e.lockTarget(target.ID)
	defer unlock()

	action, err := e.dispatch(ctx, target)
	if errors.Is(err, repo.ErrStale) {
		// another writer got there first; the next pass sees the new state
		return "contended", nil
	}
	return action, err
}

// dispatch picks the one step the target's active package needs.
func (e *Engine) dispatch(ctx context.Context, target domain.Target) (string, error) {
	pkg, err := e.Repo.ActivePackageForTarget(ctx, target.ID)
	if errors.Is(err, repo.ErrNotFound) {
		latest, err := e.Repo.LatestPackageForTarget(ctx, target.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if target.Status == domain.TargetStatusCovered {
				return "none", nil
			}
			return e.stepPlan(ctx, target)
		case err != nil:
			return "", err
		}
		if latest.Status == domain.StatusFailed {
			return e.stepRecover(ctx, latest)
		}
		return "none", nil
	}
	if err != nil {
		return "", err
	}

	switch pkg.Status {
	case domain.StatusDraft:
		return e.stepValidatePlan(ctx, target, pkg)
	case domain.StatusReady:
		return e.stepSubmit(ctx, target, pkg)
	case domain.StatusSubmitted, domain.StatusAccepted, domain.StatusQueued, domain.StatusRunning:
		return e.stepPoll(ctx, pkg)
	case domain.StatusCompleted:
		if pkg.ValidationLevel == domain.LevelV1 {
			return e.stepIngest(ctx, pkg)
		}
		return e.stepValidateExecution(ctx, pkg)
	case domain.StatusOutputsIngested:
		return e.stepValidateOutputs(ctx, pkg)
	case domain.StatusValidated:
		return e.stepClose(ctx, target, pkg)
	}
	return "none", nil
}

func (e *Engine) stepPlan(ctx context.Context, target domain.Target) (string, error) {
	pkg, err := e.Generator.Create(ctx, target, domain.ActorLoop, nil)
	if err != nil {
		return "", err
	}
	e.Log.Info("plan drafted",
		zap.String("target_id", target.ID),
		zap.String("package_id", pkg.PackageID),
		zap.Int("version", pkg.Version))
	return "planned", nil
}

func (e *Engine) stepRecover(ctx context.Context, pkg domain.Package) (string, error) {
	out, err := e.Planner.Recover(ctx, pkg)
	if err != nil {
		return "", err
	}
	switch out.Action {
	case replan.ActionReset:
		e.Log.Info("package reset for retry",
			zap.String("package_id", pkg.PackageID),
			zap.String("reason_code", out.ReasonCode))
		return "reset", nil
	case replan.ActionReplanned:
		return "replanned", nil
	default:
		return "none", nil
	}
}

func (e *Engine) stepValidatePlan(ctx context.Context, target domain.Target, pkg domain.Package) (string, error) {
	_, err := e.promoteDraft(ctx, target, pkg, domain.ActorLoop)
	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		// a broken draft stays put; the operator edits or recreates it
		e.Log.Warn("plan failed validation",
			zap.String("package_id", pkg.PackageID),
			zap.String("reason", verr.Reason))
		return "plan_invalid", nil
	}
	if err != nil {
		return "", err
	}
	return "plan_validated", nil
}

func (e *Engine) stepSubmit(ctx context.Context, target domain.Target, pkg domain.Package) (string, error) {
	_, err := e.Handoff.Submit(ctx, target, pkg, domain.ActorLoop)
	var rejected *handoff.RejectedError
	if errors.As(err, &rejected) {
		e.Log.Warn("submission rejected",
			zap.String("package_id", pkg.PackageID),
			zap.String("reason_code", rejected.ReasonCode))
		return "submission_rejected", nil
	}
	if err != nil {
		return "", err
	}
	return "submitted", nil
}

func (e *Engine) stepPoll(ctx context.Context, pkg domain.Package) (string, error) {
	changed, err := e.Handoff.Poll(ctx, pkg)
	if err != nil {
		return "", err
	}
	if !changed {
		return "none", nil
	}
	return "polled", nil
}

func (e *Engine) stepValidateExecution(ctx context.Context, pkg domain.Package) (string, error) {
	rec, err := e.Repo.LatestHandoffForPackage(ctx, pkg.PackageID)
	if err != nil {
		return "", fmt.Errorf("completed package %s has no handoff: %w", pkg.PackageID, err)
	}
	verr := validate.ExecutionResult(rec, e.Ingestor.Exists)
	now := e.now()
	if verr == nil {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return "", err
		}
		defer tx.Rollback()
		if err := e.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusCompleted, domain.LevelV1, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
			return "", err
		}
		err = e.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusCompleted, domain.StatusCompleted, domain.ActorLoop,
			"execution result validated", ledger.Metadata{"level": string(domain.LevelV1), "task_id": rec.TaskID()})
		if err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return "execution_validated", nil
	}

	code := domain.ReasonWorkerCrash
	reason := verr.Error()
	var vErr *validate.ValidationError
	if errors.As(verr, &vErr) {
		code = vErr.Code
		reason = vErr.Reason
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusFailed, pkg.ValidationLevel, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
		return "", err
	}
	err = e.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusCompleted, domain.StatusFailed, domain.ActorLoop,
		fmt.Sprintf("%s: %s", code, reason),
		ledger.Metadata{"reason_code": code, "level": string(domain.LevelV1), "task_id": rec.TaskID()})
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return "execution_rejected", nil
}

func (e *Engine) stepIngest(ctx context.Context, pkg domain.Package) (string, error) {
	report, err := e.Ingestor.IngestOutputs(ctx, pkg)
	var ingErr *ingest.IngestionError
	if errors.As(err, &ingErr) {
		// evidence backend trouble is not the package's fault; retry next pass
		return "ingest_deferred", nil
	}
	if err != nil {
		return "", err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusOutputsIngested, pkg.ValidationLevel, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
		return "", err
	}
	if err := e.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusCompleted, domain.StatusOutputsIngested, domain.ActorLoop,
		"outputs ingested", ingestMetadata(report)); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return "ingested", nil
}

func (e *Engine) stepValidateOutputs(ctx context.Context, pkg domain.Package) (string, error) {
	entries, err := e.Repo.ListManifest(ctx, pkg.PackageID)
	if err != nil {
		return "", err
	}
	verr := validate.OutputConformance(pkg, entries)
	now := e.now()
	if verr == nil {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return "", err
		}
		defer tx.Rollback()
		if err := e.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusValidated, domain.LevelV2, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
			return "", err
		}
		err = e.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusOutputsIngested, domain.StatusValidated, domain.ActorLoop,
			"outputs validated", ledger.Metadata{"level": string(domain.LevelV2)})
		if err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return "outputs_validated", nil
	}

	retries, err := e.Ledger.CountAnnotations(ctx, pkg.PackageID, domain.StatusOutputsIngested, "ingestion retry")
	if err != nil {
		return "", err
	}
	if retries < e.Config.Retry.IngestLimit {
		report, err := e.Ingestor.IngestOutputs(ctx, pkg)
		var ingErr *ingest.IngestionError
		if errors.As(err, &ingErr) {
			// no annotation on backend trouble, so the budget is untouched
			return "ingest_deferred", nil
		}
		if err != nil {
			return "", err
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return "", err
		}
		defer tx.Rollback()
		meta := ingestMetadata(report)
		meta["attempt"] = retries + 1
		err = e.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusOutputsIngested, domain.StatusOutputsIngested, domain.ActorLoop,
			"ingestion retry", meta)
		if err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return "reingested", nil
	}

	var vErr *validate.ValidationError
	reason := verr.Error()
	if errors.As(verr, &vErr) {
		reason = vErr.Reason
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusFailed, pkg.ValidationLevel, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
		return "", err
	}
	err = e.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusOutputsIngested, domain.StatusFailed, domain.ActorLoop,
		fmt.Sprintf("%s: %s", domain.ReasonIngestExhausted, reason),
		ledger.Metadata{"reason_code": domain.ReasonIngestExhausted, "retries": retries})
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return "ingest_exhausted", nil
}

func (e *Engine) stepClose(ctx context.Context, target domain.Target, pkg domain.Package) (string, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusClosed, pkg.ValidationLevel, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
		return "", err
	}
	err = e.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusValidated, domain.StatusClosed, domain.ActorLoop,
		"collection complete", ledger.Metadata{"version": pkg.Version})
	if err != nil {
		return "", err
	}
	if target.Status == domain.TargetStatusUnderResearch {
		if err := e.Repo.UpdateTargetStatusTx(ctx, tx, target.ID, domain.TargetStatusCovered, domain.Timestamp(now)); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	e.Log.Info("package closed",
		zap.String("target_id", target.ID),
		zap.String("package_id", pkg.PackageID),
		zap.Int("version", pkg.Version))
	return "closed", nil
}

func ingestMetadata(report ingest.Report) ledger.Metadata {
	meta := ledger.Metadata{"ingested": len(report.Ingested)}
	if len(report.Missing) > 0 {
		meta["missing"] = report.Missing
	}
	if len(report.Invalid) > 0 {
		meta["invalid"] = report.Invalid
	}
	return meta
}
