package replan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"targetline/internal/config"
	"targetline/internal/domain"
	"targetline/internal/ledger"
	"targetline/internal/plan"
	"targetline/internal/repo"
)

// Class buckets a failure for recovery purposes.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// ExecutionFailedError is the diagnosed cause of a package failure: what
// the execution service reported and how recovery will treat it.
type ExecutionFailedError struct {
	Classification Class
	ReasonCode     string
	Message        string
}

func (e *ExecutionFailedError) Error() string {
	code := e.ReasonCode
	if code == "" {
		code = "unknown"
	}
	if e.Message == "" {
		return fmt.Sprintf("execution failed (%s): %s", e.Classification, code)
	}
	return fmt.Sprintf("execution failed (%s): %s: %s", e.Classification, code, e.Message)
}

type Action string

const (
	ActionNone      Action = ""
	ActionReset     Action = "reset"
	ActionReplanned Action = "replanned"
)

// Outcome describes what recovery did for one failed package.
type Outcome struct {
	Action       Action
	Class        Class
	ReasonCode   string
	NewPackageID string
}

// Planner decides how a failed package comes back: a bounded in-place reset
// for transient failures, a narrowed replacement plan for everything else.
type Planner struct {
	Repo      repo.Repo
	Ledger    ledger.Ledger
	Generator plan.Generator
	Config    *config.Config
	Now       func() time.Time
	Log       *zap.Logger
}

func (p Planner) classify(code string) Class {
	for _, c := range p.Config.Retry.PermanentCodes {
		if c == code {
			return ClassPermanent
		}
	}
	for _, c := range p.Config.Retry.TransientCodes {
		if c == code {
			return ClassTransient
		}
	}
	// unknown codes get the benefit of the doubt and a bounded retry
	return ClassTransient
}

// Diagnose reconstructs the failure behind a failed package as a typed
// ExecutionFailedError, plus the items that caused it. The ledger entry that
// moved the package to failed is authoritative; the last handoff result
// fills in what it lacks.
func (p Planner) Diagnose(ctx context.Context, pkg domain.Package) (*ExecutionFailedError, []string, error) {
	var code string
	entries, err := p.Ledger.EntriesForPackage(ctx, pkg.PackageID)
	if err != nil {
		return nil, nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.ToStatus != domain.StatusFailed || e.FromStatus == domain.StatusFailed {
			continue
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(e.MetadataJSON), &meta); err == nil {
			if rc, ok := meta["reason_code"].(string); ok {
				code = rc
			}
		}
		break
	}

	var failedItems []string
	var message string
	rec, err := p.Repo.LatestHandoffForPackage(ctx, pkg.PackageID)
	switch {
	case err == nil:
		if rec.Result != nil {
			failedItems = rec.Result.FailedItems
			message = rec.Result.Message
			if code == "" {
				code = rec.Result.ReasonCode
			}
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return nil, nil, err
	}
	diag := &ExecutionFailedError{Classification: p.classify(code), ReasonCode: code, Message: message}
	return diag, failedItems, nil
}

// Recover brings a failed package back into play. Transient failures under
// the retry budget reset the package to ready; anything else drafts a
// replacement plan at the next version, excluding the failed items when
// some of the plan survives, and annotates the old package as superseded.
func (p Planner) Recover(ctx context.Context, pkg domain.Package) (Outcome, error) {
	if pkg.Status != domain.StatusFailed {
		return Outcome{}, fmt.Errorf("package %s is %s, not failed", pkg.PackageID, pkg.Status)
	}
	superseded, err := p.Repo.HasSuccessor(ctx, pkg.TargetID, pkg.Version)
	if err != nil {
		return Outcome{}, err
	}
	if superseded {
		return Outcome{Action: ActionNone}, nil
	}

	diag, failedItems, err := p.Diagnose(ctx, pkg)
	if err != nil {
		return Outcome{}, err
	}

	if diag.Classification == ClassTransient {
		resets, err := p.Ledger.CountEdges(ctx, pkg.PackageID, domain.StatusFailed, domain.StatusReady)
		if err != nil {
			return Outcome{}, err
		}
		if resets < p.Config.Retry.TransientLimit {
			if err := p.reset(ctx, pkg, diag.ReasonCode, resets+1); err != nil {
				return Outcome{}, err
			}
			return Outcome{Action: ActionReset, Class: diag.Classification, ReasonCode: diag.ReasonCode}, nil
		}
	}

	newPkg, err := p.replace(ctx, pkg, diag, failedItems)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionReplanned, Class: diag.Classification, ReasonCode: diag.ReasonCode, NewPackageID: newPkg.PackageID}, nil
}

// reset puts a transiently failed package back at ready for resubmission.
func (p Planner) reset(ctx context.Context, pkg domain.Package, code string, resetsUsed int) error {
	now := p.Now()
	tx, err := p.Repo.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// ready implies the plan already passed validation, so the level pins to V0
	if err := p.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusReady, domain.LevelV0, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
		return err
	}
	err = p.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusFailed, domain.StatusReady, domain.ActorLoop,
		"transient failure, resubmitting",
		ledger.Metadata{"reason_code": code, "class": string(ClassTransient), "resets_used": resetsUsed})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p Planner) replace(ctx context.Context, pkg domain.Package, diag *ExecutionFailedError, failedItems []string) (domain.Package, error) {
	target, err := p.Repo.GetTarget(ctx, pkg.TargetID)
	if err != nil {
		return domain.Package{}, err
	}

	// exclude the failed items only while the plan keeps at least one item
	exclude := map[string]bool{}
	for _, item := range failedItems {
		exclude[item] = true
	}
	survivors := 0
	for _, item := range pkg.CollectionItems {
		if !exclude[item] {
			survivors++
		}
	}
	if survivors == 0 {
		exclude = nil
	}

	reason := "permanent failure, replanning"
	if diag.Classification == ClassTransient {
		reason = "retry budget exhausted, replanning"
	}

	tx, err := p.Repo.DB.Begin()
	if err != nil {
		return domain.Package{}, err
	}
	defer tx.Rollback()
	newPkg, err := p.Generator.CreateTx(ctx, tx, target, domain.ActorLoop, exclude)
	if err != nil {
		return domain.Package{}, err
	}
	err = p.Ledger.Append(ctx, tx, pkg.PackageID, domain.StatusFailed, domain.StatusFailed, domain.ActorLoop,
		"superseded by replacement plan",
		ledger.Metadata{"successor": newPkg.PackageID, "reason_code": diag.ReasonCode, "class": string(diag.Classification), "note": reason})
	if err != nil {
		return domain.Package{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Package{}, err
	}
	p.Log.Info("replacement plan drafted",
		zap.String("target_id", target.ID),
		zap.String("failed_package", pkg.PackageID),
		zap.String("new_package", newPkg.PackageID),
		zap.Int("version", newPkg.Version),
		zap.String("cause", diag.Error()))
	return newPkg, nil
}
