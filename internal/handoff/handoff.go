package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"targetline/internal/config"
	"targetline/internal/domain"
	"targetline/internal/ledger"
	"targetline/internal/repo"
)

// ExecutionClient is the boundary to the execution service. Submit must be
// idempotent per task id; Poll is read-only.
type ExecutionClient interface {
	Submit(ctx context.Context, def domain.TaskDefinition) error
	Poll(ctx context.Context, taskID string) (domain.HandoffStatus, *domain.TaskResult, error)
}

// RejectedError is a synchronous refusal at submission time.
type RejectedError struct {
	ReasonCode string
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("task rejected (%s): %s", e.ReasonCode, e.Message)
}

// Coordinator owns the handoff lifecycle: building task definitions,
// submitting them, and mirroring the service's task state back onto the
// package. Every mutation pairs the state write with its ledger entry in
// one transaction.
type Coordinator struct {
	Repo   repo.Repo
	Ledger ledger.Ledger
	Config *config.Config
	Exec   ExecutionClient
	Now    func() time.Time
	Log    *zap.Logger
}

func (c Coordinator) buildDefinition(target domain.Target, pkg domain.Package, attempt int) domain.TaskDefinition {
	profile := c.Config.ProfileFor(pkg.Kind)
	return domain.TaskDefinition{
		TaskID:          domain.TaskID(pkg.PackageID, attempt),
		TaskType:        domain.TaskTypeCollection,
		PackageID:       pkg.PackageID,
		CollectionItems: pkg.CollectionItems,
		ExpectedOutputs: pkg.OutputDescriptors(),
		ResourceRequirements: domain.ResourceRequirements{
			MemoryEstimateMB: profile.MemoryEstimateMB,
			CPUIntensive:     profile.CPUIntensive,
			ThermalSensitive: profile.ThermalSensitive,
		},
		Priority: target.Priority,
	}
}

// Submit hands a ready package to the execution service. The handoff record
// and the submitted transition are committed before the network call, so a
// crash in between is recovered by resending the same task id next pass.
// A synchronous rejection is recorded as a failed handoff and returned as a
// RejectedError.
func (c Coordinator) Submit(ctx context.Context, target domain.Target, pkg domain.Package, actor string) (domain.HandoffRecord, error) {
	rec, err := c.Repo.OpenHandoffForPackage(ctx, pkg.PackageID)
	switch {
	case err == nil:
		// already handed off; only a still-pending record needs a resend
		if rec.Status != domain.HandoffPending {
			return rec, nil
		}
		return c.transmit(ctx, pkg, rec)
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.HandoffRecord{}, err
	}

	now := c.Now()
	tx, err := c.Repo.DB.Begin()
	if err != nil {
		return domain.HandoffRecord{}, err
	}
	defer tx.Rollback()
	attempt, err := c.Repo.MaxHandoffAttemptTx(ctx, tx, pkg.PackageID)
	if err != nil {
		return domain.HandoffRecord{}, err
	}
	rec = domain.HandoffRecord{
		HandoffID:   uuid.NewString(),
		PackageID:   pkg.PackageID,
		Attempt:     attempt + 1,
		Status:      domain.HandoffPending,
		SubmittedAt: domain.Timestamp(now),
	}
	rec.Definition = c.buildDefinition(target, pkg, rec.Attempt)
	if err := c.Repo.InsertHandoffTx(ctx, tx, rec); err != nil {
		return domain.HandoffRecord{}, err
	}
	if err := c.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusSubmitted, pkg.ValidationLevel, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
		return domain.HandoffRecord{}, err
	}
	err = c.Ledger.Append(ctx, tx, pkg.PackageID, pkg.Status, domain.StatusSubmitted, actor, "handed off to execution service",
		ledger.Metadata{"handoff_id": rec.HandoffID, "task_id": rec.TaskID(), "attempt": rec.Attempt})
	if err != nil {
		return domain.HandoffRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.HandoffRecord{}, err
	}

	pkg.Status = domain.StatusSubmitted
	pkg.UpdatedAt = domain.PreciseTimestamp(now)
	return c.transmit(ctx, pkg, rec)
}

// transmit performs the network submission for an already-recorded handoff.
func (c Coordinator) transmit(ctx context.Context, pkg domain.Package, rec domain.HandoffRecord) (domain.HandoffRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.Config.Execution.SubmitTimeout.Std())
	defer cancel()
	err := c.Exec.Submit(callCtx, rec.Definition)
	if err == nil {
		return rec, nil
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		// transport trouble: the record stays pending and the next pass
		// resends the same task id
		c.Log.Warn("task submission did not reach the execution service",
			zap.String("task_id", rec.TaskID()), zap.Error(err))
		return rec, nil
	}
	now := c.Now()
	completed := domain.Timestamp(now)
	rec.Status = domain.HandoffFailed
	rec.CompletedAt = &completed
	rec.Result = &domain.TaskResult{OK: false, ReasonCode: rejected.ReasonCode, Message: rejected.Message}

	tx, txErr := c.Repo.DB.Begin()
	if txErr != nil {
		return rec, txErr
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateHandoffTx(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := c.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusFailed, pkg.ValidationLevel, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
		return rec, err
	}
	err = c.Ledger.Append(ctx, tx, pkg.PackageID, pkg.Status, domain.StatusFailed, domain.ActorLoop,
		fmt.Sprintf("%s: %s", rejected.ReasonCode, rejected.Message),
		ledger.Metadata{"handoff_id": rec.HandoffID, "reason_code": rejected.ReasonCode})
	if err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, rejected
}

// Poll asks the service where the open handoff's task stands and mirrors
// any movement onto the package. It reports whether anything changed.
func (c Coordinator) Poll(ctx context.Context, pkg domain.Package) (bool, error) {
	rec, err := c.Repo.OpenHandoffForPackage(ctx, pkg.PackageID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.Config.Execution.PollTimeout.Std())
	observed, result, pollErr := c.Exec.Poll(callCtx, rec.TaskID())
	cancel()
	if pollErr != nil {
		return c.recordPollFailure(ctx, pkg, rec, pollErr)
	}

	if observed == rec.Status {
		if rec.PollFailures == 0 {
			return false, nil
		}
		// service is reachable again; clear the streak
		rec.PollFailures = 0
		tx, err := c.Repo.DB.Begin()
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
		if err := c.Repo.UpdateHandoffTx(ctx, tx, rec); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	if !rec.Status.CanAdvanceTo(observed) {
		c.Log.Error("execution service reported a backward task state",
			zap.String("task_id", rec.TaskID()),
			zap.String("recorded", string(rec.Status)),
			zap.String("observed", string(observed)))
		return false, nil
	}

	now := c.Now()
	rec.Status = observed
	rec.PollFailures = 0
	if observed.IsTerminal() {
		completed := domain.Timestamp(now)
		rec.CompletedAt = &completed
		rec.Result = result
		if observed == domain.HandoffFailed && rec.Result == nil {
			rec.Result = &domain.TaskResult{OK: false, ReasonCode: domain.ReasonWorkerCrash, Message: "service reported failure without a result"}
		}
	}

	mirrored, ok := observed.Mirror()
	if !ok {
		return false, fmt.Errorf("no package status mirrors handoff status %s", observed)
	}

	tx, err := c.Repo.DB.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateHandoffTx(ctx, tx, rec); err != nil {
		return false, err
	}
	if mirrored != pkg.Status {
		if err := c.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, mirrored, pkg.ValidationLevel, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
			return false, err
		}
		reason := fmt.Sprintf("execution service reports %s", observed)
		meta := ledger.Metadata{"handoff_id": rec.HandoffID, "task_id": rec.TaskID()}
		if rec.Result != nil && !rec.Result.OK {
			reason = fmt.Sprintf("%s: %s", rec.Result.ReasonCode, rec.Result.Message)
			meta["reason_code"] = rec.Result.ReasonCode
			if len(rec.Result.FailedItems) > 0 {
				meta["failed_items"] = rec.Result.FailedItems
			}
		}
		if err := c.Ledger.Append(ctx, tx, pkg.PackageID, pkg.Status, mirrored, domain.ActorLoop, reason, meta); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (c Coordinator) recordPollFailure(ctx context.Context, pkg domain.Package, rec domain.HandoffRecord, pollErr error) (bool, error) {
	rec.PollFailures++
	limit := c.Config.Execution.PollFailureLimit
	if rec.PollFailures < limit {
		c.Log.Warn("poll failed",
			zap.String("task_id", rec.TaskID()),
			zap.Int("failures", rec.PollFailures),
			zap.Int("limit", limit),
			zap.Error(pollErr))
		tx, err := c.Repo.DB.Begin()
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
		if err := c.Repo.UpdateHandoffTx(ctx, tx, rec); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}

	// the streak is over the limit: fail the handoff with a synthesized
	// timeout so the normal recovery path takes it from here
	now := c.Now()
	completed := domain.Timestamp(now)
	rec.Status = domain.HandoffFailed
	rec.CompletedAt = &completed
	rec.Result = &domain.TaskResult{
		OK:         false,
		ReasonCode: domain.ReasonTimeout,
		Message:    fmt.Sprintf("unreachable for %d consecutive polls: %v", rec.PollFailures, pollErr),
	}

	tx, err := c.Repo.DB.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateHandoffTx(ctx, tx, rec); err != nil {
		return false, err
	}
	if err := c.Repo.UpdatePackageStateTx(ctx, tx, pkg.PackageID, domain.StatusFailed, pkg.ValidationLevel, domain.PreciseTimestamp(now), pkg.UpdatedAt); err != nil {
		return false, err
	}
	err = c.Ledger.Append(ctx, tx, pkg.PackageID, pkg.Status, domain.StatusFailed, domain.ActorLoop,
		fmt.Sprintf("%s: %s", domain.ReasonTimeout, rec.Result.Message),
		ledger.Metadata{"handoff_id": rec.HandoffID, "reason_code": domain.ReasonTimeout})
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}
