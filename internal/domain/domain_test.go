package domain_test

import (
	"testing"

	"targetline/internal/domain"
)

func TestPackageStatusHappyChain(t *testing.T) {
	chain := []domain.PackageStatus{
		domain.StatusDraft, domain.StatusReady, domain.StatusSubmitted,
		domain.StatusAccepted, domain.StatusQueued, domain.StatusRunning,
		domain.StatusCompleted, domain.StatusOutputsIngested,
		domain.StatusValidated, domain.StatusClosed,
	}
	for i := 0; i < len(chain)-1; i++ {
		if !chain[i].CanTransitionTo(chain[i+1]) {
			t.Fatalf("%s -> %s should be legal", chain[i], chain[i+1])
		}
	}
}

func TestPackageStatusForwardJumps(t *testing.T) {
	// a poll may observe the service several stages ahead
	if !domain.StatusSubmitted.CanTransitionTo(domain.StatusRunning) {
		t.Fatalf("submitted -> running should be legal")
	}
	if !domain.StatusAccepted.CanTransitionTo(domain.StatusCompleted) {
		t.Fatalf("accepted -> completed should be legal")
	}
	// but never backward, and never skipping out of the submission segment
	if domain.StatusRunning.CanTransitionTo(domain.StatusQueued) {
		t.Fatalf("running -> queued should be illegal")
	}
	if domain.StatusSubmitted.CanTransitionTo(domain.StatusOutputsIngested) {
		t.Fatalf("submitted -> outputs_ingested should be illegal")
	}
	if domain.StatusDraft.CanTransitionTo(domain.StatusSubmitted) {
		t.Fatalf("draft -> submitted should be illegal")
	}
}

func TestFailedReachableFromAnyNonTerminal(t *testing.T) {
	nonTerminal := []domain.PackageStatus{
		domain.StatusDraft, domain.StatusReady, domain.StatusSubmitted,
		domain.StatusAccepted, domain.StatusQueued, domain.StatusRunning,
		domain.StatusCompleted, domain.StatusOutputsIngested, domain.StatusValidated,
	}
	for _, s := range nonTerminal {
		if !s.CanTransitionTo(domain.StatusFailed) {
			t.Fatalf("%s -> failed should be legal", s)
		}
	}
	if domain.StatusClosed.CanTransitionTo(domain.StatusFailed) {
		t.Fatalf("closed is terminal")
	}
	if !domain.StatusFailed.CanTransitionTo(domain.StatusReady) {
		t.Fatalf("failed -> ready is the transient recovery edge")
	}
	if domain.StatusFailed.CanTransitionTo(domain.StatusSubmitted) {
		t.Fatalf("failed may only recover to ready")
	}
}

func TestClosedIsTerminal(t *testing.T) {
	all := []domain.PackageStatus{
		domain.StatusDraft, domain.StatusReady, domain.StatusSubmitted,
		domain.StatusAccepted, domain.StatusQueued, domain.StatusRunning,
		domain.StatusCompleted, domain.StatusOutputsIngested,
		domain.StatusValidated, domain.StatusClosed, domain.StatusFailed,
	}
	for _, to := range all {
		if domain.StatusClosed.CanTransitionTo(to) {
			t.Fatalf("closed -> %s should be illegal", to)
		}
	}
	if !domain.StatusClosed.IsTerminal() {
		t.Fatalf("closed should be terminal")
	}
	if domain.StatusFailed.IsTerminal() {
		t.Fatalf("failed is parked, not terminal")
	}
	if domain.StatusFailed.IsActive() || domain.StatusClosed.IsActive() {
		t.Fatalf("failed and closed do not hold the active slot")
	}
}

func TestValidationLevelSingleStep(t *testing.T) {
	if !domain.LevelNone.CanAdvanceTo(domain.LevelV0) {
		t.Fatalf("none -> V0 should be legal")
	}
	if !domain.LevelV0.CanAdvanceTo(domain.LevelV1) {
		t.Fatalf("V0 -> V1 should be legal")
	}
	if !domain.LevelV1.CanAdvanceTo(domain.LevelV2) {
		t.Fatalf("V1 -> V2 should be legal")
	}
	if domain.LevelNone.CanAdvanceTo(domain.LevelV1) {
		t.Fatalf("levels may not skip")
	}
	if domain.LevelV1.CanAdvanceTo(domain.LevelV0) {
		t.Fatalf("levels may not regress")
	}
	if domain.LevelV2.CanAdvanceTo(domain.LevelV2) {
		t.Fatalf("V2 is the top")
	}
}

func TestHandoffMirrorTotal(t *testing.T) {
	statuses := []domain.HandoffStatus{
		domain.HandoffPending, domain.HandoffAccepted, domain.HandoffQueued,
		domain.HandoffRunning, domain.HandoffCompleted, domain.HandoffFailed,
	}
	for _, s := range statuses {
		if _, ok := s.Mirror(); !ok {
			t.Fatalf("mirror undefined for %s", s)
		}
	}
	if got, _ := domain.HandoffPending.Mirror(); got != domain.StatusSubmitted {
		t.Fatalf("pending should mirror to submitted, got %s", got)
	}
	if got, _ := domain.HandoffFailed.Mirror(); got != domain.StatusFailed {
		t.Fatalf("failed should mirror to failed, got %s", got)
	}
}

func TestHandoffForwardOnly(t *testing.T) {
	if !domain.HandoffPending.CanAdvanceTo(domain.HandoffRunning) {
		t.Fatalf("pending -> running should be legal")
	}
	if domain.HandoffRunning.CanAdvanceTo(domain.HandoffQueued) {
		t.Fatalf("running -> queued should be illegal")
	}
	if domain.HandoffCompleted.CanAdvanceTo(domain.HandoffFailed) {
		t.Fatalf("completed is terminal")
	}
	if !domain.HandoffQueued.CanAdvanceTo(domain.HandoffFailed) {
		t.Fatalf("queued -> failed should be legal")
	}
}

func TestTaskID(t *testing.T) {
	rec := domain.HandoffRecord{PackageID: "pkg-1", Attempt: 2}
	if rec.TaskID() != "pkg-1@2" {
		t.Fatalf("unexpected task id %q", rec.TaskID())
	}
	if domain.TaskID("pkg-1", 2) != rec.TaskID() {
		t.Fatalf("task id must be stable per attempt")
	}
}
