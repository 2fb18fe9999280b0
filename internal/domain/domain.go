package domain

import (
	"fmt"
	"time"
)

// Timestamp formats t for storage at second precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// PreciseTimestamp keeps all nine nanosecond digits so that lexical order
// equals chronological order. Used for updated_at guards and ledger rows.
func PreciseTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// TargetKind classifies what a collection target is.
type TargetKind string

const (
	TargetPerson       TargetKind = "person"
	TargetOrganization TargetKind = "organization"
	TargetEvent        TargetKind = "event"
	TargetLocation     TargetKind = "location"
	TargetTechnology   TargetKind = "technology"
	TargetOperation    TargetKind = "operation"
)

func (k TargetKind) Valid() bool {
	switch k {
	case TargetPerson, TargetOrganization, TargetEvent, TargetLocation, TargetTechnology, TargetOperation:
		return true
	}
	return false
}

// TargetStatus tracks where a target sits in its research lifecycle.
type TargetStatus string

const (
	TargetStatusNew           TargetStatus = "new"
	TargetStatusUnderResearch TargetStatus = "under_research"
	TargetStatusCovered       TargetStatus = "covered"
	TargetStatusArchived      TargetStatus = "archived"
)

func (s TargetStatus) Valid() bool {
	switch s {
	case TargetStatusNew, TargetStatusUnderResearch, TargetStatusCovered, TargetStatusArchived:
		return true
	}
	return false
}

func (s TargetStatus) CanTransitionTo(t TargetStatus) bool {
	if t == TargetStatusArchived {
		return s != TargetStatusArchived
	}
	switch s {
	case TargetStatusNew:
		return t == TargetStatusUnderResearch
	case TargetStatusUnderResearch:
		return t == TargetStatusCovered
	case TargetStatusCovered:
		return t == TargetStatusUnderResearch
	}
	return false
}

// PackageKind describes the shape of a collection plan.
type PackageKind string

const (
	PackageSingleSource PackageKind = "single-source"
	PackageDocument     PackageKind = "document"
	PackageComposite    PackageKind = "composite"
)

func (k PackageKind) Valid() bool {
	switch k {
	case PackageSingleSource, PackageDocument, PackageComposite:
		return true
	}
	return false
}

// PackageStatus is the package lifecycle state. Statuses between submitted
// and completed mirror the execution service and may be observed out of
// order by polling, so forward jumps inside that segment are legal.
type PackageStatus string

const (
	StatusDraft           PackageStatus = "draft"
	StatusReady           PackageStatus = "ready"
	StatusSubmitted       PackageStatus = "submitted"
	StatusAccepted        PackageStatus = "accepted"
	StatusQueued          PackageStatus = "queued"
	StatusRunning         PackageStatus = "running"
	StatusCompleted       PackageStatus = "completed"
	StatusOutputsIngested PackageStatus = "outputs_ingested"
	StatusValidated       PackageStatus = "validated"
	StatusClosed          PackageStatus = "closed"
	StatusFailed          PackageStatus = "failed"
)

func (s PackageStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusReady, StatusSubmitted, StatusAccepted, StatusQueued,
		StatusRunning, StatusCompleted, StatusOutputsIngested, StatusValidated,
		StatusClosed, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible. A failed
// package is parked, not terminal: the replanner may reset it to ready.
func (s PackageStatus) IsTerminal() bool {
	return s == StatusClosed
}

// IsActive reports whether the package still occupies its target's active
// slot. At most one active package may exist per target.
func (s PackageStatus) IsActive() bool {
	return s != StatusClosed && s != StatusFailed
}

func (s PackageStatus) CanTransitionTo(t PackageStatus) bool {
	if s == t {
		return false
	}
	if t == StatusFailed {
		return s != StatusClosed && s != StatusFailed
	}
	switch s {
	case StatusDraft:
		return t == StatusReady
	case StatusReady:
		return t == StatusSubmitted
	case StatusSubmitted:
		return t == StatusAccepted || t == StatusQueued || t == StatusRunning || t == StatusCompleted
	case StatusAccepted:
		return t == StatusQueued || t == StatusRunning || t == StatusCompleted
	case StatusQueued:
		return t == StatusRunning || t == StatusCompleted
	case StatusRunning:
		return t == StatusCompleted
	case StatusCompleted:
		return t == StatusOutputsIngested
	case StatusOutputsIngested:
		return t == StatusValidated
	case StatusValidated:
		return t == StatusClosed
	case StatusFailed:
		return t == StatusReady
	}
	return false
}

// ValidationLevel is the highest tier a package has passed. It only ever
// moves up, one step at a time.
type ValidationLevel string

const (
	LevelNone ValidationLevel = "none"
	LevelV0   ValidationLevel = "V0"
	LevelV1   ValidationLevel = "V1"
	LevelV2   ValidationLevel = "V2"
)

func (v ValidationLevel) Valid() bool {
	switch v {
	case LevelNone, LevelV0, LevelV1, LevelV2:
		return true
	}
	return false
}

func (v ValidationLevel) Rank() int {
	switch v {
	case LevelV0:
		return 1
	case LevelV1:
		return 2
	case LevelV2:
		return 3
	}
	return 0
}

func (v ValidationLevel) CanAdvanceTo(t ValidationLevel) bool {
	return t.Rank() == v.Rank()+1
}

// HandoffStatus mirrors the execution service's task state. Forward jumps
// are legal (a poll may observe the service several stages ahead); backward
// moves never are.
type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffAccepted  HandoffStatus = "accepted"
	HandoffQueued    HandoffStatus = "queued"
	HandoffRunning   HandoffStatus = "running"
	HandoffCompleted HandoffStatus = "completed"
	HandoffFailed    HandoffStatus = "failed"
)

func (s HandoffStatus) Valid() bool {
	switch s {
	case HandoffPending, HandoffAccepted, HandoffQueued, HandoffRunning, HandoffCompleted, HandoffFailed:
		return true
	}
	return false
}

func (s HandoffStatus) IsTerminal() bool {
	return s == HandoffCompleted || s == HandoffFailed
}

func (s HandoffStatus) rank() int {
	switch s {
	case HandoffPending:
		return 0
	case HandoffAccepted:
		return 1
	case HandoffQueued:
		return 2
	case HandoffRunning:
		return 3
	case HandoffCompleted:
		return 4
	}
	return -1
}

func (s HandoffStatus) CanAdvanceTo(t HandoffStatus) bool {
	if s.IsTerminal() || s == t {
		return false
	}
	if t == HandoffFailed {
		return true
	}
	return t.rank() > s.rank()
}

// Mirror maps an observed handoff status onto the package status that
// reflects it. The mapping is total over valid handoff statuses.
func (s HandoffStatus) Mirror() (PackageStatus, bool) {
	switch s {
	case HandoffPending:
		return StatusSubmitted, true
	case HandoffAccepted:
		return StatusAccepted, true
	case HandoffQueued:
		return StatusQueued, true
	case HandoffRunning:
		return StatusRunning, true
	case HandoffCompleted:
		return StatusCompleted, true
	case HandoffFailed:
		return StatusFailed, true
	}
	return "", false
}

// ManifestStatus is the per-artifact verdict in the output manifest.
type ManifestStatus string

const (
	ManifestMissing ManifestStatus = "missing"
	ManifestInvalid ManifestStatus = "invalid"
	ManifestValid   ManifestStatus = "valid"
)

// Reason codes carried on failure results and ledger metadata.
const (
	ReasonResourceUnavailable = "resource_unavailable"
	ReasonInvalidTask         = "invalid_task"
	ReasonTimeout             = "timeout"
	ReasonWorkerCrash         = "worker_crash"
	ReasonUnreachableSource   = "unreachable_source"
	ReasonMalformedPlan       = "malformed_plan"
	ReasonMissingOutputs      = "missing_outputs"
	ReasonIngestExhausted     = "ingest_exhausted"
)

// TaskTypeCollection is the only task type the execution service accepts
// from this tool.
const TaskTypeCollection = "collection"

// ActorLoop is the ledger actor recorded for transitions the reconciliation
// loop makes on its own.
const ActorLoop = "loop"

type Target struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      TargetKind        `json:"kind" enum:"person,organization,event,location,technology,operation"`
	Priority  int               `json:"priority"`
	Status    TargetStatus      `json:"status" enum:"new,under_research,covered,archived"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

// ExpectedOutput names one artifact a package should produce and the
// collection item it derives from. One item may fan out into several
// outputs (a raw capture plus a derived transcript, say).
type ExpectedOutput struct {
	Descriptor string `json:"descriptor"`
	SourceItem string `json:"source_item"`
}

type Package struct {
	PackageID       string           `json:"package_id"`
	TargetID        string           `json:"target_id"`
	Version         int              `json:"version"`
	Kind            PackageKind      `json:"kind" enum:"single-source,document,composite"`
	Status          PackageStatus    `json:"status" enum:"draft,ready,submitted,accepted,queued,running,completed,outputs_ingested,validated,closed,failed"`
	PlanSummary     string           `json:"plan_summary,omitempty"`
	CollectionItems []string         `json:"collection_items"`
	ExpectedOutputs []ExpectedOutput `json:"expected_outputs"`
	ValidationLevel ValidationLevel  `json:"validation_level" enum:"none,V0,V1,V2"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
	UpdatedAt       string           `json:"updated_at" format:"date-time"`
}

// OutputDescriptors flattens the expected outputs to their descriptors, in
// plan order.
func (p Package) OutputDescriptors() []string {
	out := make([]string, 0, len(p.ExpectedOutputs))
	for _, eo := range p.ExpectedOutputs {
		out = append(out, eo.Descriptor)
	}
	return out
}

type ResourceRequirements struct {
	MemoryEstimateMB int64 `json:"memory_estimate"`
	CPUIntensive     bool  `json:"cpu_intensive"`
	ThermalSensitive bool  `json:"thermal_sensitive"`
}

// TaskDefinition is the wire format submitted to the execution service.
type TaskDefinition struct {
	TaskID               string               `json:"task_id"`
	TaskType             string               `json:"task_type"`
	PackageID            string               `json:"package_id"`
	CollectionItems      []string             `json:"collection_items"`
	ExpectedOutputs      []string             `json:"expected_outputs"`
	ResourceRequirements ResourceRequirements `json:"resource_requirements"`
	Priority             int                  `json:"priority"`
}

// TaskResult is the execution service's terminal report for a task.
type TaskResult struct {
	OK              bool     `json:"ok"`
	ReasonCode      string   `json:"reason_code,omitempty"`
	Message         string   `json:"message,omitempty"`
	FailedItems     []string `json:"failed_items,omitempty"`
	OutputsProduced []string `json:"outputs_produced,omitempty"`
}

type HandoffRecord struct {
	HandoffID    string         `json:"handoff_id"`
	PackageID    string         `json:"package_id"`
	Attempt      int            `json:"attempt"`
	Definition   TaskDefinition `json:"task_definition"`
	Status       HandoffStatus  `json:"status" enum:"pending,accepted,queued,running,completed,failed"`
	PollFailures int            `json:"poll_failures"`
	SubmittedAt  string         `json:"submitted_at" format:"date-time"`
	CompletedAt  *string        `json:"completed_at,omitempty" format:"date-time"`
	Result       *TaskResult    `json:"result,omitempty"`
}

// TaskID derives the globally unique task identifier for this attempt.
func (h HandoffRecord) TaskID() string {
	return TaskID(h.PackageID, h.Attempt)
}

// TaskID builds an execution-service task id from a package id and a
// handoff attempt number. Resubmitting attempt N reuses the same id, which
// is what makes submission idempotent on the service side.
func TaskID(packageID string, attempt int) string {
	return fmt.Sprintf("%s@%d", packageID, attempt)
}

// StatusHistoryEntry is one row of the append-only ledger. Entries with
// FromStatus == ToStatus annotate a package without moving it (validation
// level advancement, ingestion retries).
type StatusHistoryEntry struct {
	ID           int64         `json:"id"`
	PackageID    string        `json:"package_id"`
	FromStatus   PackageStatus `json:"from_status"`
	ToStatus     PackageStatus `json:"to_status"`
	TS           string        `json:"ts" format:"date-time"`
	Actor        string        `json:"actor"`
	Reason       string        `json:"reason,omitempty"`
	MetadataJSON string        `json:"metadata_json,omitempty"`
}

type OutputManifestEntry struct {
	PackageID        string         `json:"package_id"`
	ExpectedOutput   string         `json:"expected_output"`
	SourceItem       string         `json:"source_item"`
	ActualOutput     *string        `json:"actual_output,omitempty"`
	ValidationStatus ManifestStatus `json:"validation_status" enum:"missing,invalid,valid"`
	Reason           string         `json:"reason,omitempty"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}
