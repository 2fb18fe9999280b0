package validate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"targetline/internal/domain"
)

// ValidationError reports which tier rejected the package and why. Code
// carries the machine-readable reason when one applies.
type ValidationError struct {
	Tier   domain.ValidationLevel
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Tier, e.Reason)
}

func failf(tier domain.ValidationLevel, code, format string, args ...any) *ValidationError {
	return &ValidationError{Tier: tier, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Plan is the V0 check: the package must be a well-formed plan before
// anything is spent executing it. It inspects only the draft itself and its
// target; no external systems are touched.
func Plan(pkg domain.Package, target domain.Target) error {
	if _, err := uuid.Parse(pkg.PackageID); err != nil {
		return failf(domain.LevelV0, domain.ReasonMalformedPlan, "package id %q is not a uuid", pkg.PackageID)
	}
	if pkg.TargetID == "" {
		return failf(domain.LevelV0, domain.ReasonMalformedPlan, "package has no target id")
	}
	if pkg.TargetID != target.ID {
		return failf(domain.LevelV0, domain.ReasonMalformedPlan, "package target %s does not match %s", pkg.TargetID, target.ID)
	}
	if !target.Kind.Valid() {
		return failf(domain.LevelV0, domain.ReasonMalformedPlan, "target kind %q unknown", target.Kind)
	}
	if pkg.Version < 1 {
		return failf(domain.LevelV0, domain.ReasonMalformedPlan, "version %d must be at least 1", pkg.Version)
	}
	if !pkg.Kind.Valid() {
		return failf(domain.LevelV0, domain.ReasonMalformedPlan, "package kind %q unknown", pkg.Kind)
	}
	if len(pkg.CollectionItems) == 0 {
		return failf(domain.LevelV0, domain.ReasonMalformedPlan, "plan has no collection items")
	}
	items := map[string]bool{}
	for _, item := range pkg.CollectionItems {
		if strings.TrimSpace(item) == "" {
			return failf(domain.LevelV0, domain.ReasonMalformedPlan, "plan has an empty collection item")
		}
		if items[item] {
			return failf(domain.LevelV0, domain.ReasonMalformedPlan, "duplicate collection item %q", item)
		}
		items[item] = true
	}
	if len(pkg.ExpectedOutputs) == 0 {
		return failf(domain.LevelV0, domain.ReasonMalformedPlan, "plan has no expected outputs")
	}
	covered := map[string]bool{}
	seen := map[string]bool{}
	for _, out := range pkg.ExpectedOutputs {
		if strings.TrimSpace(out.Descriptor) == "" {
			return failf(domain.LevelV0, domain.ReasonMalformedPlan, "plan has an empty output descriptor")
		}
		if seen[out.Descriptor] {
			return failf(domain.LevelV0, domain.ReasonMalformedPlan, "duplicate expected output %q", out.Descriptor)
		}
		seen[out.Descriptor] = true
		if !items[out.SourceItem] {
			return failf(domain.LevelV0, domain.ReasonMalformedPlan, "output %q references unknown item %q", out.Descriptor, out.SourceItem)
		}
		covered[out.SourceItem] = true
	}
	for _, item := range pkg.CollectionItems {
		if !covered[item] {
			return failf(domain.LevelV0, domain.ReasonMalformedPlan, "item %q has no expected output", item)
		}
	}
	return nil
}

// ExecutionResult is the V1 check, run once a handoff reports completed:
// the service must claim success and at least one promised artifact must
// actually exist where the service stages outputs. outputExists answers for
// one descriptor from the task definition snapshot.
func ExecutionResult(rec domain.HandoffRecord, outputExists func(descriptor string) bool) error {
	if rec.Status != domain.HandoffCompleted {
		return failf(domain.LevelV1, "", "handoff %s is %s, not completed", rec.HandoffID, rec.Status)
	}
	if rec.Result == nil {
		return failf(domain.LevelV1, domain.ReasonWorkerCrash, "handoff %s completed without a result", rec.HandoffID)
	}
	if !rec.Result.OK {
		code := rec.Result.ReasonCode
		if code == "" {
			code = domain.ReasonWorkerCrash
		}
		return failf(domain.LevelV1, code, "execution reported failure: %s", rec.Result.Message)
	}
	for _, descriptor := range rec.Definition.ExpectedOutputs {
		if outputExists(descriptor) {
			return nil
		}
	}
	return failf(domain.LevelV1, domain.ReasonMissingOutputs, "execution claimed success but produced none of %d expected outputs", len(rec.Definition.ExpectedOutputs))
}

// OutputConformance is the V2 check: every expected output must hold a
// valid manifest entry. Packages only reach validated through here.
func OutputConformance(pkg domain.Package, entries []domain.OutputManifestEntry) error {
	if len(entries) == 0 {
		return failf(domain.LevelV2, "", "package %s has no manifest entries", pkg.PackageID)
	}
	byOutput := map[string]domain.OutputManifestEntry{}
	for _, e := range entries {
		byOutput[e.ExpectedOutput] = e
	}
	var bad []string
	for _, out := range pkg.ExpectedOutputs {
		entry, ok := byOutput[out.Descriptor]
		if !ok {
			bad = append(bad, fmt.Sprintf("%s: never ingested", out.Descriptor))
			continue
		}
		if entry.ValidationStatus != domain.ManifestValid {
			bad = append(bad, fmt.Sprintf("%s: %s", out.Descriptor, entry.ValidationStatus))
		}
	}
	if len(bad) > 0 {
		return failf(domain.LevelV2, "", "%d of %d outputs not valid: %s", len(bad), len(pkg.ExpectedOutputs), strings.Join(bad, "; "))
	}
	return nil
}
