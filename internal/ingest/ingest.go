package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"targetline/internal/domain"
	"targetline/internal/repo"
)

// ArtifactClass decides which evidence store an output belongs in.
type ArtifactClass string

const (
	ClassMedia      ArtifactClass = "media"
	ClassDocument   ArtifactClass = "document"
	ClassStructured ArtifactClass = "structured"
)

// Classify routes an output descriptor by its file extension. Unrecognized
// extensions fall back to the document store.
func Classify(descriptor string) ArtifactClass {
	switch strings.ToLower(filepath.Ext(descriptor)) {
	case ".mp4", ".mp3", ".wav", ".capture", ".png", ".jpg":
		return ClassMedia
	case ".json", ".jsonl", ".csv":
		return ClassStructured
	default:
		return ClassDocument
	}
}

// EvidenceRepository is the destination for collected outputs. Each method
// moves a staged artifact into durable storage and returns its stored path.
type EvidenceRepository interface {
	IngestMedia(ctx context.Context, targetID, descriptor, stagedPath string) (string, error)
	IngestDocument(ctx context.Context, targetID, descriptor, stagedPath string) (string, error)
	IngestRecord(ctx context.Context, targetID, descriptor, stagedPath string) (string, error)
}

const (
	KindMissing = "missing"
	KindInvalid = "invalid"
	KindBackend = "backend_error"
)

// IngestionError reports why a single output could not be ingested.
type IngestionError struct {
	Kind       string
	Descriptor string
	Reason     string
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %s: %s (%s)", e.Descriptor, e.Reason, e.Kind)
}

// Report sums up one ingestion pass over a package's expected outputs.
type Report struct {
	Ingested []string
	Missing  []string
	Invalid  []string
}

// Clean reports whether every expected output was ingested.
func (r Report) Clean() bool {
	return len(r.Missing) == 0 && len(r.Invalid) == 0
}

// Ingestor moves a completed package's outputs from the staging area into
// the evidence repository and keeps the output manifest current. Manifest
// rows are committed per output so a crash mid-pass loses at most one.
type Ingestor struct {
	Repo     repo.Repo
	Evidence EvidenceRepository
	Staging  string
	Now      func() time.Time
	Log      *zap.Logger
}

func (i Ingestor) stagedPath(descriptor string) string {
	return filepath.Join(i.Staging, filepath.FromSlash(descriptor))
}

// Exists reports whether an output is present in the staging area.
func (i Ingestor) Exists(descriptor string) bool {
	info, err := os.Stat(i.stagedPath(descriptor))
	return err == nil && !info.IsDir()
}

// IngestOutputs processes the expected outputs of pkg that the manifest
// does not already hold as valid, so repeated passes only touch what is
// still outstanding. Missing and malformed outputs are recorded in the
// manifest and reported; an evidence backend failure aborts the pass with
// no manifest row for that output, so the next pass retries it without
// touching the retry budget.
func (i Ingestor) IngestOutputs(ctx context.Context, pkg domain.Package) (Report, error) {
	var report Report
	existing, err := i.Repo.ListManifest(ctx, pkg.PackageID)
	if err != nil {
		return report, err
	}
	settled := make(map[string]bool, len(existing))
	for _, e := range existing {
		if e.ValidationStatus == domain.ManifestValid {
			settled[e.ExpectedOutput] = true
		}
	}
	for _, eo := range pkg.ExpectedOutputs {
		if settled[eo.Descriptor] {
			continue
		}
		staged := i.stagedPath(eo.Descriptor)
		info, err := os.Stat(staged)
		if err != nil || info.IsDir() {
			report.Missing = append(report.Missing, eo.Descriptor)
			if err := i.writeManifest(ctx, pkg.PackageID, eo, nil, domain.ManifestMissing, "not found in staging area"); err != nil {
				return report, err
			}
			continue
		}

		class := Classify(eo.Descriptor)
		if reason := checkFormat(class, staged, info.Size()); reason != "" {
			report.Invalid = append(report.Invalid, eo.Descriptor)
			if err := i.writeManifest(ctx, pkg.PackageID, eo, nil, domain.ManifestInvalid, reason); err != nil {
				return report, err
			}
			continue
		}

		stored, err := i.store(ctx, class, pkg.TargetID, eo.Descriptor, staged)
		if err != nil {
			i.Log.Warn("evidence backend refused output",
				zap.String("package_id", pkg.PackageID),
				zap.String("descriptor", eo.Descriptor),
				zap.Error(err))
			return report, &IngestionError{Kind: KindBackend, Descriptor: eo.Descriptor, Reason: err.Error()}
		}
		report.Ingested = append(report.Ingested, eo.Descriptor)
		if err := i.writeManifest(ctx, pkg.PackageID, eo, &stored, domain.ManifestValid, ""); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (i Ingestor) store(ctx context.Context, class ArtifactClass, targetID, descriptor, staged string) (string, error) {
	switch class {
	case ClassMedia:
		return i.Evidence.IngestMedia(ctx, targetID, descriptor, staged)
	case ClassStructured:
		return i.Evidence.IngestRecord(ctx, targetID, descriptor, staged)
	default:
		return i.Evidence.IngestDocument(ctx, targetID, descriptor, staged)
	}
}

func (i Ingestor) writeManifest(ctx context.Context, packageID string, eo domain.ExpectedOutput, stored *string, status domain.ManifestStatus, reason string) error {
	tx, err := i.Repo.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = i.Repo.UpsertManifestEntryTx(ctx, tx, domain.OutputManifestEntry{
		PackageID:        packageID,
		ExpectedOutput:   eo.Descriptor,
		SourceItem:       eo.SourceItem,
		ActualOutput:     stored,
		ValidationStatus: status,
		Reason:           reason,
		UpdatedAt:        domain.Timestamp(i.Now()),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// checkFormat returns a rejection reason, or "" when the artifact is sound.
func checkFormat(class ArtifactClass, path string, size int64) string {
	if size == 0 {
		return "file is empty"
	}
	if class != ClassStructured {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("unreadable: %v", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if !json.Valid(data) {
			return "not valid JSON"
		}
	case ".jsonl":
		for n, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			if !json.Valid(line) {
				return fmt.Sprintf("line %d is not valid JSON", n+1)
			}
		}
	case ".csv":
		if _, err := csv.NewReader(bytes.NewReader(data)).ReadAll(); err != nil {
			return fmt.Sprintf("not valid CSV: %v", err)
		}
	}
	return ""
}
