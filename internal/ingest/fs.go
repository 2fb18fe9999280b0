package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FS is an EvidenceRepository rooted on the local filesystem, one subtree
// per artifact class. The staged file is copied, not moved, so an aborted
// pass never leaves the staging area short.
type FS struct {
	Root string
}

func (f FS) IngestMedia(ctx context.Context, targetID, descriptor, stagedPath string) (string, error) {
	return f.ingest("media", descriptor, stagedPath)
}

func (f FS) IngestDocument(ctx context.Context, targetID, descriptor, stagedPath string) (string, error) {
	return f.ingest("documents", descriptor, stagedPath)
}

func (f FS) IngestRecord(ctx context.Context, targetID, descriptor, stagedPath string) (string, error) {
	return f.ingest("records", descriptor, stagedPath)
}

func (f FS) ingest(bucket, descriptor, stagedPath string) (string, error) {
	dst := filepath.Join(f.Root, bucket, filepath.FromSlash(descriptor))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("prepare evidence dir: %w", err)
	}
	src, err := os.Open(stagedPath)
	if err != nil {
		return "", fmt.Errorf("open staged output: %w", err)
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create evidence file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("copy output: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("flush evidence file: %w", err)
	}
	return dst, nil
}
