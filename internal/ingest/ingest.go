// Package ingest accepts anonymous document uploads into the temporary
// namespace, from which a signed-in owner later claims them.
package ingest

import (
	"context"
	"io"
)

// UploadResult is the outcome of one upload.
type UploadResult struct {
	SourcePath  string `json:"sourcePath,omitempty"`
	TempKey     string `json:"tempKey"`
	ContentHash string `json:"contentHash"`
	Size        int64  `json:"size"`
	Err         string `json:"error,omitempty"`
}

// DirStats summarizes a directory upload.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Failed    uint32
}

// Ingestor is the behavior the HTTP and CLI surfaces depend on.
type Ingestor interface {
	// Upload stores one document read from r.
	Upload(ctx context.Context, filename string, r io.Reader) (UploadResult, error)
	// IngestPath uploads a single local file.
	IngestPath(ctx context.Context, path string) (UploadResult, error)
	// IngestDirectory uploads all matching files under root.
	IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]UploadResult, DirStats, error)
}
