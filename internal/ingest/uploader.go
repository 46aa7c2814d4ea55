package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/resume-pipeline/constants"
	"github.com/joseph-ayodele/resume-pipeline/internal/blob"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
)

// BlobIngestor writes uploads to the blob store under temp/.
type BlobIngestor struct {
	blobs    blob.Store
	maxBytes int64
	log      *slog.Logger
}

func NewBlobIngestor(blobs blob.Store, maxBytes int64, logger *slog.Logger) *BlobIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = constants.DefaultMaxUploadBytes
	}
	return &BlobIngestor{blobs: blobs, maxBytes: maxBytes, log: logger}
}

func (i *BlobIngestor) Upload(ctx context.Context, filename string, r io.Reader) (UploadResult, error) {
	var out UploadResult

	ext := constants.NormalizeExt(filepath.Ext(filename))
	if ext == "" || !AllowedExt(ext) {
		return out, common.InvalidArgumentf("unsupported or missing extension: %q", ext)
	}

	// One byte past the limit is enough to tell it is too large.
	data, err := io.ReadAll(io.LimitReader(r, i.maxBytes+1))
	if err != nil {
		return out, common.Internal("could not read upload", err)
	}
	if int64(len(data)) > i.maxBytes {
		return out, common.PayloadTooLarge(fmt.Sprintf("document exceeds %d bytes", i.maxBytes))
	}
	if !bytes.HasPrefix(data, constants.PDFMagic) {
		return out, common.InvalidArgument("document is not a PDF")
	}

	sum := sha256.Sum256(data)
	key := constants.TempPrefix + uuid.NewString() + "." + constants.DocumentExt
	if err := i.blobs.Put(ctx, key, data, constants.DocumentContentType); err != nil {
		i.log.Error("upload store failed", "temp_key", key, "err", err)
		return out, common.Internal("could not store upload", err)
	}

	out = UploadResult{
		TempKey:     key,
		ContentHash: hex.EncodeToString(sum[:]),
		Size:        int64(len(data)),
	}
	i.log.Info("upload stored", "temp_key", key, "hash", out.ContentHash, "size", out.Size)
	return out, nil
}

func (i *BlobIngestor) IngestPath(ctx context.Context, path string) (UploadResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("abs path: %w", err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return UploadResult{}, fmt.Errorf("open: %w", err)
	}
	defer func(f *os.File) {
		if err := f.Close(); err != nil {
			i.log.Warn("close file error", "path", abs, "err", err)
		}
	}(f)

	res, err := i.Upload(ctx, abs, f)
	res.SourcePath = abs
	return res, err
}
