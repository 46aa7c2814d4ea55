package ingest

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/resume-pipeline/constants"
	"github.com/joseph-ayodele/resume-pipeline/internal/blob"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/testutil"
)

func TestUpload_StoresUnderTemp(t *testing.T) {
	blobs := blob.NewMemoryStore()
	ing := NewBlobIngestor(blobs, 1024, testutil.Logger())
	doc := testutil.PDF("resume")

	res, err := ing.Upload(context.Background(), "CV.PDF", bytes.NewReader(doc))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.TempKey, constants.TempPrefix))
	assert.True(t, strings.HasSuffix(res.TempKey, ".pdf"))
	assert.Equal(t, testutil.Hash(doc), res.ContentHash)
	assert.Equal(t, int64(len(doc)), res.Size)

	stored, err := blobs.Get(context.Background(), res.TempKey)
	require.NoError(t, err)
	assert.Equal(t, doc, stored)
}

func TestUpload_Rejects(t *testing.T) {
	blobs := blob.NewMemoryStore()
	ing := NewBlobIngestor(blobs, 64, testutil.Logger())
	ctx := context.Background()

	tests := []struct {
		name     string
		filename string
		body     []byte
		status   int
	}{
		{"extension", "cv.docx", testutil.PDF("x"), http.StatusBadRequest},
		{"no extension", "cv", testutil.PDF("x"), http.StatusBadRequest},
		{"magic", "cv.pdf", []byte("not a pdf"), http.StatusBadRequest},
		{"size", "cv.pdf", testutil.PDF(strings.Repeat("a", 100)), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := ing.Upload(ctx, tt.filename, bytes.NewReader(tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.status, common.HTTPStatus(err))
		})
	}
	assert.Empty(t, blobs.Keys(constants.TempPrefix))
}

func TestIngestDirectory(t *testing.T) {
	root := t.TempDir()
	write := func(rel string, data []byte) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
	write("a.pdf", testutil.PDF("a"))
	write("nested/b.pdf", testutil.PDF("b"))
	write("notes.txt", []byte("skip"))
	write("broken.pdf", []byte("nope"))
	write(".hidden/c.pdf", testutil.PDF("c"))

	blobs := blob.NewMemoryStore()
	ing := NewBlobIngestor(blobs, 0, testutil.Logger())
	results, stats, err := ing.IngestDirectory(context.Background(), root, true)
	require.NoError(t, err)

	assert.Equal(t, uint32(3), stats.Matched)
	assert.Equal(t, uint32(2), stats.Succeeded)
	assert.Equal(t, uint32(1), stats.Failed)
	assert.Len(t, results, 3)
	assert.Len(t, blobs.Keys(constants.TempPrefix), 2)

	_, _, err = ing.IngestDirectory(context.Background(), " ", true)
	assert.Error(t, err)
}

func TestStartWatcher(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing.pdf")
	require.NoError(t, os.WriteFile(existing, testutil.PDF("x"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, err := StartWatcher(ctx, WatchConfig{
		Roots:       []string{root},
		InitialScan: true,
		Debounce:    20 * time.Millisecond,
		Logger:      testutil.Logger(),
	})
	require.NoError(t, err)

	next := func() string {
		select {
		case p := <-events:
			return p
		case <-time.After(3 * time.Second):
			t.Fatal("no watcher event")
			return ""
		}
	}
	assert.Equal(t, existing, next())

	fresh := filepath.Join(root, "fresh.pdf")
	require.NoError(t, os.WriteFile(filepath.Join(root, "ignored.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, testutil.PDF("y"), 0o644))
	assert.Equal(t, fresh, next())

	cancel()
	for range events {
	}
}

func TestStartWatcher_NoRoots(t *testing.T) {
	_, _, err := StartWatcher(context.Background(), WatchConfig{})
	assert.Error(t, err)
}
