// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Store is a migrated in-memory SQLite database with its repositories.
type Store struct {
	DB    *repository.DB
	Jobs  repository.JobRepository
	Views repository.PublishedViewRepository
	Clock *Clock
}

func NewStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	logger := Logger()
	db, err := repository.OpenSQLite(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(logger) })
	require.NoError(t, repository.Migrate(ctx, db, logger))

	clock := NewClock()
	db.SetClock(clock.Now)
	return &Store{
		DB:    db,
		Jobs:  repository.NewJobRepository(db, logger),
		Views: repository.NewPublishedViewRepository(db, logger),
		Clock: clock,
	}
}

// PDF returns a tiny document body that passes the magic check.
func PDF(body string) []byte {
	return []byte("%PDF-1.7\n" + body)
}

func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
