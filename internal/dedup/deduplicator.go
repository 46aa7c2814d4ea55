// Package dedup finds earlier completed parses of the same document.
package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/resume-pipeline/internal/entity"
	"github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

// JobCache memoises completed jobs keyed by owner and content hash.
type JobCache = Cache[string, *entity.Job]

func cacheKey(ownerID, hash string) string {
	return ownerID + "\x00" + hash
}

// Deduplicator looks up completed jobs by (owner, content hash). Completed
// outputs never change, so hits are memoised; misses always go to the store.
type Deduplicator struct {
	jobs   repository.JobRepository
	cache  *JobCache
	logger *slog.Logger
}

// NewDeduplicator wires the store lookup. cache may be nil to disable memoisation.
func NewDeduplicator(jobs repository.JobRepository, cache *JobCache, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{jobs: jobs, cache: cache, logger: logger}
}

// NewJobCache builds a cache suitable for NewDeduplicator.
func NewJobCache(ttl time.Duration) *JobCache {
	return NewCache[string, *entity.Job](ttl)
}

// FindCompletedByHash returns a completed sibling with output, or nil.
func (d *Deduplicator) FindCompletedByHash(ctx context.Context, ownerID, hash, excludeID string) (*entity.Job, error) {
	key := cacheKey(ownerID, hash)
	if d.cache != nil {
		if hit, ok := d.cache.Get(key); ok && hit.ID != excludeID {
			d.logger.Debug("dedup.cache.hit", "owner_id", ownerID, "hash", hash, "source_job_id", hit.ID)
			return hit, nil
		}
	}

	job, err := d.jobs.FindCompletedByHash(ctx, ownerID, hash, excludeID)
	if err != nil {
		return nil, err
	}
	if job == nil || !job.HasOutput() {
		return nil, nil
	}
	if d.cache != nil {
		d.cache.Set(key, job)
	}
	d.logger.Info("dedup.hit", "owner_id", ownerID, "hash", hash, "source_job_id", job.ID)
	return job, nil
}
