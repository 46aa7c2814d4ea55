package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/resume-pipeline/constants"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/entity"
)

const jobsTable = "jobs"

var jobColumns = []string{
	"id", "owner_id", "blob_key", "content_hash", "status",
	"attempt_count", "total_attempts", "last_error", "output", "staged_output",
	"created_at", "updated_at", "completed_at",
}

// Batch is applied atomically by JobRepository.Commit: every job update and
// every view upsert lands, or none does.
type Batch struct {
	Jobs  []*JobUpdate
	Views []*entity.PublishedView
}

type JobRepository interface {
	Get(ctx context.Context, id string) (*entity.Job, error)
	Create(ctx context.Context, job *entity.Job) error
	Update(ctx context.Context, u *JobUpdate) error
	Commit(ctx context.Context, b Batch) error

	// FindCompletedByHash returns the newest completed job with output for
	// (ownerID, hash), ignoring excludeID. nil when there is none.
	FindCompletedByHash(ctx context.Context, ownerID, hash, excludeID string) (*entity.Job, error)
	// FindInFlightByHash returns a processing sibling touched at or after since.
	FindInFlightByHash(ctx context.Context, ownerID, hash, excludeID string, since time.Time) (*entity.Job, error)
	// ListWaitingByHash returns jobs parked in waiting_for_cache on hash.
	ListWaitingByHash(ctx context.Context, hash, excludeID string) ([]*entity.Job, error)
	CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*entity.Job, error)
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

func (r *jobRepo) selectJobs() *entsql.Selector {
	b := r.db.builder()
	return b.Select(jobColumns...).From(b.Table(jobsTable))
}

func (r *jobRepo) Get(ctx context.Context, id string) (*entity.Job, error) {
	job, err := r.queryOne(ctx, r.selectJobs().Where(entsql.EQ("id", id)))
	if err != nil {
		r.log.Error("job get failed", "job_id", id, "err", err)
		return nil, err
	}
	if job == nil {
		return nil, common.ErrNotFound
	}
	return job, nil
}

func (r *jobRepo) Create(ctx context.Context, job *entity.Job) error {
	now := r.db.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = constants.JobStatusPendingClaim
	}
	q, args := r.db.builder().Insert(jobsTable).
		Columns("id", "owner_id", "blob_key", "content_hash", "status",
			"attempt_count", "total_attempts", "created_at", "updated_at").
		Values(job.ID, job.OwnerID, job.BlobKey, job.ContentHash, string(job.Status),
			job.AttemptCount, job.TotalAttempts, job.CreatedAt.UTC(), job.UpdatedAt).
		OnConflict(entsql.ConflictColumns("id"), entsql.DoNothing()).
		Query()

	var res sql.Result
	if err := r.db.drv.Exec(ctx, q, args, &res); err != nil {
		r.log.Error("job create failed", "job_id", job.ID, "owner_id", job.OwnerID, "err", err)
		return fmt.Errorf("create job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, common.ErrConflict)
	}
	r.log.Info("job created", "job_id", job.ID, "owner_id", job.OwnerID, "hash", job.ContentHash)
	return nil
}

func (r *jobRepo) Update(ctx context.Context, u *JobUpdate) error {
	if err := r.apply(ctx, r.db.drv, u); err != nil {
		if !errors.Is(err, common.ErrConflict) {
			r.log.Error("job update failed", "job_id", u.ID, "err", err)
		}
		return err
	}
	return nil
}

func (r *jobRepo) apply(ctx context.Context, ex dialect.ExecQuerier, u *JobUpdate) error {
	q, args := u.build(r.db.builder(), r.db.now()).Query()
	var res sql.Result
	if err := ex.Exec(ctx, q, args, &res); err != nil {
		return fmt.Errorf("update job %s: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", u.ID, err)
	}
	if n == 0 {
		if len(u.guard) > 0 {
			return fmt.Errorf("update job %s: %w", u.ID, common.ErrConflict)
		}
		return fmt.Errorf("update job %s: %w", u.ID, common.ErrNotFound)
	}
	return nil
}

func (r *jobRepo) Commit(ctx context.Context, b Batch) (err error) {
	tx, err := r.db.drv.Tx(ctx)
	if err != nil {
		r.log.Error("commit begin failed", "err", err)
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.log.Warn("commit rollback failed", "err", rbErr)
			}
		}
	}()

	for _, u := range b.Jobs {
		if err = r.apply(ctx, tx, u); err != nil {
			r.log.Error("commit job update failed", "job_id", u.ID, "err", err)
			return err
		}
	}
	for _, v := range b.Views {
		if err = upsertView(ctx, tx, r.db, v); err != nil {
			r.log.Error("commit view upsert failed", "owner_id", v.OwnerID, "job_id", v.JobID, "err", err)
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		r.log.Error("commit failed", "err", err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *jobRepo) FindCompletedByHash(ctx context.Context, ownerID, hash, excludeID string) (*entity.Job, error) {
	sel := r.selectJobs().
		Where(entsql.And(
			entsql.EQ("owner_id", ownerID),
			entsql.EQ("content_hash", hash),
			entsql.EQ("status", string(constants.JobStatusCompleted)),
			entsql.NotNull("output"),
			entsql.NEQ("id", excludeID),
		)).
		OrderBy(entsql.Desc("completed_at")).
		Limit(1)
	return r.queryOne(ctx, sel)
}

func (r *jobRepo) FindInFlightByHash(ctx context.Context, ownerID, hash, excludeID string, since time.Time) (*entity.Job, error) {
	sel := r.selectJobs().
		Where(entsql.And(
			entsql.EQ("owner_id", ownerID),
			entsql.EQ("content_hash", hash),
			entsql.EQ("status", string(constants.JobStatusProcessing)),
			entsql.GTE("updated_at", since.UTC()),
			entsql.NEQ("id", excludeID),
		)).
		OrderBy(entsql.Desc("updated_at")).
		Limit(1)
	return r.queryOne(ctx, sel)
}

func (r *jobRepo) ListWaitingByHash(ctx context.Context, hash, excludeID string) ([]*entity.Job, error) {
	sel := r.selectJobs().
		Where(entsql.And(
			entsql.EQ("content_hash", hash),
			entsql.EQ("status", string(constants.JobStatusWaitingForCache)),
			entsql.NEQ("id", excludeID),
		)).
		OrderBy("created_at")
	return r.queryMany(ctx, sel)
}

func (r *jobRepo) CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	b := r.db.builder()
	q, args := b.Select(entsql.Count("*")).
		From(b.Table(jobsTable)).
		Where(entsql.And(
			entsql.EQ("owner_id", ownerID),
			entsql.GTE("created_at", since.UTC()),
		)).
		Query()
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("count jobs: %w", err)
		}
	}
	return n, rows.Err()
}

func (r *jobRepo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*entity.Job, error) {
	sel := r.selectJobs().
		Where(entsql.EQ("owner_id", ownerID)).
		OrderBy(entsql.Desc("created_at"))
	if limit > 0 {
		sel.Limit(limit)
	}
	return r.queryMany(ctx, sel)
}

func (r *jobRepo) queryOne(ctx context.Context, sel *entsql.Selector) (*entity.Job, error) {
	jobs, err := r.queryMany(ctx, sel)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (r *jobRepo) queryMany(ctx context.Context, sel *entsql.Selector) ([]*entity.Job, error) {
	q, args := sel.Query()
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(rows *entsql.Rows) (*entity.Job, error) {
	var (
		j                       entity.Job
		status                  string
		lastErr, output, staged sql.NullString
		completedAt             sql.NullTime
	)
	if err := rows.Scan(
		&j.ID, &j.OwnerID, &j.BlobKey, &j.ContentHash, &status,
		&j.AttemptCount, &j.TotalAttempts, &lastErr, &output, &staged,
		&j.CreatedAt, &j.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	j.Status = constants.JobStatus(status)
	if lastErr.Valid {
		j.LastError = &lastErr.String
	}
	if output.Valid {
		j.Output = []byte(output.String)
	}
	if staged.Valid {
		j.StagedOutput = []byte(staged.String)
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}
