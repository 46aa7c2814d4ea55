package repository

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/resume-pipeline/constants"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/entity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*DB, JobRepository, PublishedViewRepository, *testClock) {
	t.Helper()
	ctx := context.Background()
	logger := discardLogger()
	db, err := OpenSQLite(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(logger) })
	require.NoError(t, Migrate(ctx, db, logger))

	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	db.SetClock(clock.now)
	return db, NewJobRepository(db, logger), NewPublishedViewRepository(db, logger), clock
}

func newJob(owner, hash string) *entity.Job {
	return &entity.Job{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		BlobKey:     "users/" + owner + "/doc.pdf",
		ContentHash: hash,
		Status:      constants.JobStatusPendingClaim,
	}
}

func TestJobRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	_, jobs, _, clock := newTestStore(t)

	job := newJob("owner-1", "abc")
	require.NoError(t, jobs.Create(ctx, job))

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.OwnerID, got.OwnerID)
	assert.Equal(t, constants.JobStatusPendingClaim, got.Status)
	assert.Equal(t, 0, got.TotalAttempts)
	assert.Nil(t, got.LastError)
	assert.False(t, got.HasOutput())
	assert.True(t, got.CreatedAt.Equal(clock.t))

	err = jobs.Create(ctx, job)
	assert.ErrorIs(t, err, common.ErrConflict)

	_, err = jobs.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestJobRepository_UpdateGuard(t *testing.T) {
	ctx := context.Background()
	_, jobs, _, _ := newTestStore(t)
	job := newJob("owner-1", "abc")
	require.NoError(t, jobs.Create(ctx, job))

	err := jobs.Update(ctx, UpdateJob(job.ID).
		SetStatus(constants.JobStatusProcessing).
		IncTotalAttempts().
		SetLastError("boom"))
	require.NoError(t, err)

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusProcessing, got.Status)
	assert.Equal(t, 1, got.TotalAttempts)
	assert.Equal(t, "boom", got.ErrorText())

	err = jobs.Update(ctx, UpdateJob(job.ID).
		WhereStatus(constants.JobStatusFailed).
		SetStatus(constants.JobStatusProcessing).
		IncAttemptCount())
	assert.ErrorIs(t, err, common.ErrConflict)

	err = jobs.Update(ctx, UpdateJob(uuid.NewString()).SetStatus(constants.JobStatusFailed))
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, jobs.Update(ctx, UpdateJob(job.ID).ClearLastError()))
	got, err = jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastError)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestJobRepository_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	db, jobs, views, _ := newTestStore(t)
	job := newJob("owner-1", "abc")
	require.NoError(t, jobs.Create(ctx, job))

	out := json.RawMessage(`{"name":"Ada"}`)
	require.NoError(t, jobs.Commit(ctx, Batch{
		Jobs: []*JobUpdate{UpdateJob(job.ID).
			SetStatus(constants.JobStatusCompleted).
			SetOutput(out).
			ClearStagedOutput().
			MarkCompleted()},
		Views: []*entity.PublishedView{{OwnerID: job.OwnerID, JobID: job.ID, Content: out}},
	}))

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.JSONEq(t, string(out), string(got.Output))
	require.NotNil(t, got.CompletedAt)

	view, err := views.Get(ctx, job.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, view.JobID)
	assert.JSONEq(t, string(out), string(view.Content))

	// Second job: break the view table so the commit fails halfway.
	other := newJob("owner-1", "def")
	require.NoError(t, jobs.Create(ctx, other))
	_, err = db.SQL().ExecContext(ctx, "DROP TABLE published_views")
	require.NoError(t, err)

	err = jobs.Commit(ctx, Batch{
		Jobs:  []*JobUpdate{UpdateJob(other.ID).SetStatus(constants.JobStatusCompleted).SetOutput(out)},
		Views: []*entity.PublishedView{{OwnerID: other.OwnerID, JobID: other.ID, Content: out}},
	})
	require.Error(t, err)

	got, err = jobs.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPendingClaim, got.Status, "job update must roll back with the view")
	assert.False(t, got.HasOutput())
}

func TestJobRepository_CommitGuardRollsBack(t *testing.T) {
	ctx := context.Background()
	_, jobs, views, _ := newTestStore(t)
	a := newJob("owner-1", "abc")
	b := newJob("owner-2", "abc")
	require.NoError(t, jobs.Create(ctx, a))
	require.NoError(t, jobs.Create(ctx, b))

	out := json.RawMessage(`{"x":1}`)
	err := jobs.Commit(ctx, Batch{
		Jobs: []*JobUpdate{
			UpdateJob(a.ID).SetStatus(constants.JobStatusCompleted).SetOutput(out),
			UpdateJob(b.ID).WhereStatus(constants.JobStatusWaitingForCache).SetStatus(constants.JobStatusCompleted),
		},
		Views: []*entity.PublishedView{{OwnerID: a.OwnerID, JobID: a.ID, Content: out}},
	})
	assert.ErrorIs(t, err, common.ErrConflict)

	got, err := jobs.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPendingClaim, got.Status)
	_, err = views.Get(ctx, a.OwnerID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestJobRepository_HashQueries(t *testing.T) {
	ctx := context.Background()
	_, jobs, _, clock := newTestStore(t)

	done := newJob("owner-1", "h1")
	require.NoError(t, jobs.Create(ctx, done))
	require.NoError(t, jobs.Update(ctx, UpdateJob(done.ID).
		SetStatus(constants.JobStatusCompleted).
		SetOutput(json.RawMessage(`{"ok":true}`)).
		MarkCompleted()))

	foreign := newJob("owner-2", "h1")
	require.NoError(t, jobs.Create(ctx, foreign))

	fresh := newJob("owner-1", "h1")
	require.NoError(t, jobs.Create(ctx, fresh))

	hit, err := jobs.FindCompletedByHash(ctx, "owner-1", "h1", fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, done.ID, hit.ID)

	miss, err := jobs.FindCompletedByHash(ctx, "owner-2", "h1", foreign.ID)
	require.NoError(t, err)
	assert.Nil(t, miss, "dedup is scoped to the owner")

	self, err := jobs.FindCompletedByHash(ctx, "owner-1", "h1", done.ID)
	require.NoError(t, err)
	assert.Nil(t, self)

	// in-flight window
	busy := newJob("owner-3", "h2")
	require.NoError(t, jobs.Create(ctx, busy))
	require.NoError(t, jobs.Update(ctx, UpdateJob(busy.ID).SetStatus(constants.JobStatusProcessing)))
	started := clock.t

	clock.advance(2 * time.Minute)
	sib, err := jobs.FindInFlightByHash(ctx, "owner-3", "h2", "other", started.Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, sib)
	assert.Equal(t, busy.ID, sib.ID)

	sib, err = jobs.FindInFlightByHash(ctx, "owner-3", "h2", "other", started.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, sib, "stale processing rows are ignored")

	// waiting list
	w1 := newJob("owner-1", "h3")
	w2 := newJob("owner-2", "h3")
	for _, j := range []*entity.Job{w1, w2} {
		require.NoError(t, jobs.Create(ctx, j))
		require.NoError(t, jobs.Update(ctx, UpdateJob(j.ID).SetStatus(constants.JobStatusWaitingForCache)))
	}
	waiting, err := jobs.ListWaitingByHash(ctx, "h3", w1.ID)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, w2.ID, waiting[0].ID)
}

func TestJobRepository_OwnerWindows(t *testing.T) {
	ctx := context.Background()
	_, jobs, _, clock := newTestStore(t)

	start := clock.t
	for i := 0; i < 3; i++ {
		require.NoError(t, jobs.Create(ctx, newJob("owner-1", "h")))
		clock.advance(time.Hour)
	}

	n, err := jobs.CountCreatedSince(ctx, "owner-1", start)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = jobs.CountCreatedSince(ctx, "owner-1", start.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := jobs.ListByOwner(ctx, "owner-1", 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestPublishedViewRepository_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	_, _, views, _ := newTestStore(t)

	require.NoError(t, views.Upsert(ctx, &entity.PublishedView{OwnerID: "o", JobID: "j1", Content: json.RawMessage(`{"v":1}`)}))
	require.NoError(t, views.Upsert(ctx, &entity.PublishedView{OwnerID: "o", JobID: "j2", Content: json.RawMessage(`{"v":2}`)}))

	v, err := views.Get(ctx, "o")
	require.NoError(t, err)
	assert.Equal(t, "j2", v.JobID)
	assert.JSONEq(t, `{"v":2}`, string(v.Content))
}

func TestWithQuery(t *testing.T) {
	const q = "_pragma=busy_timeout(5000)"
	assert.Equal(t, "file::memory:?"+q, withQuery("file::memory:", q))
	assert.Equal(t, "file:jobs.db?cache=shared&"+q, withQuery("file:jobs.db?cache=shared", q))
}
