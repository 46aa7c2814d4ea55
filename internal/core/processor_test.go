package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/resume-pipeline/constants"
	"github.com/joseph-ayodele/resume-pipeline/internal/async"
	"github.com/joseph-ayodele/resume-pipeline/internal/blob"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/dedup"
	"github.com/joseph-ayodele/resume-pipeline/internal/entity"
	"github.com/joseph-ayodele/resume-pipeline/internal/notify"
	"github.com/joseph-ayodele/resume-pipeline/internal/repository"
	"github.com/joseph-ayodele/resume-pipeline/internal/testutil"
)

type recordingNotifier struct {
	mu      sync.Mutex
	events  map[string][]constants.JobStatus
	batches [][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: map[string][]constants.JobStatus{}}
}

func (n *recordingNotifier) Notify(_ context.Context, jobID string, status constants.JobStatus, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[jobID] = append(n.events[jobID], status)
}

func (n *recordingNotifier) NotifyBatch(ctx context.Context, jobIDs []string, status constants.JobStatus) {
	n.mu.Lock()
	n.batches = append(n.batches, jobIDs)
	n.mu.Unlock()
	for _, id := range jobIDs {
		n.Notify(ctx, id, status, "")
	}
}

func (n *recordingNotifier) statuses(jobID string) []constants.JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]constants.JobStatus(nil), n.events[jobID]...)
}

type countingParser struct {
	calls atomic.Int32
	out   json.RawMessage
	err   error
}

func (c *countingParser) ParseDocument(_ context.Context, _ []byte) (json.RawMessage, error) {
	c.calls.Add(1)
	return c.out, c.err
}

// failingCommit makes every Commit fail before touching the store.
type failingCommit struct {
	repository.JobRepository
}

func (failingCommit) Commit(context.Context, repository.Batch) error {
	return errors.New("database is locked")
}

// interleavingJobs runs between once, after the first in-flight lookup has
// read the store and before its result reaches the processor.
type interleavingJobs struct {
	repository.JobRepository
	once    sync.Once
	between func()
}

func (r *interleavingJobs) FindInFlightByHash(ctx context.Context, ownerID, hash, excludeID string, since time.Time) (*entity.Job, error) {
	sib, err := r.JobRepository.FindInFlightByHash(ctx, ownerID, hash, excludeID, since)
	r.once.Do(r.between)
	return sib, err
}

type fixture struct {
	store    *testutil.Store
	blobs    *blob.MemoryStore
	parser   *countingParser
	notifier *recordingNotifier
	queue    *async.MemoryQueue
	proc     *Processor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := testutil.Logger()
	f := &fixture{
		store:    testutil.NewStore(t),
		blobs:    blob.NewMemoryStore(),
		parser:   &countingParser{out: json.RawMessage(`{"basics":{"name":"Ada"}}`)},
		notifier: newRecordingNotifier(),
		queue:    async.NewMemoryQueue(logger),
	}
	t.Cleanup(func() { f.queue.Shutdown(context.Background()) })
	f.proc = f.processor(f.store.Jobs, cfg)
	return f
}

func (f *fixture) processor(jobs repository.JobRepository, cfg Config) *Processor {
	logger := testutil.Logger()
	d := dedup.NewDeduplicator(f.store.Jobs, dedup.NewJobCache(time.Minute), logger)
	p := NewProcessor(logger, jobs, d, f.blobs, f.parser, f.notifier, f.queue, cfg)
	p.SetClock(f.store.Clock.Now)
	return p
}

// newJob stores a document and a pending job for owner.
func (f *fixture) newJob(t *testing.T, owner string, doc []byte) (*entity.Job, async.Message) {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	key := constants.UserBlobKey(owner, id)
	require.NoError(t, f.blobs.Put(ctx, key, doc, constants.DocumentContentType))
	job := &entity.Job{ID: id, OwnerID: owner, BlobKey: key, ContentHash: testutil.Hash(doc)}
	require.NoError(t, f.store.Jobs.Create(ctx, job))
	f.store.Clock.Advance(time.Second)
	return job, async.Message{
		Type: async.MessageTypeParse, JobID: id, OwnerID: owner,
		BlobKey: key, ContentHash: job.ContentHash, Attempt: 1,
	}
}

func (f *fixture) get(t *testing.T, id string) *entity.Job {
	t.Helper()
	job, err := f.store.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestProcessor_ParsesAndPublishes(t *testing.T) {
	f := newFixture(t, Config{StageOutput: true})
	ctx := context.Background()
	job, msg := f.newJob(t, "u1", testutil.PDF("ada"))

	require.NoError(t, f.proc.Handle(ctx, msg))

	got := f.get(t, job.ID)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"basics":{"name":"Ada"}}`, string(got.Output))
	assert.False(t, got.HasStagedOutput())
	assert.Nil(t, got.LastError)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, got.TotalAttempts)

	view, err := f.store.Views.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, view.JobID)
	assert.JSONEq(t, string(got.Output), string(view.Content))

	assert.Equal(t, []constants.JobStatus{constants.JobStatusProcessing, constants.JobStatusCompleted}, f.notifier.statuses(job.ID))
}

func TestProcessor_RedeliveryIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job, msg := f.newJob(t, "u1", testutil.PDF("ada"))
	require.NoError(t, f.proc.Handle(ctx, msg))
	before := f.get(t, job.ID)

	f.store.Clock.Advance(time.Minute)
	msg.Attempt = 2
	require.NoError(t, f.proc.Handle(ctx, msg))

	after := f.get(t, job.ID)
	assert.Equal(t, int32(1), f.parser.calls.Load())
	assert.Equal(t, before, after)
}

func TestProcessor_RecoversStagedOutput(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job, msg := f.newJob(t, "u1", testutil.PDF("ada"))
	require.NoError(t, f.store.Jobs.Update(ctx, repository.UpdateJob(job.ID).
		SetStatus(constants.JobStatusProcessing).
		IncTotalAttempts().
		SetStagedOutput(json.RawMessage(`{"skills":["go"]}`))))

	require.NoError(t, f.proc.Handle(ctx, msg))

	got := f.get(t, job.ID)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"skills":["go"]}`, string(got.Output))
	assert.False(t, got.HasStagedOutput())
	assert.Zero(t, f.parser.calls.Load())

	view, err := f.store.Views.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, view.JobID)
}

func TestProcessor_DedupReusesCompletedOutput(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	doc := testutil.PDF("same bytes")
	first, msg1 := f.newJob(t, "u1", doc)
	require.NoError(t, f.proc.Handle(ctx, msg1))

	second, msg2 := f.newJob(t, "u1", doc)
	require.NoError(t, f.proc.Handle(ctx, msg2))

	assert.Equal(t, int32(1), f.parser.calls.Load())
	a, b := f.get(t, first.ID), f.get(t, second.ID)
	assert.Equal(t, constants.JobStatusCompleted, b.Status)
	assert.JSONEq(t, string(a.Output), string(b.Output))
	assert.Equal(t, 1, b.TotalAttempts)

	view, err := f.store.Views.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, view.JobID)
}

func TestProcessor_DedupIsScopedToOwner(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	doc := testutil.PDF("same bytes")
	_, msg1 := f.newJob(t, "u1", doc)
	require.NoError(t, f.proc.Handle(ctx, msg1))
	_, msg2 := f.newJob(t, "u2", doc)
	require.NoError(t, f.proc.Handle(ctx, msg2))

	assert.Equal(t, int32(2), f.parser.calls.Load())
}

func TestProcessor_WaitingForCacheFanOut(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	doc := testutil.PDF("popular")

	j1, msg1 := f.newJob(t, "u1", doc)
	require.NoError(t, f.store.Jobs.Update(ctx, repository.UpdateJob(j1.ID).SetStatus(constants.JobStatusProcessing)))
	j2, msg2 := f.newJob(t, "u1", doc)

	require.NoError(t, f.proc.Handle(ctx, msg2))
	assert.Equal(t, constants.JobStatusWaitingForCache, f.get(t, j2.ID).Status)
	assert.Zero(t, f.parser.calls.Load())

	// Redelivery while still waiting stays parked.
	require.NoError(t, f.proc.Handle(ctx, msg2))
	assert.Equal(t, constants.JobStatusWaitingForCache, f.get(t, j2.ID).Status)

	// Another owner's waiter on the same bytes is released too.
	j3, _ := f.newJob(t, "u2", doc)
	require.NoError(t, f.store.Jobs.Update(ctx, repository.UpdateJob(j3.ID).SetStatus(constants.JobStatusWaitingForCache)))

	require.NoError(t, f.proc.Handle(ctx, msg1))

	assert.Equal(t, int32(1), f.parser.calls.Load())
	out := f.get(t, j1.ID).Output
	for _, id := range []string{j2.ID, j3.ID} {
		got := f.get(t, id)
		assert.Equal(t, constants.JobStatusCompleted, got.Status, id)
		assert.JSONEq(t, string(out), string(got.Output))
	}
	view, err := f.store.Views.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, j3.ID, view.JobID)

	require.Len(t, f.notifier.batches, 1)
	assert.ElementsMatch(t, []string{j2.ID, j3.ID}, f.notifier.batches[0])
	assert.Equal(t, []constants.JobStatus{constants.JobStatusWaitingForCache, constants.JobStatusCompleted}, f.notifier.statuses(j2.ID))
}

func TestProcessor_FanOutSurvivesFailingNotifications(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	notifier := notify.NewHTTPNotifier(notify.HTTPConfig{BaseURL: srv.URL}, testutil.Logger())
	d := dedup.NewDeduplicator(f.store.Jobs, nil, testutil.Logger())
	proc := NewProcessor(testutil.Logger(), f.store.Jobs, d, f.blobs, f.parser, notifier, f.queue, Config{})
	proc.SetClock(f.store.Clock.Now)

	doc := testutil.PDF("fan")
	j1, msg1 := f.newJob(t, "u1", doc)
	var waiters []string
	for i := 0; i < 3; i++ {
		w, _ := f.newJob(t, "u1", doc)
		require.NoError(t, f.store.Jobs.Update(ctx, repository.UpdateJob(w.ID).SetStatus(constants.JobStatusWaitingForCache)))
		waiters = append(waiters, w.ID)
	}

	require.NoError(t, proc.Handle(ctx, msg1))

	assert.Equal(t, constants.JobStatusCompleted, f.get(t, j1.ID).Status)
	for _, id := range waiters {
		assert.Equal(t, constants.JobStatusCompleted, f.get(t, id).Status)
	}
	// processing + completed for the origin, completed for each waiter.
	assert.Equal(t, int32(2+len(waiters)), hits.Load())
}

func TestProcessor_ParseFailureReleasesWaiters(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.parser.err = errors.New("model refused the document")
	doc := testutil.PDF("broken")

	j1, msg1 := f.newJob(t, "u1", doc)
	require.NoError(t, f.store.Jobs.Update(ctx, repository.UpdateJob(j1.ID).SetStatus(constants.JobStatusProcessing)))
	j2, msg2 := f.newJob(t, "u1", doc)
	require.NoError(t, f.proc.Handle(ctx, msg2))
	require.Equal(t, constants.JobStatusWaitingForCache, f.get(t, j2.ID).Status)

	err := f.proc.Handle(ctx, msg1)
	require.Error(t, err)

	got := f.get(t, j1.ID)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Equal(t, "model refused the document", got.ErrorText())
	assert.Contains(t, f.notifier.statuses(j1.ID), constants.JobStatusFailed)

	assert.Equal(t, constants.JobStatusPendingClaim, f.get(t, j2.ID).Status)
	require.Equal(t, 1, f.queue.Len())
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := f.queue.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, j2.ID, d.Message.JobID)
	assert.Equal(t, 1, d.Message.Attempt)
}

func TestProcessor_SiblingCompletesWhileParking(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	doc := testutil.PDF("popular")

	j1, msg1 := f.newJob(t, "u1", doc)
	require.NoError(t, f.store.Jobs.Update(ctx, repository.UpdateJob(j1.ID).SetStatus(constants.JobStatusProcessing)))
	j2, msg2 := f.newJob(t, "u1", doc)

	jobs := &interleavingJobs{JobRepository: f.store.Jobs, between: func() {
		require.NoError(t, f.proc.Handle(ctx, msg1))
	}}
	require.NoError(t, f.processor(jobs, Config{}).Handle(ctx, msg2))

	a, b := f.get(t, j1.ID), f.get(t, j2.ID)
	assert.Equal(t, constants.JobStatusCompleted, a.Status)
	assert.Equal(t, constants.JobStatusCompleted, b.Status)
	assert.JSONEq(t, string(a.Output), string(b.Output))
	assert.Equal(t, int32(1), f.parser.calls.Load())
	assert.Zero(t, f.queue.Len())

	view, err := f.store.Views.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, j2.ID, view.JobID)
}

func TestProcessor_SiblingFailsWhileParking(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.parser.err = errors.New("model refused the document")
	doc := testutil.PDF("broken")

	j1, msg1 := f.newJob(t, "u1", doc)
	require.NoError(t, f.store.Jobs.Update(ctx, repository.UpdateJob(j1.ID).SetStatus(constants.JobStatusProcessing)))
	j2, msg2 := f.newJob(t, "u1", doc)

	jobs := &interleavingJobs{JobRepository: f.store.Jobs, between: func() {
		require.Error(t, f.proc.Handle(ctx, msg1))
	}}
	// j2 is not left parked: it parses on its own and its failure nacks
	// the message for redelivery.
	require.Error(t, f.processor(jobs, Config{}).Handle(ctx, msg2))

	assert.Equal(t, constants.JobStatusFailed, f.get(t, j1.ID).Status)
	got := f.get(t, j2.ID)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.TotalAttempts)
	assert.Equal(t, int32(2), f.parser.calls.Load())
}

func TestProcessor_AttemptCeiling(t *testing.T) {
	f := newFixture(t, Config{MaxTotalAttempts: 3})
	ctx := context.Background()
	f.parser.err = errors.New("timeout")
	job, msg := f.newJob(t, "u1", testutil.PDF("flaky"))

	for i := 1; i <= 3; i++ {
		msg.Attempt = i
		require.Error(t, f.proc.Handle(ctx, msg))
	}
	assert.Equal(t, 3, f.get(t, job.ID).TotalAttempts)

	msg.Attempt = 4
	require.NoError(t, f.proc.Handle(ctx, msg))

	got := f.get(t, job.ID)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Equal(t, ErrAttemptLimit.Error(), got.ErrorText())
	assert.Equal(t, 3, got.TotalAttempts)
	assert.Equal(t, int32(3), f.parser.calls.Load())
}

func TestProcessor_MissingDocumentRecordsError(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job, msg := f.newJob(t, "u1", testutil.PDF("gone"))
	require.NoError(t, f.blobs.Delete(ctx, job.BlobKey))

	err := f.proc.Handle(ctx, msg)
	require.Error(t, err)

	got := f.get(t, job.ID)
	assert.Equal(t, constants.JobStatusProcessing, got.Status)
	assert.Contains(t, got.ErrorText(), "blob not found")
	assert.Zero(t, f.parser.calls.Load())
}

func TestProcessor_FailedCommitKeepsStagedOutput(t *testing.T) {
	f := newFixture(t, Config{StageOutput: true})
	ctx := context.Background()
	job, msg := f.newJob(t, "u1", testutil.PDF("ada"))

	broken := f.processor(failingCommit{f.store.Jobs}, Config{StageOutput: true})
	require.Error(t, broken.Handle(ctx, msg))

	got := f.get(t, job.ID)
	assert.Equal(t, constants.JobStatusProcessing, got.Status)
	assert.True(t, got.HasStagedOutput())
	assert.Contains(t, got.ErrorText(), "database is locked")
	_, err := f.store.Views.Get(ctx, "u1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	msg.Attempt = 2
	require.NoError(t, f.proc.Handle(ctx, msg))
	got = f.get(t, job.ID)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.Nil(t, got.LastError)
	assert.Equal(t, int32(1), f.parser.calls.Load())
}

func TestProcessor_IgnoresUnknownJobAndForeignOwner(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, msg := f.newJob(t, "u1", testutil.PDF("x"))

	missing := msg
	missing.JobID = uuid.NewString()
	assert.NoError(t, f.proc.Handle(ctx, missing))

	foreign := msg
	foreign.OwnerID = "u2"
	assert.NoError(t, f.proc.Handle(ctx, foreign))
	assert.Zero(t, f.parser.calls.Load())
}
