package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/resume-pipeline/constants"
	"github.com/joseph-ayodele/resume-pipeline/internal/async"
	"github.com/joseph-ayodele/resume-pipeline/internal/blob"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/entity"
	"github.com/joseph-ayodele/resume-pipeline/internal/llm"
	"github.com/joseph-ayodele/resume-pipeline/internal/notify"
	"github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

// ErrAttemptLimit is recorded on jobs that exhausted their lifetime attempts.
var ErrAttemptLimit = errors.New("attempt limit reached")

// CompletedLookup finds a completed job with the same owner and content hash.
type CompletedLookup interface {
	FindCompletedByHash(ctx context.Context, ownerID, hash, excludeID string) (*entity.Job, error)
}

type Config struct {
	MaxTotalAttempts int
	// WaitWindow is how recently a sibling must have been touched to count
	// as in flight. Older processing rows are treated as abandoned.
	WaitWindow time.Duration
	// StageOutput writes parsed output to staged_output before the final
	// commit so a failed commit does not cost a second parse.
	StageOutput bool
}

// Processor drives one parse message through the job state machine:
// pending_claim -> processing -> completed | failed, with waiting_for_cache
// for duplicates of a document that is already being parsed.
type Processor struct {
	logger   *slog.Logger
	jobs     repository.JobRepository
	dedup    CompletedLookup
	blobs    blob.Store
	parser   llm.Parser
	notifier notify.Notifier
	requeue  async.Enqueuer
	cfg      Config
	now      func() time.Time
}

func NewProcessor(
	logger *slog.Logger,
	jobs repository.JobRepository,
	dedup CompletedLookup,
	blobs blob.Store,
	parser llm.Parser,
	notifier notify.Notifier,
	requeue async.Enqueuer,
	cfg Config,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.MaxTotalAttempts <= 0 {
		cfg.MaxTotalAttempts = 5
	}
	if cfg.WaitWindow <= 0 {
		cfg.WaitWindow = 10 * time.Minute
	}
	return &Processor{
		logger:   logger,
		jobs:     jobs,
		dedup:    dedup,
		blobs:    blobs,
		parser:   parser,
		notifier: notifier,
		requeue:  requeue,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for the in-flight window.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

var unfinished = []constants.JobStatus{
	constants.JobStatusPendingClaim,
	constants.JobStatusProcessing,
	constants.JobStatusWaitingForCache,
	constants.JobStatusFailed,
}

// Handle processes one delivery of a parse message. A nil return means the
// message is done with; an error hands it back to the queue for redelivery.
// Every step is safe to re-run after a crash.
func (p *Processor) Handle(ctx context.Context, msg async.Message) error {
	log := p.logger.With("job_id", msg.JobID, "attempt", msg.Attempt)

	job, err := p.jobs.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			log.Warn("processor.job.missing")
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}
	if job.OwnerID != msg.OwnerID {
		log.Error("processor.owner.mismatch", "owner_id", job.OwnerID, "msg_owner_id", msg.OwnerID)
		return nil
	}

	// Redelivery of a finished job.
	if job.Status == constants.JobStatusCompleted && job.HasOutput() {
		log.Debug("processor.skip.completed")
		return nil
	}

	// A previous attempt parsed but never committed.
	if job.HasStagedOutput() {
		log.Info("processor.staged.recover")
		return p.complete(ctx, job, job.StagedOutput, false, "staged")
	}

	src, err := p.dedup.FindCompletedByHash(ctx, job.OwnerID, job.ContentHash, job.ID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if src != nil {
		log.Info("processor.dedup.hit", "source_job_id", src.ID)
		return p.complete(ctx, job, src.Output, true, "cache")
	}

	if job.TotalAttempts >= p.cfg.MaxTotalAttempts {
		return p.giveUp(ctx, job)
	}

	parked, err := p.parkBehindSibling(ctx, job)
	if err != nil || parked {
		return err
	}

	// From here on every failure is recorded on the job before returning.
	err = p.jobs.Update(ctx, repository.UpdateJob(job.ID).
		WhereStatus(unfinished...).
		SetStatus(constants.JobStatusProcessing).
		IncTotalAttempts())
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			log.Info("processor.skip.raced")
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	p.notifier.Notify(ctx, job.ID, constants.JobStatusProcessing, "")

	data, err := p.blobs.Get(ctx, job.BlobKey)
	if err == nil && data == nil {
		err = &blob.NotFoundError{Key: job.BlobKey}
	}
	if err != nil {
		p.recordError(ctx, job.ID, err)
		log.Error("processor.fetch.failed", "blob_key", job.BlobKey, "err", err)
		return fmt.Errorf("fetch document: %w", err)
	}

	start := p.now()
	out, err := p.parser.ParseDocument(ctx, data)
	if err == nil && len(out) == 0 {
		err = errors.New("parser returned no content")
	}
	if err != nil {
		log.Error("processor.parse.failed", "err", err, "elapsed_ms", p.now().Sub(start).Milliseconds())
		p.fail(ctx, job, err)
		return fmt.Errorf("parse: %w", err)
	}
	log.Debug("processor.parse.ok", "bytes", len(out), "elapsed_ms", p.now().Sub(start).Milliseconds())

	if p.cfg.StageOutput {
		if err := p.jobs.Update(ctx, repository.UpdateJob(job.ID).SetStagedOutput(out)); err != nil {
			p.recordError(ctx, job.ID, err)
			return fmt.Errorf("stage output: %w", err)
		}
	}
	return p.complete(ctx, job, out, false, "parse")
}

// complete commits job as completed with out and publishes the owner's view
// in one transaction, then releases any jobs waiting on the same document.
func (p *Processor) complete(ctx context.Context, job *entity.Job, out json.RawMessage, countAttempt bool, source string) error {
	u := completion(job.ID, out).WhereStatus(unfinished...)
	if countAttempt {
		u.IncTotalAttempts()
	}
	err := p.jobs.Commit(ctx, repository.Batch{
		Jobs:  []*repository.JobUpdate{u},
		Views: []*entity.PublishedView{{OwnerID: job.OwnerID, JobID: job.ID, Content: out}},
	})
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			p.logger.Info("processor.skip.raced", "job_id", job.ID)
			return nil
		}
		p.recordError(ctx, job.ID, err)
		p.logger.Error("processor.commit.failed", "job_id", job.ID, "source", source, "err", err)
		return fmt.Errorf("commit: %w", err)
	}
	p.logger.Info("processor.job.completed", "job_id", job.ID, "owner_id", job.OwnerID, "source", source)
	p.notifier.Notify(ctx, job.ID, constants.JobStatusCompleted, "")

	p.fanOut(ctx, job, out)
	return nil
}

func completion(id string, out json.RawMessage) *repository.JobUpdate {
	return repository.UpdateJob(id).
		SetStatus(constants.JobStatusCompleted).
		SetOutput(out).
		ClearStagedOutput().
		ClearLastError().
		MarkCompleted()
}

// fanOut completes every job parked on job's content hash with the same
// output. Each waiter commits on its own; one failure does not block the rest.
func (p *Processor) fanOut(ctx context.Context, job *entity.Job, out json.RawMessage) {
	waiters, err := p.jobs.ListWaitingByHash(ctx, job.ContentHash, job.ID)
	if err != nil {
		p.logger.Error("processor.fanout.list_failed", "job_id", job.ID, "err", err)
		return
	}
	if len(waiters) == 0 {
		return
	}

	done := make([]string, 0, len(waiters))
	for _, w := range waiters {
		err := p.jobs.Commit(ctx, repository.Batch{
			Jobs:  []*repository.JobUpdate{completion(w.ID, out).WhereStatus(constants.JobStatusWaitingForCache)},
			Views: []*entity.PublishedView{{OwnerID: w.OwnerID, JobID: w.ID, Content: out}},
		})
		if err != nil {
			if errors.Is(err, common.ErrConflict) {
				continue
			}
			p.logger.Error("processor.fanout.commit_failed", "job_id", w.ID, "source_job_id", job.ID, "err", err)
			// Its own message was acked when it parked; hand it a new one.
			p.enqueue(ctx, w)
			continue
		}
		done = append(done, w.ID)
	}
	p.logger.Info("processor.fanout.done", "job_id", job.ID, "completed", len(done), "waiting", len(waiters))
	p.notifier.NotifyBatch(ctx, done, constants.JobStatusCompleted)
}

// parkBehindSibling moves job to waiting_for_cache when an older job of the
// same owner and document is being parsed right now.
func (p *Processor) parkBehindSibling(ctx context.Context, job *entity.Job) (bool, error) {
	since := p.now().Add(-p.cfg.WaitWindow)
	sib, err := p.jobs.FindInFlightByHash(ctx, job.OwnerID, job.ContentHash, job.ID, since)
	if err != nil {
		return false, fmt.Errorf("in-flight lookup: %w", err)
	}
	// Only wait on older jobs so two duplicates never wait on each other.
	if sib == nil || !precedes(sib, job) {
		return false, nil
	}
	if job.Status == constants.JobStatusWaitingForCache {
		return true, nil
	}
	err = p.jobs.Update(ctx, repository.UpdateJob(job.ID).
		WhereStatus(unfinished...).
		SetStatus(constants.JobStatusWaitingForCache))
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return true, nil
		}
		return false, fmt.Errorf("mark waiting: %w", err)
	}
	p.logger.Info("processor.job.waiting", "job_id", job.ID, "sibling_job_id", sib.ID)
	p.notifier.Notify(ctx, job.ID, constants.JobStatusWaitingForCache, "")
	return p.recheckParked(ctx, job)
}

// recheckParked looks at the sibling again once the park is visible. A
// sibling that finished between the lookup and the park has already listed
// its waiters without seeing job, so job must settle itself here.
func (p *Processor) recheckParked(ctx context.Context, job *entity.Job) (bool, error) {
	src, err := p.dedup.FindCompletedByHash(ctx, job.OwnerID, job.ContentHash, job.ID)
	if err != nil {
		return true, fmt.Errorf("dedup recheck: %w", err)
	}
	if src != nil {
		p.logger.Info("processor.dedup.hit", "job_id", job.ID, "source_job_id", src.ID, "recheck", true)
		return true, p.complete(ctx, job, src.Output, true, "cache")
	}

	since := p.now().Add(-p.cfg.WaitWindow)
	sib, err := p.jobs.FindInFlightByHash(ctx, job.OwnerID, job.ContentHash, job.ID, since)
	if err != nil {
		return true, fmt.Errorf("in-flight recheck: %w", err)
	}
	if sib != nil && precedes(sib, job) {
		return true, nil
	}

	// The sibling failed or was abandoned. Parse this one ourselves.
	err = p.jobs.Update(ctx, repository.UpdateJob(job.ID).
		WhereStatus(constants.JobStatusWaitingForCache).
		SetStatus(constants.JobStatusPendingClaim))
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			// Fan-out or release got to it first.
			return true, nil
		}
		return true, fmt.Errorf("unpark: %w", err)
	}
	p.logger.Info("processor.job.unparked", "job_id", job.ID)
	return false, nil
}

func precedes(a, b *entity.Job) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// fail marks job failed after a parse error and hands its waiters back to
// the queue so they parse on their own.
func (p *Processor) fail(ctx context.Context, job *entity.Job, cause error) {
	msg := common.Truncate(cause.Error(), common.MaxErrorLength)
	err := p.jobs.Update(context.WithoutCancel(ctx), repository.UpdateJob(job.ID).
		SetStatus(constants.JobStatusFailed).
		SetLastError(msg))
	if err != nil {
		p.logger.Error("processor.fail.persist_failed", "job_id", job.ID, "err", err)
	}
	p.notifier.Notify(ctx, job.ID, constants.JobStatusFailed, msg)
	p.releaseWaiters(ctx, job)
}

func (p *Processor) giveUp(ctx context.Context, job *entity.Job) error {
	p.logger.Warn("processor.attempts.exhausted", "job_id", job.ID, "total_attempts", job.TotalAttempts)
	err := p.jobs.Update(ctx, repository.UpdateJob(job.ID).
		WhereStatus(unfinished...).
		SetStatus(constants.JobStatusFailed).
		SetLastError(ErrAttemptLimit.Error()))
	if err != nil && !errors.Is(err, common.ErrConflict) {
		return fmt.Errorf("mark failed: %w", err)
	}
	p.notifier.Notify(ctx, job.ID, constants.JobStatusFailed, ErrAttemptLimit.Error())
	p.releaseWaiters(ctx, job)
	return nil
}

func (p *Processor) releaseWaiters(ctx context.Context, job *entity.Job) {
	ctx = context.WithoutCancel(ctx)
	waiters, err := p.jobs.ListWaitingByHash(ctx, job.ContentHash, job.ID)
	if err != nil {
		p.logger.Error("processor.release.list_failed", "job_id", job.ID, "err", err)
		return
	}
	for _, w := range waiters {
		err := p.jobs.Update(ctx, repository.UpdateJob(w.ID).
			WhereStatus(constants.JobStatusWaitingForCache).
			SetStatus(constants.JobStatusPendingClaim))
		if err != nil {
			if !errors.Is(err, common.ErrConflict) {
				p.logger.Error("processor.release.update_failed", "job_id", w.ID, "err", err)
			}
			continue
		}
		p.notifier.Notify(ctx, w.ID, constants.JobStatusPendingClaim, "")
		p.enqueue(ctx, w)
	}
	if len(waiters) > 0 {
		p.logger.Info("processor.release.done", "job_id", job.ID, "released", len(waiters))
	}
}

func (p *Processor) enqueue(ctx context.Context, job *entity.Job) {
	if p.requeue == nil {
		p.logger.Warn("processor.requeue.disabled", "job_id", job.ID)
		return
	}
	err := p.requeue.Enqueue(ctx, async.Message{
		Type:        async.MessageTypeParse,
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		BlobKey:     job.BlobKey,
		ContentHash: job.ContentHash,
		Attempt:     1,
	})
	if err != nil {
		p.logger.Error("processor.requeue.failed", "job_id", job.ID, "err", err)
	}
}

// recordError persists cause as the job's last error. It runs even when ctx
// has already expired, since a timeout is a common cause.
func (p *Processor) recordError(ctx context.Context, jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	msg := common.Truncate(cause.Error(), common.MaxErrorLength)
	if err := p.jobs.Update(ctx, repository.UpdateJob(jobID).SetLastError(msg)); err != nil {
		p.logger.Error("processor.record_error.failed", "job_id", jobID, "err", err)
	}
}
