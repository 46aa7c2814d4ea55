// Package admission guards job creation and re-processing on behalf of a
// signed-in owner: claim of an uploaded document, manual retry and status.
package admission

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/resume-pipeline/constants"
	"github.com/joseph-ayodele/resume-pipeline/internal/async"
	"github.com/joseph-ayodele/resume-pipeline/internal/blob"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/entity"
	"github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

type Config struct {
	MaxUploadBytes    int64
	RecentClaimWindow time.Duration
	MaxManualRetries  int
	MaxTotalAttempts  int
}

type Service struct {
	logger  *slog.Logger
	jobs    repository.JobRepository
	blobs   blob.Store
	queue   async.Enqueuer
	limiter Limiter
	cfg     Config
	now     func() time.Time
}

func NewService(logger *slog.Logger, jobs repository.JobRepository, blobs blob.Store, queue async.Enqueuer, limiter Limiter, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = constants.DefaultMaxUploadBytes
	}
	if cfg.RecentClaimWindow <= 0 {
		cfg.RecentClaimWindow = time.Minute
	}
	if cfg.MaxManualRetries < 0 {
		cfg.MaxManualRetries = 0
	}
	if cfg.MaxTotalAttempts <= 0 {
		cfg.MaxTotalAttempts = 5
	}
	return &Service{logger: logger, jobs: jobs, blobs: blobs, queue: queue, limiter: limiter, cfg: cfg, now: time.Now}
}

// SetClock replaces the time source used for the recent-claim window.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

type ClaimResult struct {
	JobID          string `json:"jobId"`
	AlreadyClaimed bool   `json:"already_claimed,omitempty"`
}

// Claim moves an anonymously uploaded document into the owner's namespace,
// creates its job and queues it for parsing.
func (s *Service) Claim(ctx context.Context, ownerID, tempKey string) (*ClaimResult, error) {
	if ownerID == "" {
		return nil, common.Unauthenticated("sign in required")
	}
	v := common.NewValidator().
		Field("tempKey", tempKey, common.Required, common.MaxLength(256), common.ObjectKeyUnder(constants.TempPrefix))
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	log := s.logger.With("owner_id", ownerID, "temp_key", tempKey)

	info, err := s.blobs.Stat(ctx, tempKey)
	if err != nil {
		return nil, common.Internal("could not read upload", err)
	}
	if info == nil {
		return s.recentClaim(ctx, ownerID, tempKey, log)
	}
	if info.Size > s.cfg.MaxUploadBytes {
		log.Warn("claim.too_large", "size", info.Size, "max", s.cfg.MaxUploadBytes)
		return nil, common.PayloadTooLarge(fmt.Sprintf("document exceeds %d bytes", s.cfg.MaxUploadBytes))
	}

	data, err := s.blobs.Get(ctx, tempKey)
	if err != nil {
		return nil, common.Internal("could not read upload", err)
	}
	if data == nil {
		return s.recentClaim(ctx, ownerID, tempKey, log)
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, common.PayloadTooLarge(fmt.Sprintf("document exceeds %d bytes", s.cfg.MaxUploadBytes))
	}
	if !bytes.HasPrefix(data, constants.PDFMagic) {
		return nil, common.InvalidArgument("document is not a PDF")
	}

	release, err := s.reserve(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrLimited) {
			log.Warn("claim.rate_limited")
			return nil, common.ResourceExhausted("upload limit reached, try again later")
		}
		return nil, common.Internal("rate limit unavailable", err)
	}

	sum := sha256.Sum256(data)
	job := &entity.Job{
		ID:          claimJobID(tempKey),
		OwnerID:     ownerID,
		ContentHash: hex.EncodeToString(sum[:]),
		Status:      constants.JobStatusPendingClaim,
	}
	job.BlobKey = constants.UserBlobKey(ownerID, job.ID)

	if err := s.blobs.Copy(ctx, tempKey, job.BlobKey); err != nil {
		release(ctx)
		var nf *blob.NotFoundError
		if errors.As(err, &nf) {
			return s.recentClaim(ctx, ownerID, tempKey, log)
		}
		return nil, common.Internal("could not store document", err)
	}
	// The job id is derived from the upload key, so of two concurrent claims
	// of one upload only the first create lands.
	if err := s.jobs.Create(ctx, job); err != nil {
		release(ctx)
		if errors.Is(err, common.ErrConflict) {
			return s.recentClaim(ctx, ownerID, tempKey, log)
		}
		return nil, common.Internal("could not create job", err)
	}
	if err := s.blobs.Delete(ctx, tempKey); err != nil {
		log.Warn("claim.temp_delete_failed", "err", err)
	}
	if err := s.enqueue(ctx, job); err != nil {
		s.parkUnqueued(ctx, job.ID, err)
		return nil, common.Internal("could not queue job", err)
	}

	log.Info("claim.ok", "job_id", job.ID, "hash", job.ContentHash, "size", len(data))
	return &ClaimResult{JobID: job.ID}, nil
}

func (s *Service) reserve(ctx context.Context, ownerID string) (Release, error) {
	if s.limiter == nil {
		return noRelease, nil
	}
	return s.limiter.Reserve(ctx, ownerID)
}

// claimNamespace scopes job ids derived from upload keys.
var claimNamespace = uuid.MustParse("5b0f7a52-3c1e-4f7e-9a57-0c2f4b8e6d19")

func claimJobID(tempKey string) string {
	return uuid.NewSHA1(claimNamespace, []byte(tempKey)).String()
}

// recentClaim answers a claim whose upload is gone or already taken. The
// same owner claiming the same upload moments ago is a double submit.
func (s *Service) recentClaim(ctx context.Context, ownerID, tempKey string, log *slog.Logger) (*ClaimResult, error) {
	job, err := s.jobs.Get(ctx, claimJobID(tempKey))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.NotFound("upload not found")
		}
		return nil, common.Internal("could not look up claim", err)
	}
	if job.OwnerID != ownerID || job.CreatedAt.Before(s.now().Add(-s.cfg.RecentClaimWindow)) {
		return nil, common.NotFound("upload not found")
	}
	log.Info("claim.already_claimed", "job_id", job.ID)
	return &ClaimResult{JobID: job.ID, AlreadyClaimed: true}, nil
}

type RetryResult struct {
	JobID        string              `json:"jobId"`
	Status       constants.JobStatus `json:"status"`
	AttemptCount int                 `json:"attemptCount"`
}

// Retry re-queues one of the owner's failed jobs.
func (s *Service) Retry(ctx context.Context, ownerID, jobID string) (*RetryResult, error) {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With("owner_id", ownerID, "job_id", jobID)

	if job.Status != constants.JobStatusFailed {
		return nil, common.FailedPrecondition("only failed jobs can be retried")
	}
	if job.AttemptCount >= s.cfg.MaxManualRetries {
		log.Info("retry.limit", "attempt_count", job.AttemptCount)
		return nil, common.FailedPrecondition("retry limit reached")
	}
	if job.TotalAttempts >= s.cfg.MaxTotalAttempts {
		log.Info("retry.lifetime_limit", "total_attempts", job.TotalAttempts)
		return nil, common.FailedPrecondition("retry limit reached")
	}

	err = s.jobs.Update(ctx, repository.UpdateJob(job.ID).
		WhereStatus(constants.JobStatusFailed).
		SetStatus(constants.JobStatusProcessing).
		ClearLastError().
		IncAttemptCount())
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.FailedPrecondition("only failed jobs can be retried")
		}
		return nil, common.Internal("could not update job", err)
	}
	if err := s.enqueue(ctx, job); err != nil {
		s.parkUnqueued(ctx, job.ID, err)
		return nil, common.Internal("could not queue job", err)
	}

	log.Info("retry.ok", "attempt_count", job.AttemptCount+1)
	return &RetryResult{JobID: job.ID, Status: constants.JobStatusProcessing, AttemptCount: job.AttemptCount + 1}, nil
}

type StatusView struct {
	Status      constants.JobStatus `json:"status"`
	ProgressPct int                 `json:"progress_pct"`
	Error       *string             `json:"error"`
	CanRetry    bool                `json:"can_retry"`
}

// Status reports where one of the owner's jobs is.
func (s *Service) Status(ctx context.Context, ownerID, jobID string) (*StatusView, error) {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		Status:      job.Status,
		ProgressPct: job.Status.ProgressPct(),
		CanRetry:    s.CanRetry(job),
	}
	if job.Status == constants.JobStatusFailed && job.LastError != nil {
		msg := common.Truncate(*job.LastError, common.MaxErrorLength)
		view.Error = &msg
	}
	return view, nil
}

func (s *Service) CanRetry(job *entity.Job) bool {
	return job.Status == constants.JobStatusFailed &&
		job.AttemptCount < s.cfg.MaxManualRetries &&
		job.TotalAttempts < s.cfg.MaxTotalAttempts
}

// Authorize loads a job for its owner. It backs endpoints that only need the
// ownership check.
func (s *Service) Authorize(ctx context.Context, ownerID, jobID string) (*entity.Job, error) {
	return s.ownedJob(ctx, ownerID, jobID)
}

func (s *Service) ownedJob(ctx context.Context, ownerID, jobID string) (*entity.Job, error) {
	if ownerID == "" {
		return nil, common.Unauthenticated("sign in required")
	}
	v := common.NewValidator().Field("jobId", jobID, common.Required, common.UUID)
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.NotFound("job not found")
		}
		return nil, common.Internal("could not load job", err)
	}
	if job.OwnerID != ownerID {
		s.logger.Warn("job.access_denied", "owner_id", ownerID, "job_id", jobID)
		return nil, common.PermissionDenied("not your job")
	}
	return job, nil
}

func (s *Service) enqueue(ctx context.Context, job *entity.Job) error {
	return s.queue.Enqueue(ctx, async.Message{
		Type:        async.MessageTypeParse,
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		BlobKey:     job.BlobKey,
		ContentHash: job.ContentHash,
		Attempt:     1,
	})
}

// parkUnqueued marks a job failed when its message could not be queued, so
// the owner can retry it instead of watching it hang.
func (s *Service) parkUnqueued(ctx context.Context, jobID string, cause error) {
	s.logger.Error("enqueue failed", "job_id", jobID, "err", cause)
	err := s.jobs.Update(context.WithoutCancel(ctx), repository.UpdateJob(jobID).
		SetStatus(constants.JobStatusFailed).
		SetLastError("could not queue job for processing"))
	if err != nil {
		s.logger.Error("enqueue failure not recorded", "job_id", jobID, "err", err)
	}
}
