package statusclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/joseph-ayodele/resume-pipeline/constants"
)

// Status is the body of GET /status.
type Status struct {
	Status      constants.JobStatus `json:"status"`
	ProgressPct int                 `json:"progress_pct"`
	Error       *string             `json:"error"`
	CanRetry    bool                `json:"can_retry"`
}

// StatusError is a non-2xx answer from the status endpoint.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status endpoint returned %d: %s", e.Code, e.Message)
}

type Poller struct {
	cfg Config
}

func NewPoller(cfg Config) *Poller {
	return &Poller{cfg: cfg.withDefaults()}
}

// Fetch reads the job's current status once.
func (p *Poller) Fetch(ctx context.Context, jobID string) (*Status, error) {
	endpoint := p.cfg.BaseURL + "/status?job_id=" + url.QueryEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.OwnerID != "" {
		req.Header.Set("X-User-ID", p.cfg.OwnerID)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = json.Unmarshal(raw, &body)
		return nil, &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Poll fetches at a fixed interval until the job is terminal. onEvent sees
// each status change. Client errors (4xx) stop polling; anything else is
// retried on the next tick.
func (p *Poller) Poll(ctx context.Context, jobID string, onEvent func(Event)) (Event, error) {
	var last constants.JobStatus
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		st, err := p.Fetch(ctx, jobID)
		switch {
		case err == nil:
			e := Event{Type: "status", JobID: jobID, Status: st.Status, At: time.Now().UTC()}
			if st.Error != nil {
				e.Error = *st.Error
			}
			if st.Status != last {
				last = st.Status
				if onEvent != nil {
					onEvent(e)
				}
			}
			if st.Status.IsTerminal() {
				return e, nil
			}
		case isClientError(err):
			return Event{}, err
		default:
			p.cfg.Logger.Debug("statusclient.poll.failed", "job_id", jobID, "err", err)
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-t.C:
		}
	}
}

func isClientError(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code >= 400 && se.Code < 500
}
