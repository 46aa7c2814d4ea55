// Package notify pushes job status changes towards waiting clients.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/resume-pipeline/constants"
)

// Notifier delivers status updates on a best-effort basis. Implementations
// log and swallow every failure; returning means "attempted", not "delivered".
type Notifier interface {
	Notify(ctx context.Context, jobID string, status constants.JobStatus, errMsg string)
	NotifyBatch(ctx context.Context, jobIDs []string, status constants.JobStatus)
}

// Payload is the body of POST /jobs/{id}/notify.
type Payload struct {
	Status constants.JobStatus `json:"status"`
	Error  string              `json:"error,omitempty"`
}

// HubNotifier publishes straight into an in-process Hub.
type HubNotifier struct {
	hub *Hub
}

func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) Notify(_ context.Context, jobID string, status constants.JobStatus, errMsg string) {
	n.hub.Publish(StatusEvent{JobID: jobID, Status: status, Error: errMsg})
}

func (n *HubNotifier) NotifyBatch(ctx context.Context, jobIDs []string, status constants.JobStatus) {
	for _, id := range jobIDs {
		n.Notify(ctx, id, status, "")
	}
}

type HTTPConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	Concurrency int
}

// HTTPNotifier posts to the status channel endpoint of an API node.
type HTTPNotifier struct {
	base        string
	token       string
	timeout     time.Duration
	concurrency int
	httpc       *http.Client
	log         *slog.Logger
}

func NewHTTPNotifier(cfg HTTPConfig, logger *slog.Logger) *HTTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &HTTPNotifier{
		base:        strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		httpc:       &http.Client{Timeout: cfg.Timeout},
		log:         logger,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, jobID string, status constants.JobStatus, errMsg string) {
	if err := n.post(ctx, jobID, Payload{Status: status, Error: errMsg}); err != nil {
		n.log.Warn("notify.failed", "job_id", jobID, "status", status, "err", err)
		return
	}
	n.log.Debug("notify.sent", "job_id", jobID, "status", status)
}

// NotifyBatch sends one notification per job concurrently. A failure for one
// job never affects the others.
func (n *HTTPNotifier) NotifyBatch(ctx context.Context, jobIDs []string, status constants.JobStatus) {
	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for _, id := range jobIDs {
		id := id
		g.Go(func() error {
			n.Notify(ctx, id, status, "")
			return nil
		})
	}
	_ = g.Wait()
}

func (n *HTTPNotifier) post(ctx context.Context, jobID string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/jobs/%s/notify", n.base, url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("X-Notify-Token", n.token)
	}

	resp, err := n.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Nop drops every update. Used by tools that run the processor offline.
type Nop struct{}

func (Nop) Notify(context.Context, string, constants.JobStatus, string) {}
func (Nop) NotifyBatch(context.Context, []string, constants.JobStatus) {}
