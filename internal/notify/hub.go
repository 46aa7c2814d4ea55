package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/resume-pipeline/constants"
)

// StatusEvent is the message pushed to a job's channel subscribers.
type StatusEvent struct {
	Type   string              `json:"type"`
	JobID  string              `json:"jobId"`
	Status constants.JobStatus `json:"status"`
	Error  string              `json:"error,omitempty"`
	At     time.Time           `json:"at"`
}

// Hub is the per-job channel registry: one logical channel per job id with
// any number of subscribers. Publish never blocks; a subscriber whose buffer
// is full misses the event and is expected to poll.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu   sync.RWMutex
	subs map[string][]chan StatusEvent
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		buffer: 16,
		subs:   make(map[string][]chan StatusEvent),
	}
}

// Subscribe returns the event stream for jobID and a func that ends the
// subscription and closes the stream.
func (h *Hub) Subscribe(jobID string) (<-chan StatusEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan StatusEvent, h.buffer)
	h.subs[jobID] = append(h.subs[jobID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subscribers := h.subs[jobID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					h.subs[jobID] = append(subscribers[:i:i], subscribers[i+1:]...)
					break
				}
			}
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
		})
	}
	return ch, unsub
}

// Publish delivers e to every current subscriber of e.JobID.
func (h *Hub) Publish(e StatusEvent) int {
	if e.Type == "" {
		e.Type = "status"
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, ch := range h.subs[e.JobID] {
		select {
		case ch <- e:
			delivered++
		default:
			h.logger.Warn("hub channel full, dropping event", "job_id", e.JobID, "status", e.Status)
		}
	}
	return delivered
}

// Subscribers reports how many listeners jobID has.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
