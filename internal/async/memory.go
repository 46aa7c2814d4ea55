package async

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	Message  Message   `json:"message"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// MemoryQueue is an in-process queue with the same delivery semantics as
// RedisQueue: nacked messages come back after a backoff with Attempt+1 and
// are dead-lettered once MaxDeliveries is reached.
type MemoryQueue struct {
	logger        *slog.Logger
	ch            chan Message
	done          chan struct{}
	maxDeliveries int
	backoffBase   time.Duration
	backoffMax    time.Duration

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
	dead   []DeadLetter
}

type Option func(*MemoryQueue)

func WithQueueSize(n int) Option {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.ch = make(chan Message, n)
		}
	}
}

func WithMaxDeliveries(n int) Option {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

func WithBackoff(base, max time.Duration) Option {
	return func(q *MemoryQueue) {
		if base > 0 {
			q.backoffBase = base
		}
		if max > 0 {
			q.backoffMax = max
		}
	}
}

func NewMemoryQueue(logger *slog.Logger, opts ...Option) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &MemoryQueue{
		logger:        logger,
		ch:            make(chan Message, 256),
		done:          make(chan struct{}),
		maxDeliveries: 5,
		backoffBase:   time.Second,
		backoffMax:    time.Minute,
		timers:        make(map[*time.Timer]struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if _, err := Encode(msg); err != nil {
		return err
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "job_id", msg.JobID)
		return ErrClosed
	}

	select {
	case q.ch <- msg:
		q.logger.Debug("queue.enqueued", "job_id", msg.JobID, "attempt", msg.Attempt)
		return nil
	default:
	}
	q.logger.Warn("queue full, applying backpressure", "job_id", msg.JobID)
	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case msg := <-q.ch:
		return q.delivery(msg), nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) delivery(msg Message) *Delivery {
	return &Delivery{
		Message: msg,
		Ack:     func(context.Context) error { return nil },
		Nack: func(_ context.Context, cause error) error {
			q.nack(msg, cause)
			return nil
		},
	}
}

func (q *MemoryQueue) nack(msg Message, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.Attempt >= q.maxDeliveries {
		q.dead = append(q.dead, DeadLetter{Message: msg, Reason: reason, FailedAt: time.Now().UTC()})
		q.logger.Error("queue.dead_lettered", "job_id", msg.JobID, "attempt", msg.Attempt, "err", reason)
		return
	}
	if q.closed {
		return
	}

	delay := Backoff(q.backoffBase, q.backoffMax, msg.Attempt)
	next := msg
	next.Attempt++
	q.logger.Warn("queue.redeliver_scheduled", "job_id", msg.JobID, "attempt", next.Attempt, "delay_ms", delay.Milliseconds())

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if err := q.Enqueue(context.Background(), next); err != nil {
			q.logger.Warn("queue.redeliver_failed", "job_id", next.JobID, "err", err)
		}
	})
	q.timers[t] = struct{}{}
}

// DeadLetters returns a copy of the dead-letter list.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Len is the number of messages ready for delivery.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Shutdown(_ context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	close(q.done)
	q.logger.Info("queue closed", "pending", len(q.ch))
}
