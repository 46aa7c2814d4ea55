package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	jobqueue "github.com/joseph-ayodele/resume-pipeline/internal/async"
)

// Handler processes one message. Returning an error nacks the delivery.
type Handler interface {
	Handle(ctx context.Context, msg jobqueue.Message) error
}

type HandlerFunc func(ctx context.Context, msg jobqueue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg jobqueue.Message) error { return f(ctx, msg) }

// Consumer pulls deliveries from a queue and runs them through a Handler on
// a bounded number of goroutines.
type Consumer struct {
	src     jobqueue.Source
	handler Handler
	logger  *slog.Logger
	workers int64
	timeout time.Duration
	sem     *semaphore.Weighted

	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc
	loop   chan struct{}
}

type Option func(*Consumer)

func WithWorkers(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.workers = int64(n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewConsumer(src jobqueue.Source, handler Handler, logger *slog.Logger, opts ...Option) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		src:     src,
		handler: handler,
		logger:  logger,
		workers: 4,
		timeout: 3 * time.Minute,
		loop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.sem = semaphore.NewWeighted(c.workers)
	return c
}

// Start runs the receive loop in the background until Shutdown or ctx ends.
func (c *Consumer) Start(ctx context.Context) {
	c.once.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		go func() {
			defer close(c.loop)
			c.run(ctx)
		}()
	})
}

func (c *Consumer) run(ctx context.Context) {
	c.logger.Info("consumer started", "workers", c.workers, "timeout", c.timeout)
	defer c.logger.Info("consumer stopped")

	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		d, err := c.src.Receive(ctx)
		if err != nil {
			c.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, jobqueue.ErrClosed) {
				return
			}
			c.logger.Error("consumer.receive.failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c.wg.Add(1)
		go func(d *jobqueue.Delivery) {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.process(ctx, d)
		}(d)
	}
}

// process runs one delivery. In-flight work is not cancelled by Shutdown;
// it gets its own timeout instead.
func (c *Consumer) process(ctx context.Context, d *jobqueue.Delivery) {
	msg := d.Message
	start := time.Now()
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	err := c.handler.Handle(hctx, msg)
	cancel()

	actx, acancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer acancel()
	if err != nil {
		c.logger.Error("processing failed",
			"job_id", msg.JobID, "attempt", msg.Attempt, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		if nerr := d.Nack(actx, err); nerr != nil {
			c.logger.Error("consumer.nack.failed", "job_id", msg.JobID, "error", nerr)
		}
		return
	}
	c.logger.Info("processed job", "job_id", msg.JobID, "attempt", msg.Attempt,
		"elapsed_ms", time.Since(start).Milliseconds())
	if aerr := d.Ack(actx); aerr != nil {
		c.logger.Error("consumer.ack.failed", "job_id", msg.JobID, "error", aerr)
	}
}

// Shutdown stops receiving and waits for in-flight messages until ctx ends.
func (c *Consumer) Shutdown(ctx context.Context) {
	if c.cancel == nil {
		return
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-c.loop
		c.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		c.logger.Warn("shutdown interrupted by context")
	case <-done:
		c.logger.Info("consumer drained, shutdown complete")
	}
}
