package async

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Key           string
	PollTimeout   time.Duration
	MaxDeliveries int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// RedisQueue is a reliable list queue. Received payloads are parked in a
// processing list until acked; nacked ones wait in a delayed sorted set and
// are promoted back once due.
type RedisQueue struct {
	rdb    *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
	closed atomic.Bool
}

func NewRedisQueue(rdb *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Key == "" {
		cfg.Key = "resume:parse"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &RedisQueue{rdb: rdb, cfg: cfg, logger: logger}
}

func (q *RedisQueue) processingKey() string { return q.cfg.Key + ":processing" }
func (q *RedisQueue) delayedKey() string    { return q.cfg.Key + ":delayed" }
func (q *RedisQueue) deadKey() string       { return q.cfg.Key + ":dead" }

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if q.closed.Load() {
		return ErrClosed
	}
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.cfg.Key, payload).Err(); err != nil {
		q.logger.Error("queue.enqueue.failed", "job_id", msg.JobID, "err", err)
		return fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("queue.enqueued", "job_id", msg.JobID, "attempt", msg.Attempt)
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn("queue.promote.failed", "err", err)
		}

		payload, err := q.rdb.BLMove(ctx, q.cfg.Key, q.processingKey(), "RIGHT", "LEFT", q.cfg.PollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			q.logger.Error("failed to pop from queue", "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		msg, err := Decode([]byte(payload))
		if err != nil {
			q.logger.Error("invalid job payload", "err", err)
			q.bury(ctx, payload, Message{}, err)
			continue
		}
		return q.delivery(payload, msg), nil
	}
}

func (q *RedisQueue) delivery(payload string, msg Message) *Delivery {
	return &Delivery{
		Message: msg,
		Ack: func(ctx context.Context) error {
			return q.rdb.LRem(ctx, q.processingKey(), 1, payload).Err()
		},
		Nack: func(ctx context.Context, cause error) error {
			if msg.Attempt >= q.cfg.MaxDeliveries {
				q.logger.Error("queue.dead_lettered", "job_id", msg.JobID, "attempt", msg.Attempt, "err", cause)
				return q.bury(ctx, payload, msg, cause)
			}
			next := msg
			next.Attempt++
			nextPayload, err := Encode(next)
			if err != nil {
				return err
			}
			delay := Backoff(q.cfg.BackoffBase, q.cfg.BackoffMax, msg.Attempt)
			due := float64(time.Now().Add(delay).UnixMilli())
			_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processingKey(), 1, payload)
				pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: nextPayload})
				return nil
			})
			if err != nil {
				return fmt.Errorf("schedule redelivery: %w", err)
			}
			q.logger.Warn("queue.redeliver_scheduled", "job_id", msg.JobID, "attempt", next.Attempt, "delay_ms", delay.Milliseconds())
			return nil
		},
	}
}

// bury moves a payload from the processing list to the dead-letter list.
func (q *RedisQueue) bury(ctx context.Context, payload string, msg Message, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	dl := struct {
		DeadLetter
		Raw string `json:"raw,omitempty"`
	}{DeadLetter: DeadLetter{Message: msg, Reason: reason, FailedAt: time.Now().UTC()}}
	if msg.JobID == "" {
		dl.Raw = payload
	}
	entry, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, payload)
		pipe.RPush(ctx, q.deadKey(), entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	return nil
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		return err
	}
	for _, payload := range due {
		// ZRem decides which consumer owns the promotion.
		n, err := q.rdb.ZRem(ctx, q.delayedKey(), payload).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.cfg.Key, payload).Err(); err != nil {
			return err
		}
	}
	return nil
}

// RecoverInFlight returns payloads stranded in the processing list (by a
// crashed consumer) to the main list. Run it before consumers start.
func (q *RedisQueue) RecoverInFlight(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey(), q.cfg.Key, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("recover in-flight: %w", err)
		}
		n++
	}
	if n > 0 {
		q.logger.Warn("queue.recovered_in_flight", "count", n)
	}
	return n, nil
}

// DeadLetters lists up to limit dead-lettered messages, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := q.rdb.LRange(ctx, q.deadKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			q.logger.Warn("queue.dead_letter.unreadable", "err", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// RequeueDead moves every readable dead letter back to the main list with a
// fresh delivery count.
func (q *RedisQueue) RequeueDead(ctx context.Context) (int, error) {
	n := 0
	for {
		entry, err := q.rdb.LPop(ctx, q.deadKey()).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("requeue dead letters: %w", err)
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(entry), &dl); err != nil || dl.Message.JobID == "" {
			q.logger.Warn("queue.dead_letter.dropped", "entry", entry)
			continue
		}
		dl.Message.Attempt = 1
		if err := q.Enqueue(ctx, dl.Message); err != nil {
			return n, err
		}
		n++
	}
}

func (q *RedisQueue) Shutdown(_ context.Context) {
	if q.closed.Swap(true) {
		return
	}
	q.logger.Info("queue closed", "key", q.cfg.Key)
}
