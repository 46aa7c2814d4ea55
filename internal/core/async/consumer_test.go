package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobqueue "github.com/joseph-ayodele/resume-pipeline/internal/async"
	"github.com/joseph-ayodele/resume-pipeline/internal/testutil"
)

func message() jobqueue.Message {
	id := uuid.NewString()
	return jobqueue.Message{
		Type:        jobqueue.MessageTypeParse,
		JobID:       id,
		OwnerID:     "u1",
		BlobKey:     "users/u1/" + id + ".pdf",
		ContentHash: testutil.Hash([]byte(id)),
		Attempt:     1,
	}
}

func TestConsumer_BoundedConcurrency(t *testing.T) {
	q := jobqueue.NewMemoryQueue(testutil.Logger())
	defer q.Shutdown(context.Background())

	var (
		running, peak atomic.Int32
		wg            sync.WaitGroup
	)
	const total = 12
	wg.Add(total)
	h := HandlerFunc(func(ctx context.Context, msg jobqueue.Message) error {
		defer wg.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	c := NewConsumer(q, h, testutil.Logger(), WithWorkers(3))
	c.Start(context.Background())
	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(context.Background(), message()))
	}

	waitOrFail(t, &wg)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 0, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Shutdown(ctx)
}

func TestConsumer_NackedMessagesAreRedelivered(t *testing.T) {
	q := jobqueue.NewMemoryQueue(testutil.Logger(),
		jobqueue.WithBackoff(5*time.Millisecond, 10*time.Millisecond),
		jobqueue.WithMaxDeliveries(3))
	defer q.Shutdown(context.Background())

	var (
		mu       sync.Mutex
		attempts []int
		wg       sync.WaitGroup
	)
	wg.Add(3)
	h := HandlerFunc(func(ctx context.Context, msg jobqueue.Message) error {
		defer wg.Done()
		mu.Lock()
		attempts = append(attempts, msg.Attempt)
		mu.Unlock()
		return errors.New("store unavailable")
	})

	c := NewConsumer(q, h, testutil.Logger(), WithWorkers(1))
	c.Start(context.Background())
	require.NoError(t, q.Enqueue(context.Background(), message()))

	waitOrFail(t, &wg)
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Shutdown(ctx)
}

func TestConsumer_ShutdownWaitsForInFlight(t *testing.T) {
	q := jobqueue.NewMemoryQueue(testutil.Logger())
	defer q.Shutdown(context.Background())

	started := make(chan struct{})
	var finished atomic.Bool
	h := HandlerFunc(func(ctx context.Context, msg jobqueue.Message) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	})

	c := NewConsumer(q, h, testutil.Logger(), WithWorkers(2), WithProcessTimeout(time.Second))
	c.Start(context.Background())
	require.NoError(t, q.Enqueue(context.Background(), message()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Shutdown(ctx)
	assert.True(t, finished.Load())
	assert.Empty(t, q.DeadLetters())
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
}
