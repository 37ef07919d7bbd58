package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/queue"
)

type testPayload struct {
	Value string `msgpack:"value"`
}

func newTestQueue(t *testing.T, opts ...queue.Option) (*queue.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.New("test", rdb, nil, opts...), rdb
}

func TestEnqueueAndGetJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "work", testPayload{Value: "hello"}, queue.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "work", st.Name)
	assert.Equal(t, queue.StateQueued, st.State)
	assert.Zero(t, st.Attempts)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["waiting"])
}

func TestGetJobUnknown(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestEnqueueDeduplicatesByJobKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "work", testPayload{Value: "a"}, queue.Options{JobKey: "user:hash"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "work", testPayload{Value: "a"}, queue.Options{JobKey: "user:hash"})
	require.NoError(t, err)

	assert.Equal(t, first, second, "a live job key must return the existing job")

	other, err := q.Enqueue(ctx, "work", testPayload{Value: "b"}, queue.Options{JobKey: "user:otherhash"})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["waiting"])
}

func TestWorkerCompletesJob(t *testing.T) {
	q, _ := newTestQueue(t, queue.WithWorkers(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Value
	q.RegisterHandler(func(_ context.Context, job *queue.Job) error {
		var p testPayload
		if err := queue.Decode(job.Payload, &p); err != nil {
			return err
		}
		got.Store(p.Value)
		return nil
	})
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, "work", testPayload{Value: "hello"}, queue.Options{Timeout: time.Second})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := q.GetJob(context.Background(), id)
		return err == nil && st.State == queue.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "hello", got.Load())

	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	q.Shutdown(sctx)
}

func TestWorkerRetriesWithBackoffThenFails(t *testing.T) {
	q, _ := newTestQueue(t, queue.WithDefaults(queue.Options{
		Timeout:     time.Second,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	q.RegisterHandler(func(context.Context, *queue.Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	})
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, "work", testPayload{Value: "x"}, queue.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := q.GetJob(context.Background(), id)
		return err == nil && st.State == queue.StateFailed
	}, 10*time.Second, 20*time.Millisecond)

	st, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempts)
	assert.Contains(t, st.Error, "boom")
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestFatalErrorSkipsRetries(t *testing.T) {
	q, _ := newTestQueue(t, queue.WithDefaults(queue.Options{
		Timeout:     time.Second,
		MaxAttempts: 5,
		Backoff:     time.Millisecond,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	q.RegisterHandler(func(context.Context, *queue.Job) error {
		atomic.AddInt32(&attempts, 1)
		return common.NewAppError("BAD_PAYLOAD", "unreadable", common.ErrInvalidInput)
	})
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, "work", testPayload{Value: "x"}, queue.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := q.GetJob(context.Background(), id)
		return err == nil && st.State == queue.StateFailed
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a fatal error must not be retried")
}

func TestDedupKeyReleasedAfterCompletion(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.RegisterHandler(func(context.Context, *queue.Job) error { return nil })
	require.NoError(t, q.Start(ctx))

	first, err := q.Enqueue(ctx, "work", testPayload{Value: "a"}, queue.Options{JobKey: "user:hash", Timeout: time.Second})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := q.GetJob(context.Background(), first)
		return err == nil && st.State == queue.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	second, err := q.Enqueue(ctx, "work", testPayload{Value: "a"}, queue.Options{JobKey: "user:hash", Timeout: time.Second})
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "a finished job must release its key")
}

func TestEnqueueTreatsRecordlessHolderAsLive(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	// A dedup key whose holder has no record yet is a submission mid-flight;
	// it must win, not be taken over.
	require.NoError(t, rdb.Set(ctx, "q:test:key:user:hash", "job-a", 0).Err())

	id, err := q.Enqueue(ctx, "work", testPayload{Value: "a"}, queue.Options{JobKey: "user:hash"})
	require.NoError(t, err)
	assert.Equal(t, "job-a", id, "the in-flight holder must be returned")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts["waiting"], "no second job may be created")

	keys, err := rdb.Keys(ctx, "q:test:job:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys, "the losing submission must clean up its record")
}

func TestFinishOnlyReleasesOwnDedupKey(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	proceed := make(chan struct{})
	q.RegisterHandler(func(context.Context, *queue.Job) error {
		close(started)
		<-proceed
		return nil
	})
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, "work", testPayload{Value: "a"}, queue.Options{JobKey: "user:hash", Timeout: 5 * time.Second})
	require.NoError(t, err)

	<-started
	// A newer submission grabs the key while the job is still running.
	require.NoError(t, rdb.Set(ctx, "q:test:key:user:hash", "newer-job", 0).Err())
	close(proceed)

	require.Eventually(t, func() bool {
		st, err := q.GetJob(context.Background(), id)
		return err == nil && st.State == queue.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	holder, err := rdb.Get(ctx, "q:test:key:user:hash").Result()
	require.NoError(t, err)
	assert.Equal(t, "newer-job", holder, "finishing must not delete a key it no longer holds")
}

func TestHandlerTimeout(t *testing.T) {
	q, _ := newTestQueue(t, queue.WithDefaults(queue.Options{
		Timeout:     50 * time.Millisecond,
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.RegisterHandler(func(hctx context.Context, _ *queue.Job) error {
		<-hctx.Done()
		return hctx.Err()
	})
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, "work", testPayload{Value: "slow"}, queue.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := q.GetJob(context.Background(), id)
		return err == nil && st.State == queue.StateFailed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartRequiresHandler(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Error(t, q.Start(context.Background()))
}

func TestProgressAndResult(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.RegisterHandler(func(hctx context.Context, job *queue.Job) error {
		job.Progress(hctx, "halfway")
		return job.SetResult(hctx, testPayload{Value: "done"})
	})
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, "work", testPayload{Value: "x"}, queue.Options{Timeout: time.Second})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := q.GetJob(context.Background(), id)
		return err == nil && st.State == queue.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	st, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "halfway", st.Progress)

	var res testPayload
	require.NoError(t, queue.Decode(st.Result, &res))
	assert.Equal(t, "done", res.Value)
}
