package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/receiptwise/pipeline/internal/common"
)

// Start launches the worker goroutines plus the delayed-job promoter and
// blocks new launches until Shutdown. A handler must be registered first.
func (q *Queue) Start(ctx context.Context) error {
	if q.handler == nil {
		return fmt.Errorf("queue %s: no handler registered", q.name)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.promoteDelayed(ctx)
	}()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(workerID int) {
			defer q.wg.Done()
			q.logger.Info("worker started", "queue", q.name, "worker_id", workerID)
			q.consume(ctx)
			q.logger.Info("worker stopped", "queue", q.name, "worker_id", workerID)
		}(i + 1)
	}
	return nil
}

// Shutdown waits for in-flight jobs to finish or the context to expire.
func (q *Queue) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context", "queue", q.name)
	case <-done:
		q.logger.Info("queue drained, shutdown complete", "queue", q.name)
	}
}

func (q *Queue) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := q.rdb.BLPop(ctx, time.Second, q.waitingKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			q.logger.Error("failed to pop from queue", "queue", q.name, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}
		q.processOne(ctx, res[1])
	}
}

func (q *Queue) processOne(ctx context.Context, id string) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil || len(fields) == 0 {
		q.logger.Error("claimed job has no record", "queue", q.name, "job_id", id, "error", err)
		return
	}

	attempts, err := q.rdb.HIncrBy(ctx, q.jobKey(id), "attempts", 1).Result()
	if err != nil {
		q.logger.Error("failed to increment attempts", "queue", q.name, "job_id", id, "error", err)
		return
	}

	if err := q.rdb.HSet(ctx, q.jobKey(id), "state", string(StateActive)).Err(); err != nil {
		q.logger.Error("failed to mark job active", "queue", q.name, "job_id", id, "error", err)
	}
	q.rdb.SAdd(ctx, q.activeKey(), id)
	defer q.rdb.SRem(ctx, q.activeKey(), id)

	maxAttempts := intField(fields, "max_attempts", q.defaults.MaxAttempts)
	job := &Job{
		ID:          id,
		Name:        fields["name"],
		Payload:     []byte(fields["payload"]),
		Attempts:    int(attempts),
		MaxAttempts: maxAttempts,
		q:           q,
	}

	timeout := durationField(fields, "timeout_ms", q.defaults.Timeout)
	jctx, cancel := context.WithTimeout(ctx, timeout)
	runErr := q.runHandler(jctx, job, timeout)
	cancel()

	if runErr == nil {
		q.finish(ctx, job, fields, StateCompleted, "")
		return
	}

	if common.IsFatal(runErr) || int(attempts) >= maxAttempts {
		q.logger.Error("job failed with no retries remaining",
			"queue", q.name, "job_id", id, "attempts", attempts, "error", runErr)
		q.finish(ctx, job, fields, StateFailed, runErr.Error())
		return
	}

	backoff := durationField(fields, "backoff_ms", q.defaults.Backoff)
	delay := time.Duration(float64(backoff) * math.Pow(2, float64(attempts-1)))
	q.logger.Warn("job failed, retrying",
		"queue", q.name, "job_id", id, "attempt", attempts, "delay", delay, "error", runErr)

	readyAt := time.Now().Add(delay).UnixMilli()
	if err := q.rdb.HSet(ctx, q.jobKey(id), "state", string(StateDelayed), "error", runErr.Error()).Err(); err != nil {
		q.logger.Error("failed to mark job delayed", "queue", q.name, "job_id", id, "error", err)
	}
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt), Member: id}).Err(); err != nil {
		q.logger.Error("failed to schedule retry", "queue", q.name, "job_id", id, "error", err)
	}
}

// runHandler guards against handlers that ignore their context: a timed-out
// job is treated as a failure even if the handler is still running.
func (q *Queue) runHandler(ctx context.Context, job *Job, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.handler(ctx, job)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("job timed out after %s: %w", timeout, ctx.Err())
	}
}

// releaseScript deletes the dedup key only while the finishing job still
// holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (q *Queue) finish(ctx context.Context, job *Job, fields map[string]string, state State, errMsg string) {
	if err := q.rdb.HSet(ctx, q.jobKey(job.ID), "state", string(state), "error", errMsg).Err(); err != nil {
		q.logger.Error("failed to mark job terminal", "queue", q.name, "job_id", job.ID, "error", err)
	}
	q.rdb.ZAdd(ctx, q.finishedKey(state), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
	q.rdb.Expire(ctx, q.jobKey(job.ID), q.recordTTL)

	if jobKey := fields["job_key"]; jobKey != "" {
		// Compare-and-delete: a newer submission may already hold the key.
		if err := releaseScript.Run(ctx, q.rdb, []string{q.dedupKey(jobKey)}, job.ID).Err(); err != nil {
			q.logger.Error("failed to release dedup key", "queue", q.name, "job_id", job.ID, "error", err)
		}
	}

	if q.onFinish != nil {
		q.onFinish(q.name, string(state))
	}
	if state == StateCompleted {
		q.logger.Info("job completed", "queue", q.name, "job_id", job.ID, "attempts", job.Attempts)
	}
}

// promoteDelayed moves due retries back onto the waiting list. The ZRem
// result arbitrates between concurrent promoters: only the remover requeues.
func (q *Queue) promoteDelayed(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := fmt.Sprintf("%d", time.Now().UnixMilli())
		ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: 100,
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				q.logger.Error("failed to scan delayed jobs", "queue", q.name, "error", err)
			}
			continue
		}

		for _, id := range ids {
			removed, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
			if err != nil || removed == 0 {
				continue
			}
			q.rdb.HSet(ctx, q.jobKey(id), "state", string(StateQueued))
			if err := q.rdb.LPush(ctx, q.waitingKey(), id).Err(); err != nil {
				q.logger.Error("failed to requeue delayed job", "queue", q.name, "job_id", id, "error", err)
			}
		}
	}
}

func intField(fields map[string]string, key string, fallback int) int {
	if v, err := strconv.Atoi(fields[key]); err == nil && v > 0 {
		return v
	}
	return fallback
}

func durationField(fields map[string]string, key string, fallback time.Duration) time.Duration {
	if ms, err := strconv.ParseInt(fields[key], 10, 64); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
