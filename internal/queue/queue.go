package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/receiptwise/pipeline/internal/common"
)

// State is a job's position in the queue state machine:
// queued → active → completed | failed, with failed attempts parked in
// delayed until their backoff elapses.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Options control one job submission.
type Options struct {
	// JobKey deduplicates submissions: while a job with the same key is
	// queued, delayed or active, re-submitting does not create a second job.
	JobKey      string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration // base for exponential backoff
}

// Handler processes one claimed job. The context carries the submission
// timeout; returning an error surfaces the job to the retry policy.
type Handler func(ctx context.Context, job *Job) error

// Job is a claimed unit of work handed to a Handler.
type Job struct {
	ID          string
	Name        string
	Payload     []byte
	Attempts    int
	MaxAttempts int

	q *Queue
}

// LastAttempt reports whether this run is the job's final one: a failure now
// is terminal, not retried.
func (j *Job) LastAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Progress records a coarse named checkpoint, readable via GetJob.
func (j *Job) Progress(ctx context.Context, step string) {
	if err := j.q.rdb.HSet(ctx, j.q.jobKey(j.ID), "progress", step).Err(); err != nil {
		j.q.logger.Warn("failed to record progress", "queue", j.q.name, "job_id", j.ID, "step", step, "error", err)
	}
}

// SetResult stores the job's result payload on its record.
func (j *Job) SetResult(ctx context.Context, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return j.q.rdb.HSet(ctx, j.q.jobKey(j.ID), "result", b).Err()
}

// Status is the externally visible view of a job.
type Status struct {
	ID       string
	Name     string
	State    State
	Progress string
	Attempts int
	Error    string
	Result   []byte
}

// Queue is a durable Redis-backed queue. Waiting jobs live in a list, delayed
// retries in a sorted set scored by ready time, and each job's record in a
// hash. BLPOP claims are atomic, so multiple consumers never double-process.
type Queue struct {
	name      string
	rdb       redis.UniversalClient
	logger    *slog.Logger
	handler   Handler
	workers   int
	defaults  Options
	recordTTL time.Duration
	onFinish  func(queue, outcome string)

	wg sync.WaitGroup
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithDefaults(o Options) Option {
	return func(q *Queue) { q.defaults = o }
}

func WithRecordTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.recordTTL = d
		}
	}
}

// WithFinishHook observes every terminal job outcome ("completed", "failed").
func WithFinishHook(fn func(queue, outcome string)) Option {
	return func(q *Queue) { q.onFinish = fn }
}

func New(name string, rdb redis.UniversalClient, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		name:    name,
		rdb:     rdb,
		logger:  logger,
		workers: 1,
		defaults: Options{
			Timeout:     time.Minute,
			MaxAttempts: 3,
			Backoff:     5 * time.Second,
		},
		recordTTL: 24 * time.Hour,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Name() string { return q.name }

// RegisterHandler binds the processing function. Registration is explicit and
// happens once at startup, before Start.
func (q *Queue) RegisterHandler(fn Handler) {
	q.handler = fn
}

func (q *Queue) key(parts ...string) string {
	k := "q:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string    { return q.key("job", id) }
func (q *Queue) dedupKey(k string) string   { return q.key("key", k) }
func (q *Queue) waitingKey() string         { return q.key("waiting") }
func (q *Queue) delayedKey() string         { return q.key("delayed") }
func (q *Queue) finishedKey(s State) string { return q.key(string(s)) }
func (q *Queue) activeKey() string          { return q.key("active") }

// Enqueue submits a job. When opts.JobKey matches a live job, the existing
// job's id is returned and no new job is created.
func (q *Queue) Enqueue(ctx context.Context, jobName string, payload any, opts Options) (string, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = q.defaults.Timeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.defaults.MaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.defaults.Backoff
	}

	body, err := msgpack.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()

	// The record is written before the dedup key is claimed, so a concurrent
	// submission that loses the claim always finds a live record behind the
	// holding id.
	fields := map[string]any{
		"name":         jobName,
		"state":        string(StateQueued),
		"attempts":     0,
		"max_attempts": opts.MaxAttempts,
		"backoff_ms":   opts.Backoff.Milliseconds(),
		"timeout_ms":   opts.Timeout.Milliseconds(),
		"job_key":      opts.JobKey,
		"progress":     "",
		"error":        "",
		"payload":      body,
		"created_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := q.rdb.HSet(ctx, q.jobKey(id), fields).Err(); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}

	if opts.JobKey != "" {
		existing, err := q.claimDedupKey(ctx, opts.JobKey, id)
		if err != nil {
			q.rdb.Del(ctx, q.jobKey(id))
			return "", err
		}
		if existing != "" {
			q.rdb.Del(ctx, q.jobKey(id))
			q.logger.Info("job deduplicated", "queue", q.name, "job_key", opts.JobKey, "job_id", existing)
			return existing, nil
		}
	}

	if err := q.rdb.LPush(ctx, q.waitingKey(), id).Err(); err != nil {
		return "", fmt.Errorf("push job: %w", err)
	}

	q.logger.Info("job enqueued", "queue", q.name, "job_id", id, "job_name", jobName, "job_key", opts.JobKey)
	return id, nil
}

// takeoverScript replaces the dedup key's value only while the observed
// holder still owns it, so two submissions can never both take the key over.
var takeoverScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0`)

// claimDedupKey returns the live job id already holding the key, or empty when
// this submission won the key. Only a provably terminal holder releases the
// key; a holder whose record cannot be found is treated as live, since its
// submission may still be in flight.
func (q *Queue) claimDedupKey(ctx context.Context, jobKey, id string) (string, error) {
	for {
		ok, err := q.rdb.SetNX(ctx, q.dedupKey(jobKey), id, q.recordTTL).Result()
		if err != nil {
			return "", fmt.Errorf("dedup setnx: %w", err)
		}
		if ok {
			return "", nil
		}

		holder, err := q.rdb.Get(ctx, q.dedupKey(jobKey)).Result()
		if errors.Is(err, redis.Nil) {
			// Key released between SetNX and Get: claim again.
			continue
		}
		if err != nil {
			return "", fmt.Errorf("dedup get: %w", err)
		}

		st, err := q.GetJob(ctx, holder)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return holder, nil
			}
			return "", err
		}
		if st.State != StateCompleted && st.State != StateFailed {
			return holder, nil
		}

		// Terminal holder: take over the key, unless someone else just did.
		taken, err := takeoverScript.Run(ctx, q.rdb,
			[]string{q.dedupKey(jobKey)}, holder, id, q.recordTTL.Milliseconds()).Int()
		if err != nil {
			return "", fmt.Errorf("dedup takeover: %w", err)
		}
		if taken == 1 {
			return "", nil
		}
	}
}

// GetJob looks up one job's status by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Status, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if len(fields) == 0 {
		return nil, common.ErrNotFound
	}
	st := &Status{
		ID:       id,
		Name:     fields["name"],
		State:    State(fields["state"]),
		Progress: fields["progress"],
		Error:    fields["error"],
		Result:   []byte(fields["result"]),
	}
	if n, err := strconv.Atoi(fields["attempts"]); err == nil {
		st.Attempts = n
	}
	return st, nil
}

// Counts reports the queue depth per state.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	waiting, err := q.rdb.LLen(ctx, q.waitingKey()).Result()
	if err != nil {
		return nil, err
	}
	delayed, err := q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return nil, err
	}
	active, err := q.rdb.SCard(ctx, q.activeKey()).Result()
	if err != nil {
		return nil, err
	}

	// Prune terminal records older than the retention window before counting.
	cutoff := fmt.Sprintf("%d", time.Now().Add(-q.recordTTL).UnixMilli())
	counts := map[string]int64{"waiting": waiting, "delayed": delayed, "active": active}
	for _, s := range []State{StateCompleted, StateFailed} {
		if err := q.rdb.ZRemRangeByScore(ctx, q.finishedKey(s), "0", cutoff).Err(); err != nil {
			return nil, err
		}
		n, err := q.rdb.ZCard(ctx, q.finishedKey(s)).Result()
		if err != nil {
			return nil, err
		}
		counts[string(s)] = n
	}
	return counts, nil
}

// Decode unmarshals a job payload produced by Enqueue.
func Decode(payload []byte, v any) error {
	return msgpack.Unmarshal(payload, v)
}
