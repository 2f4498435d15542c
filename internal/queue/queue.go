// Package queue implements a Redis-backed job queue with a shared worker
// pool. Each job type owns its handler, concurrency limit, attempt budget,
// backoff policy, and lease duration. Waiting jobs live in a Redis list per
// type (high-priority jobs jump to the front), delayed and retrying jobs in
// a sorted set scored by ready time, and running jobs in a sorted set scored
// by lease deadline so a crashed worker's jobs are re-dispatched.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	redisclient "github.com/dedlyfi/loanbroker/internal/cache/redis"
	"github.com/dedlyfi/loanbroker/internal/domain"
)

// completedRetention is how long finished job records stay readable before
// Redis expires them.
const completedRetention = 24 * time.Hour

// Handler executes one job. A nil return completes the job; an error either
// schedules a retry or, at the attempt limit, marks the job failed.
type Handler func(ctx context.Context, job domain.Job) error

// Backoff is an exponential backoff policy between retry attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next attempt. attempt is the number of
// attempts already made (>= 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Policy is the per-job-type execution policy. Every field is explicit
// configuration; there are no inherited defaults.
type Policy struct {
	Concurrency int
	MaxAttempts int
	Backoff     Backoff
	Lease       time.Duration
}

// Options tune a single enqueued job. Zero values fall back to the job
// type's policy.
type Options struct {
	Priority    int // > 0 dispatches ahead of waiting peers
	MaxAttempts int
	Lease       time.Duration
	Delay       time.Duration
}

type handlerEntry struct {
	handler Handler
	policy  Policy
	sem     *semaphore.Weighted
}

// Queue is the job queue and worker pool. Construct it with New, register
// every job type before Run, and consume Events for lifecycle observability.
type Queue struct {
	rdb          *redis.Client
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]*handlerEntry
	types    []string

	events chan domain.JobEvent

	repMu    sync.Mutex
	repStops map[string]chan struct{}

	running sync.WaitGroup
}

// New creates a Queue with the given worker count and idle poll interval.
func New(c *redisclient.Client, workers int, pollInterval time.Duration, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Queue{
		rdb:          c.Underlying(),
		logger:       logger.With(slog.String("component", "queue")),
		workers:      workers,
		pollInterval: pollInterval,
		handlers:     make(map[string]*handlerEntry),
		events:       make(chan domain.JobEvent, 256),
		repStops:     make(map[string]chan struct{}),
	}
}

// RegisterHandler binds a job type to its handler and policy. It must be
// called before Run; re-registering a type replaces the previous binding.
func (q *Queue) RegisterHandler(jobType string, p Policy, h Handler) {
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Lease <= 0 {
		p.Lease = time.Minute
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[jobType]; !exists {
		q.types = append(q.types, jobType)
	}
	q.handlers[jobType] = &handlerEntry{
		handler: h,
		policy:  p,
		sem:     semaphore.NewWeighted(int64(p.Concurrency)),
	}
}

// RegisteredPolicy returns the effective policy for a job type, after the
// defaults RegisterHandler applies. The second result is false when the type
// has no handler.
func (q *Queue) RegisteredPolicy(jobType string) (Policy, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	entry, ok := q.handlers[jobType]
	if !ok {
		return Policy{}, false
	}
	return entry.policy, true
}

// Events returns the job lifecycle event stream. The orchestrator must keep
// one consumer attached; events are delivered at least once per lifecycle
// transition.
func (q *Queue) Events() <-chan domain.JobEvent {
	return q.events
}

func jobKey(id string) string          { return "job:" + id }
func waitingKey(jobType string) string { return "queue:" + jobType + ":waiting" }
func delayedKey(jobType string) string { return "queue:" + jobType + ":delayed" }
func activeKey(jobType string) string  { return "queue:" + jobType + ":active" }

// Enqueue adds one job of the given type. The payload must be one of the
// domain payload variants for that type.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error) {
	q.mu.RLock()
	entry := q.handlers[jobType]
	q.mu.RUnlock()

	maxAttempts := opts.MaxAttempts
	lease := opts.Lease
	if entry != nil {
		if maxAttempts <= 0 {
			maxAttempts = entry.policy.MaxAttempts
		}
		if lease <= 0 {
			lease = entry.policy.Lease
		}
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if lease <= 0 {
		lease = time.Minute
	}

	data, err := domain.EncodePayload(payload)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	fields := map[string]interface{}{
		"type":         jobType,
		"payload":      data,
		"state":        string(domain.JobStateWaiting),
		"priority":     opts.Priority,
		"attempts":     0,
		"max_attempts": maxAttempts,
		"lease_ms":     lease.Milliseconds(),
		"enqueued_at":  now.UnixNano(),
	}
	if err := q.rdb.HSet(ctx, jobKey(id), fields).Err(); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", jobType, err)
	}

	if opts.Delay > 0 {
		readyAt := float64(now.Add(opts.Delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, delayedKey(jobType), redis.Z{Score: readyAt, Member: id}).Err(); err != nil {
			return "", fmt.Errorf("queue: delay %s: %w", jobType, err)
		}
		return id, nil
	}

	if err := q.pushWaiting(ctx, jobType, id, opts.Priority); err != nil {
		return "", err
	}
	return id, nil
}

// pushWaiting appends a job to its type's waiting list. Priority jobs go to
// the front so they dispatch before already-waiting peers.
func (q *Queue) pushWaiting(ctx context.Context, jobType, id string, priority int) error {
	var err error
	if priority > 0 {
		err = q.rdb.LPush(ctx, waitingKey(jobType), id).Err()
	} else {
		err = q.rdb.RPush(ctx, waitingKey(jobType), id).Err()
	}
	if err != nil {
		return fmt.Errorf("queue: push waiting %s: %w", jobType, err)
	}
	return nil
}

// loadJob reads a job record from its Redis hash.
func (q *Queue) loadJob(ctx context.Context, id string) (domain.Job, error) {
	vals, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	if len(vals) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}

	job := domain.Job{
		ID:      id,
		Type:    vals["type"],
		Payload: []byte(vals["payload"]),
		State:   domain.JobState(vals["state"]),
	}
	job.Priority, _ = strconv.Atoi(vals["priority"])
	job.Attempts, _ = strconv.Atoi(vals["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(vals["max_attempts"])
	if leaseMs, err := strconv.ParseInt(vals["lease_ms"], 10, 64); err == nil {
		job.Lease = time.Duration(leaseMs) * time.Millisecond
	}
	if enq, err := strconv.ParseInt(vals["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.Unix(0, enq)
	}
	job.LastError = vals["error"]
	return job, nil
}

// emit delivers a lifecycle event, blocking until the consumer accepts it or
// the context ends.
func (q *Queue) emit(ctx context.Context, ev domain.JobEvent) {
	select {
	case q.events <- ev:
	case <-ctx.Done():
	}
}
