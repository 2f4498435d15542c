package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// Run starts the worker pool, the delayed-job promoter, and the stalled-job
// reaper, and blocks until the context is cancelled. In-flight handlers are
// drained before Run returns; a job itself has no cancellation signal and
// runs to completion, failure, or lease expiry.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.RLock()
	workers := q.workers
	q.mu.RUnlock()

	q.logger.Info("queue starting",
		slog.Int("workers", workers),
		slog.Duration("poll_interval", q.pollInterval),
	)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			q.workerLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		q.promoterLoop(gctx)
		return nil
	})
	g.Go(func() error {
		q.reaperLoop(gctx)
		return nil
	})

	err := g.Wait()
	q.running.Wait()
	q.stopAllRepeatables()
	q.logger.Info("queue stopped")
	return err
}

// workerLoop scans all registered job types round-robin, executing at most
// one job per scan. When a full scan finds nothing runnable the worker
// sleeps for the poll interval.
func (q *Queue) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		q.mu.RLock()
		types := append([]string(nil), q.types...)
		q.mu.RUnlock()

		ran := false
		for _, jobType := range types {
			if ctx.Err() != nil {
				return
			}
			if q.tryRunOne(ctx, jobType) {
				ran = true
			}
		}

		if !ran {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
		}
	}
}

// tryRunOne pops and executes one waiting job of the given type, respecting
// the type's concurrency limit. It reports whether a job was run.
func (q *Queue) tryRunOne(ctx context.Context, jobType string) bool {
	q.mu.RLock()
	entry := q.handlers[jobType]
	q.mu.RUnlock()
	if entry == nil {
		return false
	}

	if !entry.sem.TryAcquire(1) {
		return false
	}
	defer entry.sem.Release(1)

	id, err := q.rdb.LPop(ctx, waitingKey(jobType)).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			q.logger.Error("waiting pop failed",
				slog.String("job_type", jobType),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	q.running.Add(1)
	defer q.running.Done()

	q.execute(ctx, entry, jobType, id)
	return true
}

// execute runs one attempt of a job and settles its outcome.
func (q *Queue) execute(ctx context.Context, entry *handlerEntry, jobType, id string) {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		q.logger.Error("job record missing, dropping",
			slog.String("job_id", id),
			slog.String("job_type", jobType),
			slog.String("error", err.Error()),
		)
		return
	}

	attempts, err := q.rdb.HIncrBy(ctx, jobKey(id), "attempts", 1).Result()
	if err != nil {
		// Put the job back rather than lose it.
		_ = q.pushWaiting(ctx, jobType, id, job.Priority)
		return
	}
	job.Attempts = int(attempts)

	lease := job.Lease
	if lease <= 0 {
		lease = entry.policy.Lease
	}
	deadline := float64(time.Now().Add(lease).UnixMilli())
	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, jobKey(id), "state", string(domain.JobStateActive))
	pipe.ZAdd(ctx, activeKey(jobType), redis.Z{Score: deadline, Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		_ = q.pushWaiting(ctx, jobType, id, job.Priority)
		return
	}

	handlerErr := entry.handler(ctx, job)

	if handlerErr == nil {
		q.complete(ctx, jobType, job)
		return
	}
	q.fail(ctx, entry, jobType, job, handlerErr)
}

func (q *Queue) complete(ctx context.Context, jobType string, job domain.Job) {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, activeKey(jobType), job.ID)
	pipe.HSet(ctx, jobKey(job.ID), "state", string(domain.JobStateCompleted))
	pipe.Expire(ctx, jobKey(job.ID), completedRetention)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		q.logger.Error("job completion bookkeeping failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	q.emit(ctx, domain.JobEvent{
		Kind:     domain.JobEventCompleted,
		JobID:    job.ID,
		JobType:  jobType,
		Attempts: job.Attempts,
		At:       time.Now().UTC(),
	})
}

// fail either schedules a retry with backoff or, once the attempt budget is
// spent, marks the job failed and leaves the record for operator inspection.
func (q *Queue) fail(ctx context.Context, entry *handlerEntry, jobType string, job domain.Job, handlerErr error) {
	if job.Attempts < job.MaxAttempts {
		delay := entry.policy.Backoff.Delay(job.Attempts)
		readyAt := float64(time.Now().Add(delay).UnixMilli())

		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, activeKey(jobType), job.ID)
		pipe.HSet(ctx, jobKey(job.ID),
			"state", string(domain.JobStateWaiting),
			"error", handlerErr.Error(),
		)
		pipe.ZAdd(ctx, delayedKey(jobType), redis.Z{Score: readyAt, Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("retry scheduling failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}

		q.logger.Warn("job attempt failed, retrying",
			slog.String("job_id", job.ID),
			slog.String("job_type", jobType),
			slog.Int("attempt", job.Attempts),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Duration("backoff", delay),
			slog.String("error", handlerErr.Error()),
		)
		return
	}

	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, activeKey(jobType), job.ID)
	pipe.HSet(ctx, jobKey(job.ID),
		"state", string(domain.JobStateFailed),
		"error", handlerErr.Error(),
	)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		q.logger.Error("failure bookkeeping failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	q.logger.Error("job failed permanently",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.Int("attempts", job.Attempts),
		slog.String("error", handlerErr.Error()),
	)

	q.emit(ctx, domain.JobEvent{
		Kind:     domain.JobEventFailed,
		JobID:    job.ID,
		JobType:  jobType,
		Attempts: job.Attempts,
		Err:      handlerErr.Error(),
		At:       time.Now().UTC(),
	})
}

// promoterLoop moves due delayed jobs into their waiting lists.
func (q *Queue) promoterLoop(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.RLock()
			types := append([]string(nil), q.types...)
			q.mu.RUnlock()

			for _, jobType := range types {
				if err := q.promoteDue(ctx, jobType); err != nil && ctx.Err() == nil {
					q.logger.Error("promote failed",
						slog.String("job_type", jobType),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context, jobType string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey(jobType), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: list due jobs: %w", err)
	}

	for _, id := range ids {
		// Only the mover that removes the member owns the job.
		removed, err := q.rdb.ZRem(ctx, delayedKey(jobType), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		priority, _ := q.rdb.HGet(ctx, jobKey(id), "priority").Int()
		if err := q.pushWaiting(ctx, jobType, id, priority); err != nil {
			return err
		}
	}
	return nil
}

// reaperLoop re-dispatches jobs whose lease expired. The prior attempt may
// still be running; handlers are required to be idempotent under that
// overlap.
func (q *Queue) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval * 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.RLock()
			types := append([]string(nil), q.types...)
			q.mu.RUnlock()

			for _, jobType := range types {
				q.reapStalled(ctx, jobType)
			}
		}
	}
}

func (q *Queue) reapStalled(ctx context.Context, jobType string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, activeKey(jobType), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("stalled scan failed",
				slog.String("job_type", jobType),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, activeKey(jobType), id).Result()
		if err != nil || removed == 0 {
			continue
		}

		q.logger.Warn("job lease expired, re-dispatching",
			slog.String("job_id", id),
			slog.String("job_type", jobType),
		)

		_ = q.rdb.HSet(ctx, jobKey(id), "state", string(domain.JobStateStalled)).Err()
		priority, _ := q.rdb.HGet(ctx, jobKey(id), "priority").Int()
		if err := q.pushWaiting(ctx, jobType, id, priority); err != nil && ctx.Err() == nil {
			q.logger.Error("stalled requeue failed",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		q.emit(ctx, domain.JobEvent{
			Kind:    domain.JobEventStalled,
			JobID:   id,
			JobType: jobType,
			At:      time.Now().UTC(),
		})
	}
}
