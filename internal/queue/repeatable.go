package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// repeatableKey is the Redis hash holding one field per registered repeatable
// definition, keyed by the caller-chosen registration key. The hash makes
// definitions visible across restarts and to operators; the timers that fire
// them are in-process only.
const repeatableKey = "queue:repeatable"

// RegisterRepeatable enqueues a job of the given type immediately and then
// on every period tick until the queue stops or the key is removed.
// Re-registering an existing key stops the old timer before arming the new
// one, so a restarted orchestrator never doubles its schedule.
func (q *Queue) RegisterRepeatable(ctx context.Context, key, jobType string, period time.Duration, payload any, opts Options) error {
	if period <= 0 {
		return fmt.Errorf("queue: repeatable %s: %w: period must be positive", key, domain.ErrInvalidInput)
	}

	q.repMu.Lock()
	if stop, ok := q.repStops[key]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	q.repStops[key] = stop
	q.repMu.Unlock()

	desc := fmt.Sprintf("%s every %s", jobType, period)
	if err := q.rdb.HSet(ctx, repeatableKey, key, desc).Err(); err != nil {
		return fmt.Errorf("queue: register repeatable %s: %w", key, err)
	}

	q.logger.Info("repeatable registered",
		slog.String("key", key),
		slog.String("job_type", jobType),
		slog.Duration("period", period),
	)

	q.running.Add(1)
	go func() {
		defer q.running.Done()

		if _, err := q.Enqueue(ctx, jobType, payload, opts); err != nil && ctx.Err() == nil {
			q.logger.Error("repeatable enqueue failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := q.Enqueue(ctx, jobType, payload, opts); err != nil && ctx.Err() == nil {
					q.logger.Error("repeatable enqueue failed",
						slog.String("key", key),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	return nil
}

// RemoveRepeatable stops the timer for key and deletes its definition. It is
// a no-op for keys that were never registered.
func (q *Queue) RemoveRepeatable(ctx context.Context, key string) error {
	q.repMu.Lock()
	if stop, ok := q.repStops[key]; ok {
		close(stop)
		delete(q.repStops, key)
	}
	q.repMu.Unlock()

	if err := q.rdb.HDel(ctx, repeatableKey, key).Err(); err != nil {
		return fmt.Errorf("queue: remove repeatable %s: %w", key, err)
	}
	return nil
}

// ListRepeatables returns the keys of every persisted repeatable definition,
// including definitions left behind by a previous process.
func (q *Queue) ListRepeatables(ctx context.Context) ([]string, error) {
	keys, err := q.rdb.HKeys(ctx, repeatableKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list repeatables: %w", err)
	}
	return keys, nil
}

func (q *Queue) stopAllRepeatables() {
	q.repMu.Lock()
	defer q.repMu.Unlock()
	for key, stop := range q.repStops {
		close(stop)
		delete(q.repStops, key)
	}
}
