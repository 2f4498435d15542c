package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/dedlyfi/loanbroker/internal/cache/redis"
	"github.com/dedlyfi/loanbroker/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(redisclient.NewFromClient(rdb), 1, 10*time.Millisecond, testLogger()), mr
}

// nextEvent drains one lifecycle event without blocking the test forever.
func nextEvent(t *testing.T, q *Queue) domain.JobEvent {
	t.Helper()
	select {
	case ev := <-q.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no job event emitted")
		return domain.JobEvent{}
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},  // capped
		{10, time.Minute}, // stays capped, no overflow
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffZeroBase(t *testing.T) {
	assert.Zero(t, Backoff{}.Delay(3))
}

func TestBackoffNoCap(t *testing.T) {
	b := Backoff{Base: time.Second}
	assert.Equal(t, 8*time.Second, b.Delay(4))
}

func TestPriorityJobsDispatchFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	q.RegisterHandler(domain.JobTypeLiquidation, Policy{}, func(context.Context, domain.Job) error { return nil })
	ctx := context.Background()

	normal, err := q.Enqueue(ctx, domain.JobTypeLiquidation, domain.LiquidationPayload{PositionID: "p1"}, Options{})
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, domain.JobTypeLiquidation, domain.LiquidationPayload{PositionID: "p2"}, Options{Priority: 1})
	require.NoError(t, err)

	ids, err := q.rdb.LRange(ctx, waitingKey(domain.JobTypeLiquidation), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{urgent, normal}, ids)
}

func TestDelayedJobPromotesWhenDue(t *testing.T) {
	q, _ := newTestQueue(t)
	q.RegisterHandler(domain.JobTypeHealthUpdate, Policy{}, func(context.Context, domain.Job) error { return nil })
	ctx := context.Background()

	id, err := q.Enqueue(ctx, domain.JobTypeHealthUpdate, domain.HealthUpdatePayload{}, Options{Delay: time.Millisecond})
	require.NoError(t, err)

	waiting, err := q.rdb.LLen(ctx, waitingKey(domain.JobTypeHealthUpdate)).Result()
	require.NoError(t, err)
	assert.Zero(t, waiting, "a delayed job must not dispatch before its ready time")

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.promoteDue(ctx, domain.JobTypeHealthUpdate))

	ids, err := q.rdb.LRange(ctx, waitingKey(domain.JobTypeHealthUpdate), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
	remaining, err := q.rdb.ZCard(ctx, delayedKey(domain.JobTypeHealthUpdate)).Result()
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestCompletedJobExpiresAfterRetention(t *testing.T) {
	q, mr := newTestQueue(t)
	q.RegisterHandler(domain.JobTypeHealthUpdate, Policy{}, func(context.Context, domain.Job) error { return nil })
	ctx := context.Background()

	id, err := q.Enqueue(ctx, domain.JobTypeHealthUpdate, domain.HealthUpdatePayload{}, Options{})
	require.NoError(t, err)
	require.True(t, q.tryRunOne(ctx, domain.JobTypeHealthUpdate))

	job, err := q.loadJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
	assert.Equal(t, completedRetention, mr.TTL(jobKey(id)))

	ev := nextEvent(t, q)
	assert.Equal(t, domain.JobEventCompleted, ev.Kind)
	assert.Equal(t, id, ev.JobID)
}

func TestFailingJobRetriesThenFailsAtAttemptBudget(t *testing.T) {
	q, _ := newTestQueue(t)
	boom := errors.New("rpc down")
	q.RegisterHandler(domain.JobTypeHealthUpdate, Policy{
		MaxAttempts: 2,
		Backoff:     Backoff{Base: time.Millisecond},
	}, func(context.Context, domain.Job) error { return boom })
	ctx := context.Background()

	id, err := q.Enqueue(ctx, domain.JobTypeHealthUpdate, domain.HealthUpdatePayload{}, Options{})
	require.NoError(t, err)

	// First attempt fails and schedules a retry with backoff.
	require.True(t, q.tryRunOne(ctx, domain.JobTypeHealthUpdate))

	job, err := q.loadJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, boom.Error(), job.LastError)
	delayed, err := q.rdb.ZCard(ctx, delayedKey(domain.JobTypeHealthUpdate)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	// Second attempt exhausts the budget.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.promoteDue(ctx, domain.JobTypeHealthUpdate))
	require.True(t, q.tryRunOne(ctx, domain.JobTypeHealthUpdate))

	job, err = q.loadJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, 2, job.Attempts)

	ev := nextEvent(t, q)
	assert.Equal(t, domain.JobEventFailed, ev.Kind)
	assert.Equal(t, id, ev.JobID)
	assert.Equal(t, 2, ev.Attempts)
}

func TestReapStalledRedispatchesExpiredLease(t *testing.T) {
	q, _ := newTestQueue(t)
	q.RegisterHandler(domain.JobTypeLiquidation, Policy{Lease: time.Minute}, func(context.Context, domain.Job) error { return nil })
	ctx := context.Background()

	peer, err := q.Enqueue(ctx, domain.JobTypeLiquidation, domain.LiquidationPayload{PositionID: "p1"}, Options{})
	require.NoError(t, err)

	// A priority job whose worker died mid-lease: in the active set with a
	// deadline in the past, no longer in the waiting list.
	stalled, err := q.Enqueue(ctx, domain.JobTypeLiquidation, domain.LiquidationPayload{PositionID: "p2"}, Options{Priority: 1})
	require.NoError(t, err)
	require.NoError(t, q.rdb.LRem(ctx, waitingKey(domain.JobTypeLiquidation), 1, stalled).Err())
	require.NoError(t, q.rdb.HSet(ctx, jobKey(stalled), "state", string(domain.JobStateActive)).Err())
	expired := float64(time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, q.rdb.ZAdd(ctx, activeKey(domain.JobTypeLiquidation), redis.Z{Score: expired, Member: stalled}).Err())

	q.reapStalled(ctx, domain.JobTypeLiquidation)

	ids, err := q.rdb.LRange(ctx, waitingKey(domain.JobTypeLiquidation), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{stalled, peer}, ids, "a reaped priority job must go back to the front")

	job, err := q.loadJob(ctx, stalled)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateStalled, job.State)

	ev := nextEvent(t, q)
	assert.Equal(t, domain.JobEventStalled, ev.Kind)
	assert.Equal(t, stalled, ev.JobID)
}

func TestReapStalledLeavesLiveLeasesAlone(t *testing.T) {
	q, _ := newTestQueue(t)
	q.RegisterHandler(domain.JobTypeLiquidation, Policy{Lease: time.Minute}, func(context.Context, domain.Job) error { return nil })
	ctx := context.Background()

	id, err := q.Enqueue(ctx, domain.JobTypeLiquidation, domain.LiquidationPayload{PositionID: "p1"}, Options{})
	require.NoError(t, err)
	require.NoError(t, q.rdb.LRem(ctx, waitingKey(domain.JobTypeLiquidation), 1, id).Err())
	live := float64(time.Now().Add(time.Minute).UnixMilli())
	require.NoError(t, q.rdb.ZAdd(ctx, activeKey(domain.JobTypeLiquidation), redis.Z{Score: live, Member: id}).Err())

	q.reapStalled(ctx, domain.JobTypeLiquidation)

	waiting, err := q.rdb.LLen(ctx, waitingKey(domain.JobTypeLiquidation)).Result()
	require.NoError(t, err)
	assert.Zero(t, waiting)
}

func TestRegisterRepeatableReplacesExistingTimer(t *testing.T) {
	q, _ := newTestQueue(t)
	q.RegisterHandler(domain.JobTypeHealthUpdate, Policy{}, func(context.Context, domain.Job) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.RegisterRepeatable(ctx, "health", domain.JobTypeHealthUpdate, time.Hour, domain.HealthUpdatePayload{}, Options{}))
	q.repMu.Lock()
	first := q.repStops["health"]
	q.repMu.Unlock()

	require.NoError(t, q.RegisterRepeatable(ctx, "health", domain.JobTypeHealthUpdate, time.Hour, domain.HealthUpdatePayload{}, Options{}))

	select {
	case <-first:
	default:
		t.Fatal("previous timer still armed after re-registration")
	}

	q.repMu.Lock()
	assert.Len(t, q.repStops, 1, "re-registration must leave exactly one armed timer")
	q.repMu.Unlock()

	keys, err := q.ListRepeatables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"health"}, keys)

	require.NoError(t, q.RemoveRepeatable(ctx, "health"))
	keys, err = q.ListRepeatables(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	cancel()
	q.running.Wait()
}
