package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/dedlyfi/loanbroker/internal/cache/redis"
	"github.com/dedlyfi/loanbroker/internal/config"
	"github.com/dedlyfi/loanbroker/internal/domain"
	"github.com/dedlyfi/loanbroker/internal/notify"
	"github.com/dedlyfi/loanbroker/internal/queue"
)

type stubWriter struct{}

func (stubWriter) SubmitLiquidation(context.Context, uint64) (string, error) { return "0xtx", nil }
func (stubWriter) WaitConfirmed(context.Context, string) (domain.Receipt, error) {
	return domain.Receipt{}, nil
}

func newHandlerDeps(t *testing.T) *Dependencies {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Dependencies{
		Queue:    queue.New(redisclient.NewFromClient(rdb), 1, 10*time.Millisecond, logger),
		Notifier: notify.NewNotifier(nil, nil, logger),
	}
}

func testApp() *App {
	cfg := config.Defaults()
	return New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterHandlersLiveLiquidationRunsSerially(t *testing.T) {
	deps := newHandlerDeps(t)
	deps.ChainWriter = stubWriter{}

	testApp().registerHandlers(deps, false)

	policy, ok := deps.Queue.RegisteredPolicy(domain.JobTypeLiquidation)
	require.True(t, ok)
	assert.Equal(t, 1, policy.Concurrency,
		"only one liquidation may be in flight; parallel submissions race the signer nonce")
	assert.Equal(t, 3, policy.MaxAttempts)
}

func TestRegisterHandlersDryRunWithoutWriter(t *testing.T) {
	deps := newHandlerDeps(t)

	testApp().registerHandlers(deps, true)

	policy, ok := deps.Queue.RegisteredPolicy(domain.JobTypeLiquidation)
	require.True(t, ok)
	assert.Equal(t, 1, policy.Concurrency)
	assert.Equal(t, 1, policy.MaxAttempts, "a dry-run verdict is not worth retrying")
}

func TestRegisterHandlersCoversEveryJobType(t *testing.T) {
	deps := newHandlerDeps(t)
	deps.ChainWriter = stubWriter{}

	testApp().registerHandlers(deps, false)

	for _, jobType := range []string{
		domain.JobTypeHealthUpdate,
		domain.JobTypeInterestAccrual,
		domain.JobTypePriceRefresh,
		domain.JobTypeLiquidation,
		domain.JobTypeNotification,
		domain.JobTypeArchive,
	} {
		_, ok := deps.Queue.RegisteredPolicy(jobType)
		assert.True(t, ok, "no handler registered for %s", jobType)
	}
}
