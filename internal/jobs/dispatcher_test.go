package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedlyfi/loanbroker/internal/domain"
	"github.com/dedlyfi/loanbroker/internal/notify"
)

type recordingSender struct {
	titles []string
	kinds  []domain.AlertKind
}

func (r *recordingSender) Send(_ context.Context, alert notify.Alert) error {
	r.titles = append(r.titles, alert.Title)
	r.kinds = append(r.kinds, alert.Kind)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

type fakeSuppressor struct {
	seen map[string]bool
	err  error
}

func (f *fakeSuppressor) Suppress(_ context.Context, key string, _ time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func warningJob(t *testing.T, positionID string) domain.Job {
	t.Helper()
	payload, err := domain.EncodePayload(domain.NotificationPayload{
		Kind:         domain.AlertHealthWarning,
		PositionID:   positionID,
		UserAddress:  "0xuser",
		HealthFactor: 1.1,
	})
	require.NoError(t, err)
	return domain.Job{ID: "j1", Type: domain.JobTypeNotification, Payload: payload}
}

func TestDispatcherSuppressesRepeats(t *testing.T) {
	sender := &recordingSender{}
	notifier := notify.NewNotifier([]notify.Sender{sender}, nil, discard())
	d := NewDispatcher(notifier, &fakeSuppressor{seen: map[string]bool{}}, discard())

	job := warningJob(t, "p1")
	require.NoError(t, d.Handle(context.Background(), job))
	require.NoError(t, d.Handle(context.Background(), job))

	assert.Len(t, sender.titles, 1, "repeat warning inside the window must be suppressed")
	assert.Equal(t, []domain.AlertKind{domain.AlertHealthWarning}, sender.kinds)
}

func TestDispatcherDistinctPositionsBothDeliver(t *testing.T) {
	sender := &recordingSender{}
	notifier := notify.NewNotifier([]notify.Sender{sender}, nil, discard())
	d := NewDispatcher(notifier, &fakeSuppressor{seen: map[string]bool{}}, discard())

	require.NoError(t, d.Handle(context.Background(), warningJob(t, "p1")))
	require.NoError(t, d.Handle(context.Background(), warningJob(t, "p2")))

	assert.Len(t, sender.titles, 2)
}

func TestDispatcherFailsOpenOnSuppressorError(t *testing.T) {
	sender := &recordingSender{}
	notifier := notify.NewNotifier([]notify.Sender{sender}, nil, discard())
	d := NewDispatcher(notifier, &fakeSuppressor{err: errors.New("redis down")}, discard())

	require.NoError(t, d.Handle(context.Background(), warningJob(t, "p1")))
	assert.Len(t, sender.titles, 1, "a broken suppressor must not drop warnings")
}

func TestDispatcherDropsUndecodablePayload(t *testing.T) {
	notifier := notify.NewNotifier(nil, nil, discard())
	d := NewDispatcher(notifier, &fakeSuppressor{seen: map[string]bool{}}, discard())

	err := d.Handle(context.Background(), domain.Job{ID: "j1", Payload: []byte("{broken")})
	assert.NoError(t, err, "bad payloads complete the job instead of retrying forever")
}
