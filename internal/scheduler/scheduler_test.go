package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-intake-go/internal/config"
	"mail-intake-go/internal/database/dbtest"
	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/model"
	"mail-intake-go/internal/queue"
	"mail-intake-go/internal/queue/queuetest"
	"mail-intake-go/internal/repository"
)

func setup(t *testing.T) (*repository.NotificationRepository, *queuetest.Queue, *metrics.Metrics, *Reconciler) {
	t.Helper()
	repo := repository.New(dbtest.New(t))
	q := queuetest.New()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := NewReconciler(config.ReconcilerConfig{
		Schedule:  "@every 1h",
		Threshold: 15 * time.Minute,
		Limit:     10,
	}, repo.Notifications, q, m)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	return repo.Notifications, q, m, r
}

func insert(t *testing.T, ledger *repository.NotificationRepository, key string) uint {
	t.Helper()
	n := &model.WebhookNotification{MailboxID: "mb-1", MessageKey: key, HistoryID: "1"}
	_, err := ledger.InsertPending(context.Background(), n)
	require.NoError(t, err)
	return n.ID
}

func TestRunOnceRequeuesStalePending(t *testing.T) {
	ctx := context.Background()
	ledger, q, m, r := setup(t)

	stale := insert(t, ledger, "stale")
	done := insert(t, ledger, "done")
	require.NoError(t, ledger.MarkCompleted(ctx, done))

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := q.Messages()
	require.Len(t, msgs, 1)
	fetch, ok := msgs[0].(*queue.FetchMetadata)
	require.True(t, ok)
	assert.Equal(t, stale, fetch.NotificationID)
	assert.Equal(t, "stale", fetch.MessageKey)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcilerRequeued))
}

func TestRunOnceSkipsFreshRows(t *testing.T) {
	ledger, q, _, r := setup(t)
	insert(t, ledger, "fresh")
	r.now = time.Now

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, q.Len())
}

func TestRunOnceKeepsRowWhenSendFails(t *testing.T) {
	ledger, q, m, r := setup(t)
	id := insert(t, ledger, "stale")
	q.SendErr = errors.New("queue unavailable")

	before, err := ledger.GetByID(context.Background(), id)
	require.NoError(t, err)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, testutil.ToFloat64(m.ReconcilerRequeued))

	after, err := ledger.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, model.StatusPending, after.Status)
}

func TestStartStop(t *testing.T) {
	_, _, _, r := setup(t)

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	assert.False(t, r.NextRun().IsZero())
	assert.Error(t, r.Start())

	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
	assert.True(t, r.NextRun().IsZero())
}

func TestRestartKeepsSweeping(t *testing.T) {
	ledger, q, m, r := setup(t)
	r.config.Schedule = "@every 1s"
	insert(t, ledger, "stale")

	require.NoError(t, r.Start())
	require.NoError(t, r.Stop())
	require.NoError(t, r.Start())
	defer r.Stop()

	assert.Len(t, r.cron.Entries(), 1)
	require.Eventually(t, func() bool {
		return q.Len() > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ReconcilerRequeued), 1.0)
}

type failingLedger struct {
	err error
}

func (f failingLedger) ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.WebhookNotification, error) {
	return nil, f.err
}

func (f failingLedger) Touch(ctx context.Context, id uint) error {
	return nil
}

func TestRunOnceReturnsLedgerErrorAsIs(t *testing.T) {
	_, q, m, _ := setup(t)
	listErr := fmt.Errorf("failed to list stale notifications: %w", errors.New("database is locked"))
	r := NewReconciler(config.ReconcilerConfig{Schedule: "@every 1h", Threshold: time.Minute, Limit: 10}, failingLedger{err: listErr}, q, m)

	n, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, listErr)
	assert.Equal(t, 1, strings.Count(err.Error(), "failed to list stale notifications"))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	_, _, _, r := setup(t)
	r.config.Schedule = "every now and then"

	assert.Error(t, r.Start())
	assert.False(t, r.IsRunning())
}
