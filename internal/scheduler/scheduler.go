package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"mail-intake-go/internal/config"
	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/model"
	"mail-intake-go/internal/queue"
)

// PendingLedger lists and touches pending notifications
type PendingLedger interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.WebhookNotification, error)
	Touch(ctx context.Context, id uint) error
}

// Publisher is the fetch queue
type Publisher interface {
	Send(ctx context.Context, msg queue.Message) error
}

// Reconciler periodically re-enqueues fetch work for notifications that are
// still pending long after intake, such as rows whose initial send failed
type Reconciler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    config.ReconcilerConfig
	ledger    PendingLedger
	publisher Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	mu        sync.RWMutex
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg config.ReconcilerConfig, ledger PendingLedger, publisher Publisher, m *metrics.Metrics) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		cron:      cron.New(),
		config:    cfg,
		ledger:    ledger,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the sweep
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("reconciler is already running")
	}

	// a previous Stop cancelled the sweep context
	r.ctx, r.cancel = context.WithCancel(context.Background())
	ctx := r.ctx

	entryID, err := r.cron.AddFunc(r.config.Schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			logrus.WithError(err).Error("Reconciliation sweep failed")
		}
	})
	if err != nil {
		r.cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	r.entryID = entryID
	r.cron.Start()
	r.isRunning = true

	logrus.WithFields(logrus.Fields{
		"schedule":  r.config.Schedule,
		"threshold": r.config.Threshold.String(),
	}).Info("Reconciler started")
	return nil
}

// Stop stops the reconciler and waits for a running sweep
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRunning {
		return nil
	}

	r.cancel()
	r.cron.Remove(r.entryID)
	ctx := r.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Reconciler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Reconciler stop timeout, forcing shutdown")
	}

	r.isRunning = false
	return nil
}

// IsRunning returns whether the reconciler is running
func (r *Reconciler) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRunning
}

// NextRun returns the time of the next scheduled sweep
func (r *Reconciler) NextRun() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.isRunning {
		return time.Time{}
	}
	return r.cron.Entry(r.entryID).Next
}

// RunOnce performs one sweep and returns how many notifications were
// re-enqueued. A failed send leaves the row untouched for the next sweep.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	before := r.now().Add(-r.config.Threshold)
	rows, err := r.ledger.ListStalePending(ctx, before, r.config.Limit)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		logrus.Debug("No stale notifications")
		return 0, nil
	}

	requeued := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}

		log := logrus.WithFields(logrus.Fields{
			"notification_id": row.ID,
			"mailbox_id":      row.MailboxID,
			"message_key":     row.MessageKey,
		})

		msg := queue.FetchMetadata{Ref: queue.Ref{
			MailboxID:      row.MailboxID,
			MessageKey:     row.MessageKey,
			HistoryID:      row.HistoryID,
			NotificationID: row.ID,
		}}
		if err := r.publisher.Send(ctx, msg); err != nil {
			log.WithError(err).Warn("Failed to re-enqueue notification")
			continue
		}
		if err := r.ledger.Touch(ctx, row.ID); err != nil {
			log.WithError(err).Warn("Re-enqueued notification but failed to touch it")
		}

		requeued++
		r.metrics.ReconcilerRequeued.Inc()
	}

	logrus.WithFields(logrus.Fields{
		"stale":    len(rows),
		"requeued": requeued,
	}).Info("Reconciliation sweep completed")
	return requeued, nil
}
