// Package pipeline runs the queue-driven stages that turn a recorded
// notification into a stored email.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mail-intake-go/internal/blobstore"
	"mail-intake-go/internal/gmail"
	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/model"
	"mail-intake-go/internal/queue"
)

const (
	StageFetcher     = "fetcher"
	StageAttachments = "attachments"
	StagePersister   = "persister"
	StageDeadLetter  = "dead_letter"
)

var tracer = otel.Tracer("mail-intake-go/internal/pipeline")

// Source is the queue a stage consumes
type Source interface {
	Receive(ctx context.Context, limit int) ([]queue.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Publisher is the queue a stage forwards to
type Publisher interface {
	Send(ctx context.Context, msg queue.Message) error
}

// Ledger is the status side of the notification ledger
type Ledger interface {
	MarkCompleted(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, id uint, reason string) (bool, error)
}

// Mailboxes looks up mailbox credentials
type Mailboxes interface {
	GetByMailboxID(ctx context.Context, mailboxID string) (*model.MailboxConfig, error)
}

// Decrypter opens stored credentials
type Decrypter interface {
	Decrypt(value string) (string, error)
}

// MailClient is the part of the Gmail API the stages use
type MailClient interface {
	GetMessage(ctx context.Context, creds *gmail.Credentials, messageID string) (*gmail.Message, error)
	ResolveMessageID(ctx context.Context, creds *gmail.Credentials, historyID string) (string, error)
	GetAttachment(ctx context.Context, creds *gmail.Credentials, messageID, attachmentID string) ([]byte, error)
}

// BlobStore stores attachment content
type BlobStore interface {
	Put(ctx context.Context, obj blobstore.Object) (string, error)
}

// EmailStore is the final idempotent store
type EmailStore interface {
	UpsertBatch(ctx context.Context, emails []*model.ProcessedEmail) error
}

// Stage handles one received batch. Implementations acknowledge what they
// finish and leave the rest for redelivery.
type Stage interface {
	Name() string
	HandleBatch(ctx context.Context, deliveries []queue.Delivery)
}

// Policy controls how a worker reacts to failed receives
type Policy struct {
	InitialInterval      time.Duration
	MaxInterval          time.Duration
	MaxConsecutiveErrors int
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Reset()
	return b
}

// Worker long-polls one queue and hands each batch to its stage
type Worker struct {
	stage     Stage
	source    Source
	batchSize int
	policy    Policy
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewWorker(stage Stage, source Source, batchSize int, policy Policy, m *metrics.Metrics) *Worker {
	return &Worker{
		stage:     stage,
		source:    source,
		batchSize: batchSize,
		policy:    policy,
		metrics:   m,
		sleep:     sleepContext,
	}
}

// Run polls until ctx is cancelled. It returns an error once
// MaxConsecutiveErrors receives in a row have failed.
func (w *Worker) Run(ctx context.Context) error {
	name := w.stage.Name()
	log := logrus.WithField("stage", name)
	log.Info("Worker started")
	defer log.Info("Worker stopped")

	bo := w.policy.backOff()
	failures := 0

	for ctx.Err() == nil {
		deliveries, err := w.source.Receive(ctx, w.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			w.metrics.PollErrors.WithLabelValues(name).Inc()

			if w.policy.MaxConsecutiveErrors > 0 && failures >= w.policy.MaxConsecutiveErrors {
				log.WithError(err).WithField("failures", failures).Error("Giving up after repeated receive failures")
				return fmt.Errorf("%s worker: %d consecutive receive failures: %w", name, failures, err)
			}

			delay := bo.NextBackOff()
			log.WithError(err).WithFields(logrus.Fields{
				"failures": failures,
				"retry_in": delay.String(),
			}).Warn("Failed to receive messages")
			if err := w.sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		failures = 0
		bo.Reset()

		if len(deliveries) == 0 {
			continue
		}
		w.stage.HandleBatch(ctx, deliveries)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// inChunks runs fn over items chunk by chunk. Items within a chunk run in
// parallel and a failing or panicking item never affects its neighbours.
func inChunks[T any](ctx context.Context, items []T, size int, fn func(context.Context, T) error) []error {
	if size <= 0 {
		size = 1
	}

	errs := make([]error, len(items))
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("panic: %v", r)
						logrus.WithField("stack", string(debug.Stack())).Error("Recovered from panic in pipeline")
					}
					errs[i] = err
				}()
				return fn(ctx, items[i])
			})
		}
		// errors are kept per item; Wait only joins the chunk
		_ = g.Wait()
	}
	return errs
}

// base carries what every stage shares
type base struct {
	name    string
	source  Source
	ledger  Ledger
	metrics *metrics.Metrics
}

func (b *base) Name() string { return b.name }

func (b *base) logger(ref queue.Ref) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"stage":           b.name,
		"mailbox_id":      ref.MailboxID,
		"message_key":     ref.MessageKey,
		"notification_id": ref.NotificationID,
	})
}

// startSpan opens the per-message span
func (b *base) startSpan(ctx context.Context, ref queue.Ref, d queue.Delivery) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline."+b.name, trace.WithAttributes(
		attribute.String("mailbox.id", ref.MailboxID),
		attribute.String("message.key", ref.MessageKey),
		attribute.Int64("notification.id", int64(ref.NotificationID)),
		attribute.Int("queue.receive_count", d.ReceiveCount),
	))
}

// finish records the outcome of one message on its span and metrics
func (b *base) finish(span trace.Span, start time.Time, err error) {
	b.metrics.StageDuration.WithLabelValues(b.name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.metrics.StageMessages.WithLabelValues(b.name, "failure").Inc()
	} else {
		b.metrics.StageMessages.WithLabelValues(b.name, "success").Inc()
	}
	span.End()
}

// fail marks the notification failed. The queue message is left alone so it
// is redelivered.
func (b *base) fail(ctx context.Context, ref queue.Ref, cause error) {
	log := b.logger(ref).WithError(cause)
	log.Error("Failed to process message")

	if ref.NotificationID == 0 {
		return
	}
	if _, err := b.ledger.MarkFailed(ctx, ref.NotificationID, cause.Error()); err != nil {
		log.WithField("ledger_error", err.Error()).Error("Failed to record failure in ledger")
	}
}

// forward sends next and only then acknowledges d. Once next is sent the
// acknowledgement outlives a shutdown of the poll loop.
func (b *base) forward(ctx context.Context, publisher Publisher, next queue.Message, d queue.Delivery) error {
	if err := publisher.Send(ctx, next); err != nil {
		return err
	}
	return b.source.Delete(context.WithoutCancel(ctx), d.ReceiptHandle)
}

// credentials loads and decrypts the mailbox's tokens
func credentials(ctx context.Context, mailboxes Mailboxes, vault Decrypter, mailboxID string) (*gmail.Credentials, error) {
	mailbox, err := mailboxes.GetByMailboxID(ctx, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox %s: %w", mailboxID, err)
	}

	accessToken, err := vault.Decrypt(mailbox.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refreshToken, err := vault.Decrypt(mailbox.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return gmail.NewCredentials(mailbox.ClientID, accessToken, refreshToken), nil
}

// unexpected reports a delivery that does not belong on this stage's queue
func unexpected(stage string, d queue.Delivery) error {
	if d.DecodeErr != nil {
		return fmt.Errorf("%s: undecodable message %s: %w", stage, d.MessageID, d.DecodeErr)
	}
	return fmt.Errorf("%s: unexpected %s message %s", stage, d.Message.Kind(), d.MessageID)
}
