package pipeline

import (
	"context"
	"fmt"
	"time"

	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/queue"
)

// DeadLetter drains the dead-letter queue into failed ledger rows. Every
// message is acknowledged, whatever happens to its ledger row.
type DeadLetter struct {
	base
	concurrency int
}

func NewDeadLetter(source Source, ledger Ledger, concurrency int, m *metrics.Metrics) *DeadLetter {
	return &DeadLetter{
		base:        base{name: StageDeadLetter, source: source, ledger: ledger, metrics: m},
		concurrency: concurrency,
	}
}

func (dl *DeadLetter) HandleBatch(ctx context.Context, deliveries []queue.Delivery) {
	inChunks(ctx, deliveries, dl.concurrency, dl.handle)
}

func (dl *DeadLetter) handle(ctx context.Context, d queue.Delivery) error {
	start := time.Now()
	ackCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := dl.source.Delete(ackCtx, d.ReceiptHandle); err != nil {
			dl.logger(queue.Ref{}).WithError(err).WithField("message_id", d.MessageID).Error("Failed to delete dead-letter message")
		}
	}()

	if d.Message == nil {
		dl.metrics.DeadLettered.WithLabelValues("unknown").Inc()
		dl.logger(queue.Ref{}).WithError(d.DecodeErr).WithField("message_id", d.MessageID).Warn("Discarding unclassifiable dead-letter message")
		return d.DecodeErr
	}

	ref := d.Message.Reference()
	kind := string(d.Message.Kind())
	dl.metrics.DeadLettered.WithLabelValues(kind).Inc()

	ctx, span := dl.startSpan(ctx, ref, d)
	log := dl.logger(ref).WithField("kind", kind).WithField("receive_count", d.ReceiveCount)

	if ref.NotificationID == 0 {
		err := fmt.Errorf("dead-letter %s message has no notification id", kind)
		dl.finish(span, start, err)
		log.Warn("Discarding dead-letter message without notification id")
		return err
	}

	changed, err := dl.ledger.MarkFailed(ctx, ref.NotificationID, deadLetterReason(kind, d.ReceiveCount))
	dl.finish(span, start, err)
	if err != nil {
		log.WithError(err).Error("Failed to mark dead-lettered notification failed")
		return err
	}
	if !changed {
		log.Info("Dead-lettered notification already completed")
		return nil
	}
	log.Warn("Notification marked failed from dead-letter queue")
	return nil
}

func deadLetterReason(kind string, receiveCount int) string {
	if receiveCount > 0 {
		return fmt.Sprintf("Message failed after %d retries (%s)", receiveCount, kind)
	}
	return fmt.Sprintf("Message failed processing and reached DLQ (%s)", kind)
}
