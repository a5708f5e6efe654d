package pipeline

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/model"
	"mail-intake-go/internal/queue"
)

// Persister writes resolved emails to the email store in sub-batches and
// closes out their ledger rows
type Persister struct {
	base
	emails      EmailStore
	writeBatch  int
	concurrency int
	now         func() time.Time
}

func NewPersister(source Source, ledger Ledger, emails EmailStore, writeBatch, concurrency int, m *metrics.Metrics) *Persister {
	return &Persister{
		base:        base{name: StagePersister, source: source, ledger: ledger, metrics: m},
		emails:      emails,
		writeBatch:  writeBatch,
		concurrency: concurrency,
		now:         time.Now,
	}
}

type persistItem struct {
	delivery queue.Delivery
	msg      *queue.Persist
}

func (p *Persister) HandleBatch(ctx context.Context, deliveries []queue.Delivery) {
	var items []persistItem
	for _, d := range deliveries {
		msg, ok := d.Message.(*queue.Persist)
		if !ok {
			p.logger(queue.Ref{}).WithError(unexpected(p.name, d)).Error("Skipping message")
			continue
		}
		items = append(items, persistItem{delivery: d, msg: msg})
	}

	size := p.writeBatch
	if size <= 0 {
		size = 1
	}
	var batches [][]persistItem
	for start := 0; start < len(items); start += size {
		batches = append(batches, items[start:min(start+size, len(items))])
	}

	inChunks(ctx, batches, p.concurrency, p.write)
}

// write stores one sub-batch in a single transaction. On failure every
// message in it is marked failed and left for redelivery.
func (p *Persister) write(ctx context.Context, batch []persistItem) error {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline."+p.name, trace.WithAttributes(
		attribute.Int("batch.size", len(batch)),
	))

	emails := make([]*model.ProcessedEmail, 0, len(batch))
	for _, item := range batch {
		emails = append(emails, p.toEmail(item.msg))
	}

	err := p.emails.UpsertBatch(ctx, emails)
	p.finish(span, start, err)
	if err != nil {
		for _, item := range batch {
			p.fail(ctx, item.msg.Ref, err)
		}
		return err
	}

	// the rows are committed; closing them out must survive shutdown
	ackCtx := context.WithoutCancel(ctx)
	for _, item := range batch {
		log := p.logger(item.msg.Ref)
		if item.msg.NotificationID != 0 {
			if err := p.ledger.MarkCompleted(ackCtx, item.msg.NotificationID); err != nil {
				log.WithError(err).Error("Stored email but failed to mark notification completed")
				continue
			}
		}
		if err := p.source.Delete(ackCtx, item.delivery.ReceiptHandle); err != nil {
			log.WithError(err).Error("Stored email but failed to acknowledge message")
			continue
		}
		log.WithField("attachments", len(item.msg.Attachments)).Info("Stored email")
	}
	return nil
}

func (p *Persister) toEmail(msg *queue.Persist) *model.ProcessedEmail {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []model.AttachmentMetadata{}
	}

	return &model.ProcessedEmail{
		MailboxID:        msg.MailboxID,
		MessageKey:       msg.MessageKey,
		HistoryID:        msg.HistoryID,
		Subject:          optional(msg.Metadata.Subject),
		SenderEmail:      optional(msg.Metadata.From),
		RecipientEmail:   optional(strings.Join(msg.Metadata.To, ",")),
		CcEmail:          optional(strings.Join(msg.Metadata.Cc, ",")),
		BccEmail:         optional(strings.Join(msg.Metadata.Bcc, ",")),
		Body:             optional(msg.Metadata.Body),
		Attachments:      attachments,
		AttachmentsCount: len(attachments),
		ThreadID:         optional(msg.Metadata.ThreadID),
		ReceivedAt:       msg.Metadata.ReceivedAt,
		ProcessedAt:      p.now().UTC(),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
