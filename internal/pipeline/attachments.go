package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mail-intake-go/internal/blobstore"
	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/model"
	"mail-intake-go/internal/queue"
)

// Attachments copies a message's attachments to object storage and forwards
// the result to the persister. A failed attachment is dropped from the list
// rather than failing the message.
type Attachments struct {
	base
	mailboxes           Mailboxes
	vault               Decrypter
	client              MailClient
	store               BlobStore
	next                Publisher
	concurrency         int
	downloadConcurrency int
}

func NewAttachments(source Source, next Publisher, ledger Ledger, mailboxes Mailboxes, vault Decrypter, client MailClient, store BlobStore, concurrency, downloadConcurrency int, m *metrics.Metrics) *Attachments {
	return &Attachments{
		base:                base{name: StageAttachments, source: source, ledger: ledger, metrics: m},
		mailboxes:           mailboxes,
		vault:               vault,
		client:              client,
		store:               store,
		next:                next,
		concurrency:         concurrency,
		downloadConcurrency: downloadConcurrency,
	}
}

func (a *Attachments) HandleBatch(ctx context.Context, deliveries []queue.Delivery) {
	inChunks(ctx, deliveries, a.concurrency, a.handle)
}

func (a *Attachments) handle(ctx context.Context, d queue.Delivery) error {
	msg, ok := d.Message.(*queue.FetchAttachments)
	if !ok {
		err := unexpected(a.name, d)
		a.logger(queue.Ref{}).WithError(err).Error("Skipping message")
		return err
	}

	start := time.Now()
	ctx, span := a.startSpan(ctx, msg.Ref, d)
	next, err := a.process(ctx, msg)
	if err == nil {
		err = a.forward(ctx, a.next, next, d)
	}
	a.finish(span, start, err)

	if err != nil {
		a.fail(ctx, msg.Ref, err)
		return err
	}
	a.logger(msg.Ref).WithField("stored", len(next.Attachments)).Info("Processed attachments")
	return nil
}

func (a *Attachments) process(ctx context.Context, msg *queue.FetchAttachments) (*queue.Persist, error) {
	out := &queue.Persist{
		Ref:         msg.Ref,
		Metadata:    msg.Metadata,
		Attachments: []model.AttachmentMetadata{},
	}
	if len(msg.Attachments) == 0 {
		return out, nil
	}

	creds, err := credentials(ctx, a.mailboxes, a.vault, msg.MailboxID)
	if err != nil {
		return nil, err
	}

	stored := make([]*model.AttachmentMetadata, len(msg.Attachments))
	indexes := make([]int, len(msg.Attachments))
	for i := range indexes {
		indexes[i] = i
	}

	errs := inChunks(ctx, indexes, a.downloadConcurrency, func(ctx context.Context, i int) error {
		desc := msg.Attachments[i]
		data, err := a.client.GetAttachment(ctx, creds, msg.MessageKey, desc.AttachmentID)
		if err != nil {
			return err
		}

		key, err := a.store.Put(ctx, blobstore.Object{
			MailboxID:    msg.MailboxID,
			MessageKey:   msg.MessageKey,
			AttachmentID: desc.AttachmentID,
			Filename:     desc.Filename,
			ContentType:  desc.MimeType,
			Data:         data,
		})
		if err != nil {
			return err
		}

		stored[i] = &model.AttachmentMetadata{
			Filename:     desc.Filename,
			ContentType:  desc.MimeType,
			Size:         int64(len(data)),
			StorageKey:   key,
			AttachmentID: desc.AttachmentID,
		}
		return nil
	})

	for i, err := range errs {
		if err != nil {
			a.metrics.AttachmentFailures.Inc()
			a.logger(msg.Ref).WithError(err).WithFields(logrus.Fields{
				"attachment_id": msg.Attachments[i].AttachmentID,
				"filename":      msg.Attachments[i].Filename,
			}).Warn("Skipping attachment")
			continue
		}
		a.metrics.AttachmentsUploaded.Inc()
		out.Attachments = append(out.Attachments, *stored[i])
	}
	return out, nil
}
