package pipeline

import (
	"context"
	"time"

	"mail-intake-go/internal/gmail"
	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/queue"
)

// Fetcher resolves a notification into message metadata and an attachment
// list, then forwards it to the attachment stage
type Fetcher struct {
	base
	mailboxes   Mailboxes
	vault       Decrypter
	client      MailClient
	next        Publisher
	concurrency int
}

func NewFetcher(source Source, next Publisher, ledger Ledger, mailboxes Mailboxes, vault Decrypter, client MailClient, concurrency int, m *metrics.Metrics) *Fetcher {
	return &Fetcher{
		base:        base{name: StageFetcher, source: source, ledger: ledger, metrics: m},
		mailboxes:   mailboxes,
		vault:       vault,
		client:      client,
		next:        next,
		concurrency: concurrency,
	}
}

func (f *Fetcher) HandleBatch(ctx context.Context, deliveries []queue.Delivery) {
	inChunks(ctx, deliveries, f.concurrency, f.handle)
}

func (f *Fetcher) handle(ctx context.Context, d queue.Delivery) error {
	msg, ok := d.Message.(*queue.FetchMetadata)
	if !ok {
		err := unexpected(f.name, d)
		f.logger(queue.Ref{}).WithError(err).Error("Skipping message")
		return err
	}

	start := time.Now()
	ctx, span := f.startSpan(ctx, msg.Ref, d)
	next, err := f.fetch(ctx, msg)
	if err == nil {
		err = f.forward(ctx, f.next, next, d)
	}
	f.finish(span, start, err)

	if err != nil {
		f.fail(ctx, msg.Ref, err)
		return err
	}
	f.logger(next.Ref).WithField("attachments", len(next.Attachments)).Info("Fetched message metadata")
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, msg *queue.FetchMetadata) (*queue.FetchAttachments, error) {
	creds, err := credentials(ctx, f.mailboxes, f.vault, msg.MailboxID)
	if err != nil {
		return nil, err
	}

	ref := msg.Ref
	if gmail.IsPlaceholderKey(ref.MessageKey, ref.HistoryID) {
		// best effort: keep the placeholder when history has nothing
		id, err := f.client.ResolveMessageID(ctx, creds, ref.HistoryID)
		switch {
		case err != nil:
			f.logger(ref).WithError(err).Warn("Failed to resolve message id from history")
		case id != "":
			ref.MessageKey = id
		}
	}

	message, err := f.client.GetMessage(ctx, creds, ref.MessageKey)
	if err != nil {
		return nil, err
	}

	out := &queue.FetchAttachments{
		Ref: ref,
		Metadata: queue.EmailMetadata{
			Subject:    message.Subject,
			From:       message.From,
			To:         message.To,
			Cc:         message.Cc,
			Bcc:        message.Bcc,
			Body:       message.Body,
			ThreadID:   message.ThreadID,
			ReceivedAt: message.ReceivedAt,
		},
	}
	for _, a := range message.Attachments {
		out.Attachments = append(out.Attachments, queue.AttachmentDescriptor{
			AttachmentID: a.ID,
			Filename:     a.Filename,
			MimeType:     a.MimeType,
			Size:         a.Size,
		})
	}
	return out, nil
}
