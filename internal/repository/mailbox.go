package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"mail-intake-go/internal/model"
)

// MailboxRepository looks up registered mailboxes. Disabled mailboxes are
// invisible to every lookup.
type MailboxRepository struct {
	db *gorm.DB
}

func NewMailboxRepository(db *gorm.DB) *MailboxRepository {
	return &MailboxRepository{db: db}
}

// GetByChannelID finds the enabled mailbox that owns a push channel
func (r *MailboxRepository) GetByChannelID(ctx context.Context, channelID string) (*model.MailboxConfig, error) {
	return r.first(ctx, "pubsub_channel_id = ?", channelID)
}

// GetByMailboxID finds an enabled mailbox by its identifier
func (r *MailboxRepository) GetByMailboxID(ctx context.Context, mailboxID string) (*model.MailboxConfig, error) {
	return r.first(ctx, "mailbox_id = ?", mailboxID)
}

func (r *MailboxRepository) first(ctx context.Context, query string, arg string) (*model.MailboxConfig, error) {
	var mailbox model.MailboxConfig
	err := r.db.WithContext(ctx).
		Where(query, arg).
		Where("is_mailbox_enabled = ?", true).
		First(&mailbox).Error
	if err != nil {
		err = notFound(err)
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return &mailbox, nil
}
