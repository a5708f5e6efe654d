package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mail-intake-go/internal/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// mutable columns overwritten when a message key arrives again
var emailUpdateColumns = []string{
	"mailbox_id",
	"history_id",
	"subject",
	"sender_email",
	"recipient_email",
	"cc_email",
	"bcc_email",
	"body",
	"attachments",
	"attachments_count",
	"thread_id",
	"received_at",
	"processed_at",
	"updated_at",
}

// EmailFilter narrows an email listing
type EmailFilter struct {
	MailboxID  string
	MessageKey string
	ThreadID   string
	Limit      int
	Offset     int
}

// EmailRepository is the idempotent final store
type EmailRepository struct {
	db *gorm.DB
}

func NewEmailRepository(db *gorm.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

// UpsertBatch writes every email in one transaction, merging rows whose
// message key already exists.
func (r *EmailRepository) UpsertBatch(ctx context.Context, emails []*model.ProcessedEmail) error {
	if len(emails) == 0 {
		return nil
	}
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "gmail_message_id"}},
		DoUpdates: clause.AssignmentColumns(emailUpdateColumns),
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, email := range emails {
			// one statement per row; a multi-row insert cannot update the same key twice
			if err := tx.Clauses(upsert).Create(email).Error; err != nil {
				return fmt.Errorf("failed to upsert email %s: %w", email.MessageKey, err)
			}
		}
		return nil
	})
}

// GetByMessageKey returns the stored email for a message key
func (r *EmailRepository) GetByMessageKey(ctx context.Context, messageKey string) (*model.ProcessedEmail, error) {
	var email model.ProcessedEmail
	err := r.db.WithContext(ctx).Where("gmail_message_id = ?", messageKey).First(&email).Error
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &email, nil
}

// List returns a page of emails, newest processed first, and the total match count
func (r *EmailRepository) List(ctx context.Context, filter EmailFilter) ([]model.ProcessedEmail, int64, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		if filter.MailboxID != "" {
			db = db.Where("mailbox_id = ?", filter.MailboxID)
		}
		if filter.MessageKey != "" {
			db = db.Where("gmail_message_id = ?", filter.MessageKey)
		}
		if filter.ThreadID != "" {
			db = db.Where("thread_id = ?", filter.ThreadID)
		}
		return db
	}
	return r.page(ctx, scope, "processed_at DESC", filter.Limit, filter.Offset)
}

// ListByThread returns a thread in the order its messages were received
func (r *EmailRepository) ListByThread(ctx context.Context, threadID string, limit, offset int) ([]model.ProcessedEmail, int64, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		return db.Where("thread_id = ?", threadID)
	}
	return r.page(ctx, scope, "received_at ASC", limit, offset)
}

func (r *EmailRepository) page(ctx context.Context, scope func(*gorm.DB) *gorm.DB, order string, limit, offset int) ([]model.ProcessedEmail, int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.ProcessedEmail{}).Scopes(scope).Count(&total).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count emails: %w", err)
	}

	emails := []model.ProcessedEmail{}
	err = r.db.WithContext(ctx).
		Scopes(scope).
		Order(order).
		Limit(NormalizeLimit(limit)).
		Offset(normalizeOffset(offset)).
		Find(&emails).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list emails: %w", err)
	}
	return emails, total, nil
}

// NormalizeLimit applies the default page size and the hard cap
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
