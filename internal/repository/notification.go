package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mail-intake-go/internal/model"
)

// NotificationRepository is the notification ledger
type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// FindByTriple returns the ledger row for a (mailbox, message key, history id)
func (r *NotificationRepository) FindByTriple(ctx context.Context, mailboxID, messageKey, historyID string) (*model.WebhookNotification, error) {
	var n model.WebhookNotification
	err := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND gmail_message_id = ? AND history_id = ?", mailboxID, messageKey, historyID).
		First(&n).Error
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to find notification: %w", err)
	}
	return &n, nil
}

// InsertPending records a new pending row. It reports false when an identical
// triple already exists, in which case n is left without an ID.
func (r *NotificationRepository) InsertPending(ctx context.Context, n *model.WebhookNotification) (bool, error) {
	n.Status = model.StatusPending
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now().UTC()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert notification: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetByID returns one ledger row
func (r *NotificationRepository) GetByID(ctx context.Context, id uint) (*model.WebhookNotification, error) {
	var n model.WebhookNotification
	if err := r.db.WithContext(ctx).First(&n, id).Error; err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return &n, nil
}

// MarkCompleted records a successful pipeline outcome. A late success
// overrides an earlier stage failure.
func (r *NotificationRepository) MarkCompleted(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookNotification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_st":  model.StatusCompleted,
			"error_message": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark notification %d completed: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failure unless the row is already completed. It
// reports whether the row changed.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id uint, reason string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookNotification{}).
		Where("id = ? AND processed_st <> ?", id, model.StatusCompleted).
		Updates(map[string]any{
			"processed_st":  model.StatusFailed,
			"error_message": reason,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark notification %d failed: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListStalePending returns pending rows not touched since before
func (r *NotificationRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.WebhookNotification, error) {
	var rows []model.WebhookNotification
	err := r.db.WithContext(ctx).
		Where("processed_st = ? AND updated_at < ?", model.StatusPending, before.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale notifications: %w", err)
	}
	return rows, nil
}

// Touch bumps updated_at so a re-enqueued row is not swept again immediately
func (r *NotificationRepository) Touch(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).
		Model(&model.WebhookNotification{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to touch notification %d: %w", id, err)
	}
	return nil
}
