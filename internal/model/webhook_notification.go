package model

import (
	"time"

	"gorm.io/gorm"
)

// NotificationStatus is the pipeline outcome recorded on a ledger row
type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusCompleted NotificationStatus = "completed"
	StatusFailed    NotificationStatus = "failed"
)

// WebhookNotification is one ledger row per (mailbox, message key, history id)
type WebhookNotification struct {
	ID           uint               `json:"id" gorm:"primaryKey;autoIncrement"`
	MailboxID    string             `json:"mailbox_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_notification_triple,priority:1"`
	MessageKey   string             `json:"message_key" gorm:"column:gmail_message_id;type:varchar(255);not null;uniqueIndex:idx_notification_triple,priority:2"`
	HistoryID    string             `json:"history_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_notification_triple,priority:3"`
	Payload      map[string]any     `json:"payload" gorm:"serializer:json;type:text"`
	Status       NotificationStatus `json:"status" gorm:"column:processed_st;type:varchar(32);not null;default:pending;index"`
	ErrorMessage *string            `json:"error_message" gorm:"type:text"`
	ReceivedAt   time.Time          `json:"received_at"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" gorm:"index"`
	DeletedAt    gorm.DeletedAt     `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for WebhookNotification
func (WebhookNotification) TableName() string {
	return "webhook_notifications"
}
