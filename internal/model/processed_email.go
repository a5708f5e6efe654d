package model

import (
	"time"

	"gorm.io/gorm"
)

// AttachmentMetadata describes one attachment that has been copied to object storage
type AttachmentMetadata struct {
	Filename     string `json:"filename"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	StorageKey   string `json:"s3Key"`
	AttachmentID string `json:"attachmentId"`
}

// ProcessedEmail is the final record for a resolved message. MessageKey is
// unique, so redelivered writes merge into the existing row.
type ProcessedEmail struct {
	ID               uint                 `json:"id" gorm:"primaryKey;autoIncrement"`
	MailboxID        string               `json:"mailbox_id" gorm:"type:varchar(255);not null;index"`
	MessageKey       string               `json:"message_key" gorm:"column:gmail_message_id;type:varchar(255);not null;uniqueIndex"`
	HistoryID        string               `json:"history_id" gorm:"type:varchar(255);not null"`
	Subject          *string              `json:"subject" gorm:"type:text"`
	SenderEmail      *string              `json:"sender_email" gorm:"type:varchar(255)"`
	RecipientEmail   *string              `json:"recipient_email" gorm:"type:text"`
	CcEmail          *string              `json:"cc_email" gorm:"type:text"`
	BccEmail         *string              `json:"bcc_email" gorm:"type:text"`
	Body             *string              `json:"body" gorm:"type:text"`
	Attachments      []AttachmentMetadata `json:"attachments" gorm:"serializer:json;type:text"`
	AttachmentsCount int                  `json:"attachments_count" gorm:"not null;default:0"`
	ThreadID         *string              `json:"thread_id" gorm:"type:varchar(255);index"`
	ReceivedAt       *time.Time           `json:"received_at"`
	ProcessedAt      time.Time            `json:"processed_at"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	DeletedAt        gorm.DeletedAt       `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for ProcessedEmail
func (ProcessedEmail) TableName() string {
	return "processed_emails"
}
