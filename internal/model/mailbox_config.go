package model

import (
	"time"

	"gorm.io/gorm"
)

// MailboxConfig represents a registered mailbox. Rows are provisioned by the
// registration flow and are read-only to the pipeline.
type MailboxConfig struct {
	ID                uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	MailboxID         string         `json:"mailbox_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	ClientID          string         `json:"client_id" gorm:"type:varchar(255);not null"`
	UserEmail         string         `json:"user_email" gorm:"type:varchar(255);not null"`
	AccessToken       string         `json:"-" gorm:"type:text"`
	RefreshToken      string         `json:"-" gorm:"type:text"`
	PubsubChannelID   string         `json:"pubsub_channel_id" gorm:"type:varchar(255);uniqueIndex"`
	ChannelExpiration *time.Time     `json:"channel_expiration"`
	IsMailboxEnabled  bool           `json:"is_mailbox_enabled" gorm:"default:true"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for MailboxConfig
func (MailboxConfig) TableName() string {
	return "gmail_mailbox_configs"
}
