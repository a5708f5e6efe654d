package repository

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// Repository groups the stores the pipeline reads and writes
type Repository struct {
	Mailboxes     *MailboxRepository
	Notifications *NotificationRepository
	Emails        *EmailRepository
}

// New creates every repository over one connection
func New(db *gorm.DB) *Repository {
	return &Repository{
		Mailboxes:     NewMailboxRepository(db),
		Notifications: NewNotificationRepository(db),
		Emails:        NewEmailRepository(db),
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
