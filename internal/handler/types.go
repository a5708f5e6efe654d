package handler

import (
	"time"

	"mail-intake-go/internal/model"
)

// WebhookResponse is returned for accepted and duplicate notifications
type WebhookResponse struct {
	Message               string `json:"message"`
	WebhookNotificationID uint   `json:"webhookNotificationId"`
	Warning               string `json:"warning,omitempty"`
}

// EmailPage is one page of stored emails
type EmailPage struct {
	MailboxID string                 `json:"mailboxId,omitempty"`
	ThreadID  string                 `json:"threadId,omitempty"`
	Total     int64                  `json:"total"`
	Limit     int                    `json:"limit"`
	Offset    int                    `json:"offset"`
	Emails    []model.ProcessedEmail `json:"emails"`
}

// ReconcilerStatus reports the sweep state
type ReconcilerStatus struct {
	Status  string     `json:"status"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Database   string    `json:"database"`
	Reconciler string    `json:"reconciler,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
