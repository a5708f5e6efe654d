package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mail-intake-go/internal/repository"
)

// ListEmails returns stored emails filtered by mailboxId, messageKey and threadId
func (h *Handlers) ListEmails(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}

	filter := repository.EmailFilter{
		MailboxID:  c.Query("mailboxId"),
		MessageKey: c.Query("messageKey"),
		ThreadID:   c.Query("threadId"),
		Limit:      limit,
		Offset:     offset,
	}
	emails, total, err := h.emails.List(c.Request.Context(), filter)
	if err != nil {
		logrus.WithError(err).Error("Failed to list emails")
		abortWithError(c, http.StatusInternalServerError, "Failed to fetch emails")
		return
	}

	c.JSON(http.StatusOK, EmailPage{
		Total:  total,
		Limit:  repository.NormalizeLimit(limit),
		Offset: offset,
		Emails: emails,
	})
}

// GetEmail returns one stored email by message key
func (h *Handlers) GetEmail(c *gin.Context) {
	email, err := h.emails.GetByMessageKey(c.Request.Context(), c.Param("messageKey"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			abortWithError(c, http.StatusNotFound, "Email not found")
			return
		}
		logrus.WithError(err).Error("Failed to fetch email")
		abortWithError(c, http.StatusInternalServerError, "Failed to fetch email")
		return
	}

	c.JSON(http.StatusOK, email)
}

// ListMailboxEmails returns one mailbox's emails, newest first
func (h *Handlers) ListMailboxEmails(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}

	mailboxID := c.Param("mailboxId")
	emails, total, err := h.emails.List(c.Request.Context(), repository.EmailFilter{
		MailboxID: mailboxID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		logrus.WithError(err).WithField("mailbox_id", mailboxID).Error("Failed to list mailbox emails")
		abortWithError(c, http.StatusInternalServerError, "Failed to fetch emails")
		return
	}

	c.JSON(http.StatusOK, EmailPage{
		MailboxID: mailboxID,
		Total:     total,
		Limit:     repository.NormalizeLimit(limit),
		Offset:    offset,
		Emails:    emails,
	})
}

// ListThreadEmails returns a thread's emails in the order they arrived
func (h *Handlers) ListThreadEmails(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}

	threadID := c.Param("threadId")
	emails, total, err := h.emails.ListByThread(c.Request.Context(), threadID, limit, offset)
	if err != nil {
		logrus.WithError(err).WithField("thread_id", threadID).Error("Failed to list thread emails")
		abortWithError(c, http.StatusInternalServerError, "Failed to fetch emails")
		return
	}

	c.JSON(http.StatusOK, EmailPage{
		ThreadID: threadID,
		Total:    total,
		Limit:    repository.NormalizeLimit(limit),
		Offset:   offset,
		Emails:   emails,
	})
}

// pagination reads limit and offset. It writes a 400 and returns false when
// either is not a non-negative integer.
func pagination(c *gin.Context) (int, int, bool) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, 0, false
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "offset must be a non-negative integer")
		return 0, 0, false
	}
	return limit, offset, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative")
	}
	return n, nil
}
