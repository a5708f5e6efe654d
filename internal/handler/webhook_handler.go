package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mail-intake-go/internal/intake"
)

// HandleGmailWebhook records a push notification and queues it for fetching
func (h *Handlers) HandleGmailWebhook(c *gin.Context) {
	var env intake.PushEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		abortWithError(c, http.StatusBadRequest, intake.ErrMalformedEnvelope.Error())
		return
	}

	result, err := h.intake.Handle(c.Request.Context(), &env)
	if err != nil {
		status := webhookStatus(err)
		if status == http.StatusInternalServerError {
			logrus.WithError(err).Error("Failed to handle webhook")
		}
		abortWithError(c, status, err.Error())
		return
	}

	response := WebhookResponse{
		Message:               "Webhook processed successfully",
		WebhookNotificationID: result.NotificationID,
	}
	if result.Duplicate {
		response.Message = "Duplicate notification ignored"
	}
	if result.EnqueueErr != nil {
		response.Warning = "notification recorded but could not be queued: " + result.EnqueueErr.Error()
	}
	c.JSON(http.StatusOK, response)
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, intake.ErrMalformedEnvelope),
		errors.Is(err, intake.ErrMissingChannelID),
		errors.Is(err, intake.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, intake.ErrUnknownOrDisabledMailbox):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
