package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mail-intake-go/internal/repository"
)

// GetNotification returns a ledger row so operators can see where a
// notification stopped
func (h *Handlers) GetNotification(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid notification ID")
		return
	}

	notification, err := h.notifications.GetByID(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			abortWithError(c, http.StatusNotFound, "Notification not found")
			return
		}
		logrus.WithError(err).Error("Failed to fetch notification")
		abortWithError(c, http.StatusInternalServerError, "Failed to fetch notification")
		return
	}

	c.JSON(http.StatusOK, notification)
}
