package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// StartReconciler starts the stale-notification sweep
func (h *Handlers) StartReconciler(c *gin.Context) {
	if err := h.reconciler.Start(); err != nil {
		abortWithError(c, http.StatusConflict, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Reconciler started successfully",
		"status":  "running",
	})
}

// StopReconciler stops the stale-notification sweep
func (h *Handlers) StopReconciler(c *gin.Context) {
	if err := h.reconciler.Stop(); err != nil {
		abortWithError(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Reconciler stopped successfully",
		"status":  "stopped",
	})
}

// RunReconcilerOnce runs one sweep immediately
func (h *Handlers) RunReconcilerOnce(c *gin.Context) {
	requeued, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Manual reconciliation sweep failed")
		abortWithError(c, http.StatusInternalServerError, "Failed to run reconciliation")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Reconciliation completed",
		"requeued": requeued,
	})
}

// GetReconcilerStatus returns whether the sweep is scheduled
func (h *Handlers) GetReconcilerStatus(c *gin.Context) {
	status := ReconcilerStatus{Status: "stopped"}
	if h.reconciler.IsRunning() {
		status.Status = "running"
		next := h.reconciler.NextRun()
		status.NextRun = &next
	}
	c.JSON(http.StatusOK, status)
}
