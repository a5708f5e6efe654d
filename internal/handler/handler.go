package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mail-intake-go/internal/intake"
	"mail-intake-go/internal/model"
	"mail-intake-go/internal/repository"
)

// Intake accepts webhook notifications
type Intake interface {
	Handle(ctx context.Context, env *intake.PushEnvelope) (*intake.Result, error)
}

// EmailReader is the read side of the email store
type EmailReader interface {
	GetByMessageKey(ctx context.Context, messageKey string) (*model.ProcessedEmail, error)
	List(ctx context.Context, filter repository.EmailFilter) ([]model.ProcessedEmail, int64, error)
	ListByThread(ctx context.Context, threadID string, limit, offset int) ([]model.ProcessedEmail, int64, error)
}

// NotificationReader looks up ledger rows
type NotificationReader interface {
	GetByID(ctx context.Context, id uint) (*model.WebhookNotification, error)
}

// Reconciler is the stale-notification sweep
type Reconciler interface {
	Start() error
	Stop() error
	IsRunning() bool
	NextRun() time.Time
	RunOnce(ctx context.Context) (int, error)
}

// Pinger checks database connectivity
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db            Pinger
	intake        Intake
	emails        EmailReader
	notifications NotificationReader
	reconciler    Reconciler
	gatherer      prometheus.Gatherer
}

// NewHandlers creates new HTTP handlers. Any dependency may be nil, in which
// case its routes are not registered.
func NewHandlers(db Pinger, in Intake, emails EmailReader, notifications NotificationReader, reconciler Reconciler, gatherer prometheus.Gatherer) *Handlers {
	return &Handlers{
		db:            db,
		intake:        in,
		emails:        emails,
		notifications: notifications,
		reconciler:    reconciler,
		gatherer:      gatherer,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	if h.intake != nil {
		router.POST("/webhook/gmail", h.HandleGmailWebhook)
	}

	api := router.Group("/api/v1")
	if h.emails != nil {
		api.GET("/emails", h.ListEmails)
		api.GET("/emails/:messageKey", h.GetEmail)
		api.GET("/mailboxes/:mailboxId/emails", h.ListMailboxEmails)
		api.GET("/threads/:threadId/emails", h.ListThreadEmails)
	}
	if h.notifications != nil {
		api.GET("/notifications/:id", h.GetNotification)
	}
	if h.reconciler != nil {
		api.POST("/reconciler/start", h.StartReconciler)
		api.POST("/reconciler/stop", h.StopReconciler)
		api.POST("/reconciler/run-once", h.RunReconcilerOnce)
		api.GET("/reconciler/status", h.GetReconcilerStatus)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.WithError(err).Error("Database health check failed")
	}

	if h.reconciler != nil {
		response.Reconciler = "stopped"
		if h.reconciler.IsRunning() {
			response.Reconciler = "running"
		}
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message})
}
