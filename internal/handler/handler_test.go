package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mail-intake-go/internal/database/dbtest"
	"mail-intake-go/internal/intake"
	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/model"
	"mail-intake-go/internal/queue/queuetest"
	"mail-intake-go/internal/repository"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type fakeReconciler struct {
	running  bool
	requeued int
	err      error
}

func (f *fakeReconciler) Start() error {
	if f.running {
		return errors.New("reconciler is already running")
	}
	f.running = true
	return nil
}

func (f *fakeReconciler) Stop() error {
	f.running = false
	return nil
}

func (f *fakeReconciler) IsRunning() bool {
	return f.running
}

func (f *fakeReconciler) NextRun() time.Time {
	return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (f *fakeReconciler) RunOnce(context.Context) (int, error) {
	return f.requeued, f.err
}

type env struct {
	db         *gorm.DB
	repo       *repository.Repository
	queue      *queuetest.Queue
	reconciler *fakeReconciler
	router     *gin.Engine
}

func newEnv(t *testing.T, db Pinger) *env {
	t.Helper()
	gdb := dbtest.New(t)
	repo := repository.New(gdb)
	q := queuetest.New()
	reg := prometheus.NewRegistry()
	svc := intake.NewService(repo.Mailboxes, repo.Notifications, q, metrics.NewMetrics(reg))
	rec := &fakeReconciler{}

	require.NoError(t, gdb.Create(&model.MailboxConfig{
		MailboxID:       "mb-1",
		ClientID:        "client",
		UserEmail:       "owner@example.com",
		PubsubChannelID: "chan-1",
	}).Error)

	router := gin.New()
	NewHandlers(db, svc, repo.Emails, repo.Notifications, rec, reg).SetupRoutes(router)
	return &env{db: gdb, repo: repo, queue: q, reconciler: rec, router: router}
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func webhookBody(channel, payload string) string {
	data := base64.StdEncoding.EncodeToString([]byte(payload))
	return `{"message":{"data":"` + data + `","messageId":"ps-1","publishTime":"2024-05-01T00:00:00Z","attributes":{"googclient_channelid":"` + channel + `"}}}`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestWebhookAcceptsAndDeduplicates(t *testing.T) {
	e := newEnv(t, pinger{})
	body := webhookBody("chan-1", `{"emailAddress":"owner@example.com","historyId":"42"}`)

	w := e.do(http.MethodPost, "/webhook/gmail", body)
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[WebhookResponse](t, w)
	assert.Equal(t, "Webhook processed successfully", first.Message)
	assert.NotZero(t, first.WebhookNotificationID)
	assert.Empty(t, first.Warning)

	w = e.do(http.MethodPost, "/webhook/gmail", body)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[WebhookResponse](t, w)
	assert.Equal(t, "Duplicate notification ignored", second.Message)
	assert.Equal(t, first.WebhookNotificationID, second.WebhookNotificationID)
	assert.Equal(t, 1, e.queue.Len())
}

func TestWebhookRejections(t *testing.T) {
	e := newEnv(t, pinger{})

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"not json", `{{{`, http.StatusBadRequest},
		{"no message", `{}`, http.StatusBadRequest},
		{"missing channel", `{"message":{"data":"e30="}}`, http.StatusBadRequest},
		{"unknown channel", webhookBody("chan-x", `{"historyId":"1"}`), http.StatusNotFound},
		{"bad data", `{"message":{"data":"!!!","attributes":{"googclient_channelid":"chan-1"}}}`, http.StatusBadRequest},
		{"missing history", webhookBody("chan-1", `{"emailAddress":"owner@example.com"}`), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/webhook/gmail", tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, w).Error)
		})
	}

	var count int64
	require.NoError(t, e.db.Model(&model.WebhookNotification{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Zero(t, e.queue.Len())
}

func TestWebhookWarnsWhenQueueFails(t *testing.T) {
	e := newEnv(t, pinger{})
	e.queue.SendErr = errors.New("sqs unavailable")

	w := e.do(http.MethodPost, "/webhook/gmail", webhookBody("chan-1", `{"historyId":"7"}`))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[WebhookResponse](t, w)
	assert.NotZero(t, resp.WebhookNotificationID)
	assert.Contains(t, resp.Warning, "sqs unavailable")
}

func seedEmails(t *testing.T, repo *repository.Repository) {
	t.Helper()
	thread := "thr-1"
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var emails []*model.ProcessedEmail
	for i, key := range []string{"m-1", "m-2", "m-3"} {
		received := base.Add(time.Duration(i) * time.Hour)
		emails = append(emails, &model.ProcessedEmail{
			MailboxID:   "mb-1",
			MessageKey:  key,
			HistoryID:   "1",
			ThreadID:    &thread,
			ReceivedAt:  &received,
			ProcessedAt: base.Add(time.Duration(i) * time.Minute),
			Attachments: []model.AttachmentMetadata{},
		})
	}
	require.NoError(t, repo.Emails.UpsertBatch(context.Background(), emails))
}

func TestEmailQueries(t *testing.T) {
	e := newEnv(t, pinger{})
	seedEmails(t, e.repo)

	w := e.do(http.MethodGet, "/api/v1/emails?mailboxId=mb-1&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[EmailPage](t, w)
	assert.EqualValues(t, 3, page.Total)
	assert.Equal(t, 2, page.Limit)
	require.Len(t, page.Emails, 2)
	assert.Equal(t, "m-3", page.Emails[0].MessageKey)

	w = e.do(http.MethodGet, "/api/v1/emails?limit=1000", "")
	assert.Equal(t, 100, decode[EmailPage](t, w).Limit)

	w = e.do(http.MethodGet, "/api/v1/emails?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/api/v1/emails/m-2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "m-2", decode[model.ProcessedEmail](t, w).MessageKey)

	w = e.do(http.MethodGet, "/api/v1/emails/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/api/v1/mailboxes/mb-1/emails?offset=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[EmailPage](t, w)
	assert.Equal(t, "mb-1", page.MailboxID)
	assert.Equal(t, 50, page.Limit)
	require.Len(t, page.Emails, 1)
	assert.Equal(t, "m-1", page.Emails[0].MessageKey)

	w = e.do(http.MethodGet, "/api/v1/threads/thr-1/emails", "")
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[EmailPage](t, w)
	require.Len(t, page.Emails, 3)
	assert.Equal(t, "m-1", page.Emails[0].MessageKey)
	assert.Equal(t, "m-3", page.Emails[2].MessageKey)
}

func TestGetNotification(t *testing.T) {
	e := newEnv(t, pinger{})
	w := e.do(http.MethodPost, "/webhook/gmail", webhookBody("chan-1", `{"historyId":"9"}`))
	id := decode[WebhookResponse](t, w).WebhookNotificationID

	w = e.do(http.MethodGet, "/api/v1/notifications/"+strconv.FormatUint(uint64(id), 10), "")
	require.Equal(t, http.StatusOK, w.Code)
	n := decode[model.WebhookNotification](t, w)
	assert.Equal(t, model.StatusPending, n.Status)
	assert.Equal(t, "owner@example.com-9", n.MessageKey)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/notifications/9999", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/notifications/abc", "").Code)
}

func TestHealthCheck(t *testing.T) {
	w := newEnv(t, pinger{}).do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "stopped", health.Reconciler)

	w = newEnv(t, pinger{err: errors.New("connection refused")}).do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "error", decode[HealthResponse](t, w).Database)
}

func TestReconcilerRoutes(t *testing.T) {
	e := newEnv(t, pinger{})

	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/reconciler/start", "").Code)
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/api/v1/reconciler/start", "").Code)

	w := e.do(http.MethodGet, "/api/v1/reconciler/status", "")
	status := decode[ReconcilerStatus](t, w)
	assert.Equal(t, "running", status.Status)
	require.NotNil(t, status.NextRun)

	e.reconciler.requeued = 3
	w = e.do(http.MethodPost, "/api/v1/reconciler/run-once", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode[map[string]any](t, w)["requeued"])

	e.reconciler.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, e.do(http.MethodPost, "/api/v1/reconciler/run-once", "").Code)

	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/reconciler/stop", "").Code)
	assert.False(t, e.reconciler.running)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, pinger{})
	e.do(http.MethodPost, "/webhook/gmail", webhookBody("chan-1", `{"historyId":"1"}`))

	w := e.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `mail_intake_webhook_requests_total{result="accepted"} 1`)
}
