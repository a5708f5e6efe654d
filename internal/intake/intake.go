// Package intake validates Gmail push notifications, records them in the
// ledger and hands them to the fetch stage.
package intake

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"mail-intake-go/internal/gmail"
	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/model"
	"mail-intake-go/internal/queue"
	"mail-intake-go/internal/repository"
)

// ChannelIDAttribute is the push attribute naming the watch channel
const ChannelIDAttribute = "googclient_channelid"

var (
	ErrMalformedEnvelope        = errors.New("invalid push message format")
	ErrMissingChannelID         = errors.New("missing channel id in message attributes")
	ErrUnknownOrDisabledMailbox = errors.New("mailbox not found for channel id")
	ErrMalformedPayload         = errors.New("failed to decode message data")
)

// PushEnvelope is the body Pub/Sub posts to the webhook
type PushEnvelope struct {
	Message      *PushMessage `json:"message"`
	Subscription string       `json:"subscription,omitempty"`
}

// PushMessage carries the base64 notification and its attributes
type PushMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId,omitempty"`
	PublishTime string            `json:"publishTime,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// MailboxDirectory resolves a push channel to its mailbox
type MailboxDirectory interface {
	GetByChannelID(ctx context.Context, channelID string) (*model.MailboxConfig, error)
}

// Ledger records notifications and detects repeats
type Ledger interface {
	FindByTriple(ctx context.Context, mailboxID, messageKey, historyID string) (*model.WebhookNotification, error)
	InsertPending(ctx context.Context, n *model.WebhookNotification) (bool, error)
}

// Publisher forwards work to the fetch stage
type Publisher interface {
	Send(ctx context.Context, msg queue.Message) error
}

// Result describes an accepted notification. EnqueueErr is set when the
// ledger row was written but the fetch message could not be sent.
type Result struct {
	NotificationID uint
	Duplicate      bool
	EnqueueErr     error
}

// Service is the webhook intake
type Service struct {
	mailboxes MailboxDirectory
	ledger    Ledger
	publisher Publisher
	metrics   *metrics.Metrics
}

func NewService(mailboxes MailboxDirectory, ledger Ledger, publisher Publisher, m *metrics.Metrics) *Service {
	return &Service{
		mailboxes: mailboxes,
		ledger:    ledger,
		publisher: publisher,
		metrics:   m,
	}
}

// Handle validates env, records it and enqueues the fetch. The ledger row is
// committed before the send so a failed send leaves a pending row behind
// rather than work nobody can correlate.
func (s *Service) Handle(ctx context.Context, env *PushEnvelope) (*Result, error) {
	result, err := s.handle(ctx, env)
	s.metrics.WebhookRequests.WithLabelValues(outcome(result, err)).Inc()
	return result, err
}

func (s *Service) handle(ctx context.Context, env *PushEnvelope) (*Result, error) {
	if env == nil || env.Message == nil || env.Message.Data == "" {
		return nil, ErrMalformedEnvelope
	}

	channelID := strings.TrimSpace(env.Message.Attributes[ChannelIDAttribute])
	if channelID == "" {
		return nil, ErrMissingChannelID
	}

	mailbox, err := s.mailboxes.GetByChannelID(ctx, channelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownOrDisabledMailbox
		}
		return nil, err
	}

	payload, err := decodePayload(env.Message.Data)
	if err != nil {
		return nil, err
	}
	historyID := stringField(payload, "historyId")
	if historyID == "" {
		return nil, fmt.Errorf("%w: missing historyId", ErrMalformedPayload)
	}

	messageKey := stringField(payload, "messageId")
	if messageKey == "" {
		address := stringField(payload, "emailAddress")
		if address == "" {
			address = mailbox.UserEmail
		}
		messageKey = gmail.PlaceholderKey(address, historyID)
	}

	log := logrus.WithFields(logrus.Fields{
		"mailbox_id":  mailbox.MailboxID,
		"message_key": messageKey,
		"history_id":  historyID,
	})

	if existing, err := s.ledger.FindByTriple(ctx, mailbox.MailboxID, messageKey, historyID); err == nil {
		log.WithField("notification_id", existing.ID).Info("Duplicate notification ignored")
		return &Result{NotificationID: existing.ID, Duplicate: true}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	payload["pubsubMessageId"] = env.Message.MessageID
	payload["publishTime"] = env.Message.PublishTime

	notification := &model.WebhookNotification{
		MailboxID:  mailbox.MailboxID,
		MessageKey: messageKey,
		HistoryID:  historyID,
		Payload:    payload,
	}
	created, err := s.ledger.InsertPending(ctx, notification)
	if err != nil {
		return nil, err
	}
	if !created {
		// an identical notification committed between the lookup and the insert
		existing, err := s.ledger.FindByTriple(ctx, mailbox.MailboxID, messageKey, historyID)
		if err != nil {
			return nil, err
		}
		log.WithField("notification_id", existing.ID).Info("Duplicate notification ignored")
		return &Result{NotificationID: existing.ID, Duplicate: true}, nil
	}

	result := &Result{NotificationID: notification.ID}
	log = log.WithField("notification_id", notification.ID)

	err = s.publisher.Send(ctx, queue.FetchMetadata{Ref: queue.Ref{
		MailboxID:      mailbox.MailboxID,
		MessageKey:     messageKey,
		HistoryID:      historyID,
		NotificationID: notification.ID,
	}})
	if err != nil {
		log.WithError(err).Warn("Notification recorded but fetch message was not sent")
		result.EnqueueErr = err
		return result, nil
	}

	log.Info("Notification accepted")
	return result, nil
}

// decodePayload base64-decodes the notification and parses it as a JSON
// object. Numbers are kept as json.Number so history ids survive unchanged.
func decodePayload(data string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	return payload, nil
}

func stringField(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func outcome(result *Result, err error) string {
	switch {
	case errors.Is(err, ErrUnknownOrDisabledMailbox):
		return "unknown_mailbox"
	case errors.Is(err, ErrMalformedEnvelope), errors.Is(err, ErrMissingChannelID), errors.Is(err, ErrMalformedPayload):
		return "invalid"
	case err != nil:
		return "error"
	case result.Duplicate:
		return "duplicate"
	case result.EnqueueErr != nil:
		return "enqueue_failed"
	default:
		return "accepted"
	}
}
