// Package queue carries pipeline work between stages over SQS.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mail-intake-go/internal/model"
)

// Kind tags which stage a queue body is addressed to
type Kind string

const (
	KindFetchMetadata    Kind = "fetch_metadata"
	KindFetchAttachments Kind = "fetch_attachments"
	KindPersist          Kind = "persist"
)

// ErrUnknownKind is returned when a body carries a tag no stage handles
var ErrUnknownKind = errors.New("unknown message kind")

// SQS rejects deduplication ids longer than this
const maxDeduplicationIDLength = 128

// Message is implemented by every stage payload
type Message interface {
	Kind() Kind
	Reference() Ref
}

// Ref identifies the notification a stage message belongs to
type Ref struct {
	MailboxID      string `json:"mailboxId"`
	MessageKey     string `json:"messageKey"`
	HistoryID      string `json:"historyId"`
	NotificationID uint   `json:"webhookNotificationId"`
}

func (r Ref) Reference() Ref { return r }

// DeduplicationID is the content-derived token the queue uses to drop
// repeated sends.
func (r Ref) DeduplicationID() string {
	id := r.MailboxID + "-" + r.MessageKey + "-" + r.HistoryID
	if len(id) <= maxDeduplicationIDLength {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// AttachmentDescriptor is an attachment found on the provider message but not
// yet downloaded
type AttachmentDescriptor struct {
	AttachmentID string `json:"attachmentId"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
}

// EmailMetadata is the header and body content resolved by the fetcher
type EmailMetadata struct {
	Subject    string     `json:"subject,omitempty"`
	From       string     `json:"from,omitempty"`
	To         []string   `json:"to,omitempty"`
	Cc         []string   `json:"cc,omitempty"`
	Bcc        []string   `json:"bcc,omitempty"`
	Body       string     `json:"body,omitempty"`
	ThreadID   string     `json:"threadId,omitempty"`
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
}

// FetchMetadata asks the first stage to resolve a notification
type FetchMetadata struct {
	Ref
}

func (FetchMetadata) Kind() Kind { return KindFetchMetadata }

// FetchAttachments asks the second stage to copy attachments to storage
type FetchAttachments struct {
	Ref
	Metadata    EmailMetadata          `json:"metadata"`
	Attachments []AttachmentDescriptor `json:"attachments"`
}

func (FetchAttachments) Kind() Kind { return KindFetchAttachments }

// Persist asks the last stage to write the resolved email
type Persist struct {
	Ref
	Metadata    EmailMetadata              `json:"metadata"`
	Attachments []model.AttachmentMetadata `json:"processedAttachments"`
}

func (Persist) Kind() Kind { return KindPersist }

// Envelope is the JSON body of every queue message
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps msg in its tagged envelope
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: msg.Kind(), Payload: payload})
}

// Decode unwraps a tagged envelope into its stage message
func Decode(body []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	var msg Message
	switch env.Kind {
	case KindFetchMetadata:
		msg = &FetchMetadata{}
	case KindFetchAttachments:
		msg = &FetchAttachments{}
	case KindPersist:
		msg = &Persist{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Kind, err)
	}
	return msg, nil
}
