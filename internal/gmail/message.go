package gmail

import (
	"encoding/base64"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	gmail "google.golang.org/api/gmail/v1"
)

// Message is the subset of a Gmail message the pipeline keeps
type Message struct {
	ID          string
	ThreadID    string
	Subject     string
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Body        string
	ReceivedAt  *time.Time
	Attachments []Attachment
}

// Attachment describes a part that has to be downloaded separately
type Attachment struct {
	ID       string
	Filename string
	MimeType string
	Size     int64
}

// PlaceholderKey is the message key used when a notification does not name
// a message
func PlaceholderKey(address, historyID string) string {
	return address + "-" + historyID
}

// IsPlaceholderKey reports whether key was built by PlaceholderKey rather
// than assigned by Gmail
func IsPlaceholderKey(key, historyID string) bool {
	return strings.Contains(key, "@") && strings.HasSuffix(key, "-"+historyID)
}

func parseMessage(msg *gmail.Message) *Message {
	out := &Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
	}
	if msg.Payload == nil {
		out.ReceivedAt = internalDate(msg.InternalDate)
		return out
	}

	var h mail.Header
	for _, header := range msg.Payload.Headers {
		h.Add(header.Name, header.Value)
	}

	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = h.Get("Subject")
	}

	if from := addressList(&h, "From"); len(from) > 0 {
		out.From = from[0]
	}
	out.To = addressList(&h, "To")
	out.Cc = addressList(&h, "Cc")
	out.Bcc = addressList(&h, "Bcc")

	if date, err := h.Date(); err == nil && !date.IsZero() {
		date = date.UTC()
		out.ReceivedAt = &date
	} else {
		out.ReceivedAt = internalDate(msg.InternalDate)
	}

	out.Body = extractBody(msg.Payload)
	out.Attachments = extractAttachments(msg.Payload)
	return out
}

// addressList returns bare addresses, falling back to a comma split when
// the header does not parse
func addressList(h *mail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	if list, err := h.AddressList(key); err == nil {
		out := make([]string, 0, len(list))
		for _, addr := range list {
			out = append(out, addr.Address)
		}
		return out
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func internalDate(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// extractBody prefers the HTML rendition when both are present
func extractBody(payload *gmail.MessagePart) string {
	var text, html string

	var walk func(part *gmail.MessagePart)
	walk = func(part *gmail.MessagePart) {
		if part.Body != nil && part.Body.Data != "" {
			switch part.MimeType {
			case "text/plain":
				if data, err := decodeData(part.Body.Data); err == nil {
					text = string(data)
				}
			case "text/html":
				if data, err := decodeData(part.Body.Data); err == nil {
					html = string(data)
				}
			}
		}
		for _, sub := range part.Parts {
			walk(sub)
		}
	}

	if len(payload.Parts) > 0 {
		for _, part := range payload.Parts {
			walk(part)
		}
	} else if payload.Body != nil && payload.Body.Data != "" {
		if data, err := decodeData(payload.Body.Data); err == nil {
			if payload.MimeType == "text/html" {
				html = string(data)
			} else {
				text = string(data)
			}
		}
	}

	if html != "" {
		return html
	}
	return text
}

// extractAttachments collects every part that has both a filename and an
// attachment id, at any depth
func extractAttachments(payload *gmail.MessagePart) []Attachment {
	var out []Attachment

	var walk func(part *gmail.MessagePart)
	walk = func(part *gmail.MessagePart) {
		if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
			out = append(out, Attachment{
				ID:       part.Body.AttachmentId,
				Filename: part.Filename,
				MimeType: part.MimeType,
				Size:     part.Body.Size,
			})
		}
		for _, sub := range part.Parts {
			walk(sub)
		}
	}

	for _, part := range payload.Parts {
		walk(part)
	}
	return out
}

// decodeData accepts the padded and unpadded URL alphabets Gmail uses
func decodeData(data string) ([]byte, error) {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(data)
}
