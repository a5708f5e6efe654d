// Package blobstore copies attachment content to S3.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// S3Putter abstracts the S3 upload operation.
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Object is one attachment to upload
type Object struct {
	MailboxID    string
	MessageKey   string
	AttachmentID string
	Filename     string
	ContentType  string
	Data         []byte
}

// Store writes attachments under <prefix>/<mailbox>/<message key>/
type Store struct {
	client S3Putter
	bucket string
	prefix string
	now    func() time.Time
}

func New(client S3Putter, bucket, prefix string) *Store {
	if prefix == "" {
		prefix = "attachments"
	}
	return &Store{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Key builds the object key for an attachment. The millisecond timestamp
// keeps repeated uploads of the same attachment apart.
func (s *Store) Key(obj Object) string {
	return fmt.Sprintf("%s/%s/%s/%s_%d_%s",
		s.prefix,
		obj.MailboxID,
		obj.MessageKey,
		obj.AttachmentID,
		s.now().UnixMilli(),
		SanitizeFilename(obj.Filename),
	)
}

// Put uploads obj and returns its key
func (s *Store) Put(ctx context.Context, obj Object) (string, error) {
	key := s.Key(obj)

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"mailbox-id":  obj.MailboxID,
			"message-key": obj.MessageKey,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return key, nil
}

// SanitizeFilename replaces every character outside [a-zA-Z0-9._-] with _
func SanitizeFilename(name string) string {
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}
