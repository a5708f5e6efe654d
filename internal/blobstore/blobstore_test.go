package blobstore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3 implements S3Putter for testing.
type mockS3 struct {
	putFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putFunc != nil {
		return m.putFunc(ctx, params, optFns...)
	}
	return &s3.PutObjectOutput{}, nil
}

func fixedClock(store *Store) {
	store.now = func() time.Time { return time.UnixMilli(1700000000123) }
}

func TestKeyFormat(t *testing.T) {
	store := New(&mockS3{}, "bucket", "")
	fixedClock(store)

	key := store.Key(Object{MailboxID: "mb-1", MessageKey: "msg-1", AttachmentID: "att-1", Filename: "Q3 report (final).pdf"})
	assert.Equal(t, "attachments/mb-1/msg-1/att-1_1700000000123_Q3_report__final_.pdf", key)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a-b_c.txt", SanitizeFilename("a-b_c.txt"))
	assert.Equal(t, ".._.._etc_passwd", SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "r_sum_.pdf", SanitizeFilename("résumé.pdf"))
}

func TestPutUploadsContent(t *testing.T) {
	var captured *s3.PutObjectInput
	var body []byte
	mock := &mockS3{
		putFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			captured = params
			var err error
			body, err = io.ReadAll(params.Body)
			return &s3.PutObjectOutput{}, err
		},
	}

	store := New(mock, "bucket", "attachments")
	fixedClock(store)

	key, err := store.Put(context.Background(), Object{
		MailboxID:    "mb-1",
		MessageKey:   "msg-1",
		AttachmentID: "att-1",
		Filename:     "a.pdf",
		ContentType:  "application/pdf",
		Data:         []byte("%PDF"),
	})
	require.NoError(t, err)
	assert.Equal(t, "attachments/mb-1/msg-1/att-1_1700000000123_a.pdf", key)
	assert.Equal(t, "bucket", aws.ToString(captured.Bucket))
	assert.Equal(t, key, aws.ToString(captured.Key))
	assert.Equal(t, "application/pdf", aws.ToString(captured.ContentType))
	assert.EqualValues(t, 4, aws.ToInt64(captured.ContentLength))
	assert.Equal(t, "%PDF", string(body))
}

func TestPutDefaultsContentType(t *testing.T) {
	var captured *s3.PutObjectInput
	mock := &mockS3{
		putFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			captured = params
			return &s3.PutObjectOutput{}, nil
		},
	}

	_, err := New(mock, "bucket", "").Put(context.Background(), Object{MailboxID: "mb", MessageKey: "m", AttachmentID: "a", Filename: "x"})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", aws.ToString(captured.ContentType))
}

func TestPutWrapsError(t *testing.T) {
	mock := &mockS3{
		putFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, errors.New("access denied")
		},
	}

	_, err := New(mock, "bucket", "").Put(context.Background(), Object{MailboxID: "mb", MessageKey: "m", AttachmentID: "a"})
	assert.ErrorContains(t, err, "access denied")
}
