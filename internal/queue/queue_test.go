package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-intake-go/internal/model"
)

// mockSQS implements SQSSender and SQSConsumer for testing.
type mockSQS struct {
	sendFunc    func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	receiveFunc func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	deleteFunc  func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, params, optFns...)
	}
	return &sqs.SendMessageOutput{}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.receiveFunc != nil {
		return m.receiveFunc(ctx, params, optFns...)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, params, optFns...)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

var testRef = Ref{MailboxID: "mb-1", MessageKey: "msg-1", HistoryID: "100", NotificationID: 7}

func TestEnvelopeRoundTripKeepsKind(t *testing.T) {
	received := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	messages := []Message{
		FetchMetadata{Ref: testRef},
		FetchAttachments{
			Ref:         testRef,
			Metadata:    EmailMetadata{Subject: "hi", To: []string{"a@example.com"}, ReceivedAt: &received},
			Attachments: []AttachmentDescriptor{{AttachmentID: "att-1", Filename: "a.pdf", MimeType: "application/pdf", Size: 3}},
		},
		Persist{
			Ref:         testRef,
			Metadata:    EmailMetadata{Subject: "hi"},
			Attachments: []model.AttachmentMetadata{{Filename: "a.pdf", StorageKey: "attachments/x", AttachmentID: "att-1"}},
		},
	}

	for _, msg := range messages {
		body, err := Encode(msg)
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(body, &env))
		assert.Equal(t, msg.Kind(), env.Kind)

		decoded, err := Decode(body)
		require.NoError(t, err)
		assert.Equal(t, msg.Kind(), decoded.Kind())
		assert.Equal(t, testRef, decoded.Reference())
	}
}

func TestDecodeTypes(t *testing.T) {
	body, err := Encode(Persist{Ref: testRef, Attachments: []model.AttachmentMetadata{{AttachmentID: "att-1"}}})
	require.NoError(t, err)

	msg, err := Decode(body)
	require.NoError(t, err)
	persist, ok := msg.(*Persist)
	require.True(t, ok)
	assert.Len(t, persist.Attachments, 1)
	assert.Equal(t, uint(7), persist.NotificationID)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"forward","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte(`{"mailboxId":"mb-1"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDeduplicationID(t *testing.T) {
	assert.Equal(t, "mb-1-msg-1-100", testRef.DeduplicationID())

	long := Ref{MailboxID: strings.Repeat("m", 80), MessageKey: strings.Repeat("k", 80), HistoryID: "1"}
	id := long.DeduplicationID()
	assert.LessOrEqual(t, len(id), maxDeduplicationIDLength)
	assert.Equal(t, id, long.DeduplicationID())
}

func TestSenderSetsFIFOAttributes(t *testing.T) {
	var captured *sqs.SendMessageInput
	mock := &mockSQS{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			captured = params
			return &sqs.SendMessageOutput{}, nil
		},
	}

	sender := NewSender(mock, "https://sqs.example.com/fetch.fifo")
	require.NoError(t, sender.Send(context.Background(), FetchMetadata{Ref: testRef}))

	require.NotNil(t, captured)
	assert.Equal(t, "https://sqs.example.com/fetch.fifo", aws.ToString(captured.QueueUrl))
	assert.Equal(t, "mb-1", aws.ToString(captured.MessageGroupId))
	assert.Equal(t, "mb-1-msg-1-100", aws.ToString(captured.MessageDeduplicationId))

	msg, err := Decode([]byte(aws.ToString(captured.MessageBody)))
	require.NoError(t, err)
	assert.Equal(t, KindFetchMetadata, msg.Kind())
}

func TestSenderStandardQueueOmitsFIFOAttributes(t *testing.T) {
	var captured *sqs.SendMessageInput
	mock := &mockSQS{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			captured = params
			return &sqs.SendMessageOutput{}, nil
		},
	}

	sender := NewSender(mock, "https://sqs.example.com/fetch")
	require.NoError(t, sender.Send(context.Background(), FetchMetadata{Ref: testRef}))
	assert.Nil(t, captured.MessageGroupId)
	assert.Nil(t, captured.MessageDeduplicationId)
}

func TestSenderWrapsError(t *testing.T) {
	mock := &mockSQS{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			return nil, errors.New("throttled")
		},
	}

	err := NewSender(mock, "https://sqs.example.com/q").Send(context.Background(), FetchMetadata{Ref: testRef})
	assert.ErrorContains(t, err, "throttled")
}

func TestReceiverDecodesDeliveries(t *testing.T) {
	good, err := Encode(FetchMetadata{Ref: testRef})
	require.NoError(t, err)

	var captured *sqs.ReceiveMessageInput
	mock := &mockSQS{
		receiveFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			captured = params
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{
				{
					MessageId:     aws.String("m-1"),
					ReceiptHandle: aws.String("rh-1"),
					Body:          aws.String(string(good)),
					Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
				},
				{
					MessageId:     aws.String("m-2"),
					ReceiptHandle: aws.String("rh-2"),
					Body:          aws.String("garbage"),
				},
			}}, nil
		},
	}

	receiver := NewReceiver(mock, "https://sqs.example.com/q", 20, 0)
	deliveries, err := receiver.Receive(context.Background(), 50)
	require.NoError(t, err)

	assert.EqualValues(t, MaxReceiveBatch, captured.MaxNumberOfMessages)
	assert.EqualValues(t, 20, captured.WaitTimeSeconds)
	assert.Zero(t, captured.VisibilityTimeout)
	assert.Contains(t, captured.MessageSystemAttributeNames, types.MessageSystemAttributeNameApproximateReceiveCount)

	require.Len(t, deliveries, 2)
	assert.Equal(t, "rh-1", deliveries[0].ReceiptHandle)
	assert.Equal(t, 3, deliveries[0].ReceiveCount)
	require.NoError(t, deliveries[0].DecodeErr)
	assert.Equal(t, testRef, deliveries[0].Message.Reference())

	assert.Nil(t, deliveries[1].Message)
	assert.Error(t, deliveries[1].DecodeErr)
	assert.Equal(t, "garbage", deliveries[1].Body)
}

func TestReceiverDelete(t *testing.T) {
	var handle string
	mock := &mockSQS{
		deleteFunc: func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
			handle = aws.ToString(params.ReceiptHandle)
			return &sqs.DeleteMessageOutput{}, nil
		},
	}

	require.NoError(t, NewReceiver(mock, "https://sqs.example.com/q", 20, 30).Delete(context.Background(), "rh-9"))
	assert.Equal(t, "rh-9", handle)
}
