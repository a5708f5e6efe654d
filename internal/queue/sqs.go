package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	// MaxReceiveBatch is the most messages SQS returns from one receive
	MaxReceiveBatch = 10

	receiveCountAttribute = "ApproximateReceiveCount"
)

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSConsumer abstracts the SQS receive and delete operations.
type SQSConsumer interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Sender publishes stage messages to one queue
type Sender struct {
	client   SQSSender
	queueURL string
	fifo     bool
}

// NewSender creates a Sender. FIFO queues get a group and deduplication id
// on every send.
func NewSender(client SQSSender, queueURL string) *Sender {
	return &Sender{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Send encodes msg and puts it on the queue
func (s *Sender) Send(ctx context.Context, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if s.fifo {
		ref := msg.Reference()
		input.MessageGroupId = aws.String(ref.MailboxID)
		input.MessageDeduplicationId = aws.String(ref.DeduplicationID())
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Kind(), err)
	}
	return nil
}

// Delivery is one received queue message. Message is nil and DecodeErr set
// when the body could not be decoded.
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	ReceiveCount  int
	Body          string
	Message       Message
	DecodeErr     error
}

// Receiver long-polls one queue
type Receiver struct {
	client            SQSConsumer
	queueURL          string
	waitSeconds       int32
	visibilityTimeout int32
}

// NewReceiver creates a Receiver. A zero visibilityTimeout keeps the queue's
// own setting.
func NewReceiver(client SQSConsumer, queueURL string, waitSeconds, visibilityTimeout int32) *Receiver {
	return &Receiver{
		client:            client,
		queueURL:          queueURL,
		waitSeconds:       waitSeconds,
		visibilityTimeout: visibilityTimeout,
	}
}

// QueueURL returns the queue this receiver polls
func (r *Receiver) QueueURL() string {
	return r.queueURL
}

// Receive waits for up to limit messages
func (r *Receiver) Receive(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 || limit > MaxReceiveBatch {
		limit = MaxReceiveBatch
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(r.queueURL),
		MaxNumberOfMessages:         int32(limit),
		WaitTimeSeconds:             r.waitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if r.visibilityTimeout > 0 {
		input.VisibilityTimeout = r.visibilityTimeout
	}

	out, err := r.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		d := Delivery{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		}
		if count, ok := m.Attributes[receiveCountAttribute]; ok {
			d.ReceiveCount, _ = strconv.Atoi(count)
		}
		d.Message, d.DecodeErr = Decode([]byte(d.Body))
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Delete acknowledges a delivery so it is not redelivered
func (r *Receiver) Delete(ctx context.Context, receiptHandle string) error {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
