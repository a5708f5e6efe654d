// Package queuetest provides an in-memory queue for pipeline tests.
package queuetest

import (
	"context"
	"fmt"
	"sync"

	"mail-intake-go/internal/queue"
)

type entry struct {
	handle   string
	body     []byte
	receives int
	inFlight bool
}

// Queue is an in-memory stand-in for one SQS queue. Received messages stay
// in flight until deleted or released.
type Queue struct {
	mu      sync.Mutex
	seq     int
	entries []*entry

	// SendErr, when set, fails every Send
	SendErr error
	// DeleteErr, when set, fails every Delete
	DeleteErr error
}

func New() *Queue {
	return &Queue{}
}

// Send encodes msg the same way the SQS sender does
func (q *Queue) Send(_ context.Context, msg queue.Message) error {
	body, err := queue.Encode(msg)
	if err != nil {
		return err
	}
	return q.SendRaw(body)
}

// SendRaw enqueues an arbitrary body
func (q *Queue) SendRaw(body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.SendErr != nil {
		return q.SendErr
	}
	q.seq++
	q.entries = append(q.entries, &entry{handle: fmt.Sprintf("rh-%d", q.seq), body: body})
	return nil
}

// Receive returns up to limit messages that are not in flight
func (q *Queue) Receive(_ context.Context, limit int) ([]queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []queue.Delivery
	for _, e := range q.entries {
		if len(out) == limit {
			break
		}
		if e.inFlight {
			continue
		}
		e.inFlight = true
		e.receives++
		d := queue.Delivery{
			MessageID:     e.handle,
			ReceiptHandle: e.handle,
			ReceiveCount:  e.receives,
			Body:          string(e.body),
		}
		d.Message, d.DecodeErr = queue.Decode(e.body)
		out = append(out, d)
	}
	return out, nil
}

// Delete removes an acknowledged message
func (q *Queue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.DeleteErr != nil {
		return q.DeleteErr
	}
	for i, e := range q.entries {
		if e.handle == receiptHandle {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown receipt handle %q", receiptHandle)
}

// ReleaseAll makes every in-flight message visible again, as if its
// visibility timeout expired
func (q *Queue) ReleaseAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		e.inFlight = false
	}
}

// Len counts messages still on the queue, in flight or not
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Messages decodes every message still on the queue
func (q *Queue) Messages() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []queue.Message
	for _, e := range q.entries {
		if msg, err := queue.Decode(e.body); err == nil {
			out = append(out, msg)
		}
	}
	return out
}
