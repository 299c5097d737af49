// Package queue defines the at-least-once message bus that connects the
// job lifecycle stages.
//
// Consumers long-poll a Receiver, acknowledge by deleting a message, and
// defer a message by changing its visibility timeout. Producers publish to
// either a fan-out topic or a queue through the same Publisher interface.
package queue

import (
	"context"
	"time"
)

// Message is one delivery of a queued message.
//
// The same logical message can be delivered more than once; each delivery
// has its own ReceiptHandle.
type Message struct {
	// ID is the broker-assigned message ID, stable across redeliveries.
	ID string

	// ReceiptHandle identifies this delivery for Delete/ChangeVisibility.
	ReceiptHandle string

	// Body is the raw message body.
	Body []byte

	// ReceiveCount is how many times the message has been delivered,
	// including this delivery. Zero when the broker does not report it.
	ReceiveCount int

	// Attributes are string message attributes.
	Attributes map[string]string
}

// ReceiveOptions bounds a single receive call.
type ReceiveOptions struct {
	// MaxMessages caps the batch size.
	MaxMessages int

	// WaitTime is the long-poll wait when no message is immediately available.
	WaitTime time.Duration
}

// Receiver consumes one queue.
type Receiver interface {
	// Receive blocks up to WaitTime and returns at most MaxMessages messages.
	// An empty batch is not an error.
	Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error)

	// Delete acknowledges a delivery.
	Delete(ctx context.Context, receiptHandle string) error

	// ChangeVisibility hides a delivery for timeout from now; it is then
	// redelivered unless deleted first.
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}

// Outbound is a message to publish.
type Outbound struct {
	// Subject is a short label (topics carry it in the envelope).
	Subject string

	// Body is the JSON payload.
	Body []byte

	// Attributes are string message attributes.
	Attributes map[string]string
}

// Publisher sends messages to one topic or queue.
type Publisher interface {
	Publish(ctx context.Context, msg Outbound) error
}

// Defaults for long-poll consumers.
const (
	// MaxBatchSize is the largest batch a single receive may return.
	MaxBatchSize = 10

	// MaxWaitTime is the longest long-poll wait the brokers accept.
	MaxWaitTime = 20 * time.Second
)

// Clamp bounds opts to broker limits.
func (o ReceiveOptions) Clamp() ReceiveOptions {
	if o.MaxMessages <= 0 || o.MaxMessages > MaxBatchSize {
		o.MaxMessages = MaxBatchSize
	}
	if o.WaitTime < 0 {
		o.WaitTime = 0
	}
	if o.WaitTime > MaxWaitTime {
		o.WaitTime = MaxWaitTime
	}
	return o
}
