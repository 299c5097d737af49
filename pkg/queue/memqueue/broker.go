// Package memqueue is an in-process message broker with queue and topic
// semantics close enough to SQS/SNS for lifecycle tests and single-process
// local runs: visibility timeouts, receipt handles per delivery, receive
// counts, redrive to a dead-letter queue, and topic fan-out wrapped in
// notification envelopes.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/annoflow/pkg/queue"
)

// DefaultVisibilityTimeout hides a received message until it is deleted or
// this long has passed.
const DefaultVisibilityTimeout = 30 * time.Second

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

// Broker owns queues and topics.
type Broker struct {
	mu     sync.Mutex
	now    Clock
	queues map[string]*Queue
	topics map[string]*Topic
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the broker clock.
func WithClock(c Clock) Option {
	return func(b *Broker) { b.now = c }
}

// NewBroker returns an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		now:    time.Now,
		queues: make(map[string]*Queue),
		topics: make(map[string]*Topic),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Queue returns the named queue, creating it on first use.
func (b *Broker) Queue(name string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &Queue{
		name:       name,
		now:        func() time.Time { return b.now() },
		visibility: DefaultVisibilityTimeout,
		inflight:   make(map[string]*entry),
	}
	b.queues[name] = q
	return q
}

// Topic returns the named topic, creating it on first use.
func (b *Broker) Topic(name string) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &Topic{name: name, now: func() time.Time { return b.now() }}
	b.topics[name] = t
	return t
}

// Subscribe delivers every message published to topic into queue.
func (b *Broker) Subscribe(topic, queueName string) {
	t := b.Topic(topic)
	q := b.Queue(queueName)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, q)
}

// Topic fans out published messages to subscribed queues.
type Topic struct {
	name string
	now  Clock

	mu          sync.Mutex
	subscribers []*Queue
	published   int
}

var _ queue.Publisher = (*Topic)(nil)

// Publish wraps msg in a notification envelope and enqueues it on every
// subscriber.
func (t *Topic) Publish(_ context.Context, msg queue.Outbound) error {
	body, err := queue.Wrap(t.name, uuid.NewString(), msg.Subject, msg.Body, t.now())
	if err != nil {
		return &queue.QueueError{Op: "Publish", Target: t.name, Err: err}
	}
	t.mu.Lock()
	subs := append([]*Queue(nil), t.subscribers...)
	t.published++
	t.mu.Unlock()

	for _, q := range subs {
		q.enqueue(body, msg.Attributes)
	}
	return nil
}

// Published returns the number of messages published to the topic.
func (t *Topic) Published() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published
}
