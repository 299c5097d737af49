package memqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/annoflow/pkg/queue"
)

// pollInterval is how often a long-polling Receive rechecks the queue.
const pollInterval = 5 * time.Millisecond

type entry struct {
	id           string
	body         []byte
	attrs        map[string]string
	seq          uint64
	receiveCount int
	visibleAt    time.Time
	receipt      string
}

// Queue is an in-memory queue.
type Queue struct {
	name string
	now  Clock

	mu          sync.Mutex
	visibility  time.Duration
	seq         uint64
	ready       []*entry
	inflight    map[string]*entry
	deadLetter  *Queue
	maxReceives int
	deleted     int
}

var (
	_ queue.Receiver  = (*Queue)(nil)
	_ queue.Publisher = (*Queue)(nil)
)

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// SetVisibilityTimeout changes the default visibility timeout for new
// deliveries.
func (q *Queue) SetVisibilityTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibility = d
}

// SetRedrive moves a message to dlq instead of delivering it for the
// (maxReceives+1)-th time.
func (q *Queue) SetRedrive(dlq *Queue, maxReceives int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = dlq
	q.maxReceives = maxReceives
}

// Publish enqueues msg.Body as-is (direct queue send).
func (q *Queue) Publish(_ context.Context, msg queue.Outbound) error {
	q.enqueue(msg.Body, msg.Attributes)
	return nil
}

func (q *Queue) enqueue(body []byte, attrs map[string]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.ready = append(q.ready, &entry{
		id:    uuid.NewString(),
		body:  append([]byte(nil), body...),
		attrs: cloneAttrs(attrs),
		seq:   q.seq,
	})
}

func (q *Queue) Receive(ctx context.Context, opts queue.ReceiveOptions) ([]queue.Message, error) {
	opts = opts.Clamp()
	deadline := time.Now().Add(opts.WaitTime)
	for {
		if msgs := q.take(opts.MaxMessages); len(msgs) > 0 {
			return msgs, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) take(max int) []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	// Expired in-flight deliveries become ready again.
	for receipt, e := range q.inflight {
		if !now.Before(e.visibleAt) {
			delete(q.inflight, receipt)
			e.receipt = ""
			q.ready = append(q.ready, e)
		}
	}
	sort.Slice(q.ready, func(i, j int) bool { return q.ready[i].seq < q.ready[j].seq })

	var out []queue.Message
	remaining := q.ready[:0]
	for _, e := range q.ready {
		if len(out) >= max {
			remaining = append(remaining, e)
			continue
		}
		if q.deadLetter != nil && q.maxReceives > 0 && e.receiveCount >= q.maxReceives {
			q.deadLetter.enqueue(e.body, e.attrs)
			continue
		}
		e.receiveCount++
		e.receipt = uuid.NewString()
		e.visibleAt = now.Add(q.visibility)
		q.inflight[e.receipt] = e
		out = append(out, queue.Message{
			ID:            e.id,
			ReceiptHandle: e.receipt,
			Body:          append([]byte(nil), e.body...),
			ReceiveCount:  e.receiveCount,
			Attributes:    cloneAttrs(e.attrs),
		})
	}
	q.ready = remaining
	return out
}

func (q *Queue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receiptHandle]; !ok {
		return &queue.QueueError{Op: "Delete", Target: q.name, Err: queue.ErrInvalidReceipt}
	}
	delete(q.inflight, receiptHandle)
	q.deleted++
	return nil
}

func (q *Queue) ChangeVisibility(_ context.Context, receiptHandle string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.inflight[receiptHandle]
	if !ok {
		return &queue.QueueError{Op: "ChangeVisibility", Target: q.name, Err: queue.ErrInvalidReceipt}
	}
	e.visibleAt = q.now().Add(timeout)
	return nil
}

// Len returns the number of undeleted messages (ready and in flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

// Deleted returns the number of acknowledged deliveries.
func (q *Queue) Deleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deleted
}

// Bodies returns the bodies of all undeleted messages in enqueue order.
func (q *Queue) Bodies() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	all := append([]*entry(nil), q.ready...)
	for _, e := range q.inflight {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([][]byte, 0, len(all))
	for _, e := range all {
		out = append(out, append([]byte(nil), e.body...))
	}
	return out
}

func cloneAttrs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
