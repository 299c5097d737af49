package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/annoflow/pkg/queue"
	"github.com/3leaps/annoflow/pkg/transfer"
)

// Handler processes one message. The returned error is mapped to a
// Disposition by Classify.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error {
	return f(ctx, msg)
}

// PollerConfig controls the receive loop.
type PollerConfig struct {
	// BatchSize caps messages per receive (max 10).
	BatchSize int

	// WaitTime is the long-poll wait (max 20s).
	WaitTime time.Duration

	// EscalationDelay is the visibility applied to escalated messages.
	EscalationDelay time.Duration

	// RetryDelay, when > 0, is the visibility applied to messages that
	// failed with a transient error. Zero keeps the queue's timeout.
	RetryDelay time.Duration

	// ReceiveRate limits receive calls per second (0 = unlimited).
	ReceiveRate float64

	// MaxReceiveFailures is the number of consecutive receive failures
	// after which Run returns.
	MaxReceiveFailures int

	// ReceiveBackoff is the pause after a failed receive.
	ReceiveBackoff time.Duration
}

// DefaultPollerConfig returns the default receive loop settings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		BatchSize:          queue.MaxBatchSize,
		WaitTime:           queue.MaxWaitTime,
		EscalationDelay:    15 * time.Minute,
		MaxReceiveFailures: 5,
		ReceiveBackoff:     time.Second,
	}
}

// PollerStats is a snapshot of poller counters.
type PollerStats struct {
	Name            string    `json:"name"`
	Received        int64     `json:"received"`
	Acked           int64     `json:"acked"`
	Requeued        int64     `json:"requeued"`
	Retried         int64     `json:"retried"`
	Escalated       int64     `json:"escalated"`
	ReceiveFailures int64     `json:"receive_failures"`
	LastReceive     time.Time `json:"last_receive,omitzero"`
}

// Poller runs one long-poll receive loop and hands each message to a Handler.
//
// Messages in a batch are processed sequentially and independently: a
// failing or panicking message never prevents its siblings from being
// handled and acknowledged.
type Poller struct {
	name     string
	receiver queue.Receiver
	handler  Handler
	logger   *zap.Logger
	cfg      PollerConfig

	// Rate limiter (nil if unlimited)
	limiter *rate.Limiter

	received        atomic.Int64
	acked           atomic.Int64
	requeued        atomic.Int64
	retried         atomic.Int64
	escalated       atomic.Int64
	receiveFailures atomic.Int64
	consecutive     atomic.Int64

	mu          sync.Mutex
	lastReceive time.Time
}

// NewPoller creates a poller. Zero config fields take their defaults.
func NewPoller(name string, r queue.Receiver, h Handler, logger *zap.Logger, cfg PollerConfig) *Poller {
	def := DefaultPollerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = def.WaitTime
	}
	if cfg.EscalationDelay <= 0 {
		cfg.EscalationDelay = def.EscalationDelay
	}
	if cfg.MaxReceiveFailures <= 0 {
		cfg.MaxReceiveFailures = def.MaxReceiveFailures
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = def.ReceiveBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Poller{
		name:     name,
		receiver: r,
		handler:  h,
		logger:   logger.With(zap.String("worker", name)),
		cfg:      cfg,
	}
	if cfg.ReceiveRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ReceiveRate), 1)
	}
	return p
}

// Name returns the worker name.
func (p *Poller) Name() string {
	return p.name
}

// Run polls until ctx is cancelled (returning nil) or MaxReceiveFailures
// consecutive receives fail.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Worker started",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("wait_time", p.cfg.WaitTime))
	defer p.logger.Info("Worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := p.RunOnce(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		n := p.consecutive.Load()
		if n >= int64(p.cfg.MaxReceiveFailures) {
			return fmt.Errorf("%s: %d consecutive receive failures: %w", p.name, n, err)
		}
		p.logger.Warn("Receive failed", zap.Int64("consecutive", n), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.ReceiveBackoff):
		}
	}
}

// RunOnce performs one receive and processes the batch. It returns the number
// of messages received.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	msgs, err := p.receiver.Receive(ctx, queue.ReceiveOptions{
		MaxMessages: p.cfg.BatchSize,
		WaitTime:    p.cfg.WaitTime,
	})
	if err != nil {
		if ctx.Err() == nil {
			p.receiveFailures.Add(1)
			p.consecutive.Add(1)
		}
		return 0, err
	}
	p.consecutive.Store(0)
	p.mu.Lock()
	p.lastReceive = time.Now()
	p.mu.Unlock()

	for _, msg := range msgs {
		p.received.Add(1)
		p.process(ctx, msg)
	}
	return len(msgs), nil
}

func (p *Poller) process(ctx context.Context, msg queue.Message) {
	log := p.logger.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))

	err := p.safeHandle(ctx, msg)
	disp, delay := Classify(err)

	// Settle the message even if shutdown began while it was being handled.
	settleCtx := context.WithoutCancel(ctx)

	switch disp {
	case Ack:
		if derr := p.receiver.Delete(settleCtx, msg.ReceiptHandle); derr != nil {
			log.Warn("Failed to acknowledge message", zap.Error(derr))
			return
		}
		p.acked.Add(1)
	case Requeue:
		p.requeued.Add(1)
		log.Debug("Message requeued", zap.Duration("delay", delay), zap.Error(err))
		p.setVisibility(settleCtx, log, msg, delay)
	case Retry:
		p.retried.Add(1)
		log.Warn("Message failed; leaving for redelivery",
			zap.String("error_code", transfer.ErrorCode(err)),
			zap.Error(err))
		if p.cfg.RetryDelay > 0 {
			p.setVisibility(settleCtx, log, msg, p.cfg.RetryDelay)
		}
	case Escalate:
		p.escalated.Add(1)
		log.Error("Message escalated",
			zap.Duration("visibility", p.cfg.EscalationDelay),
			zap.Error(err))
		p.setVisibility(settleCtx, log, msg, p.cfg.EscalationDelay)
	}
}

func (p *Poller) setVisibility(ctx context.Context, log *zap.Logger, msg queue.Message, d time.Duration) {
	if err := p.receiver.ChangeVisibility(ctx, msg.ReceiptHandle, d); err != nil {
		log.Warn("Failed to change message visibility", zap.Duration("visibility", d), zap.Error(err))
	}
}

func (p *Poller) safeHandle(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Handler panic", zap.String("message_id", msg.ID), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: panic: %v", ErrInvariant, r)
		}
	}()
	return p.handler.Handle(ctx, msg)
}

// Stats returns a snapshot of the poller counters.
func (p *Poller) Stats() PollerStats {
	p.mu.Lock()
	last := p.lastReceive
	p.mu.Unlock()
	return PollerStats{
		Name:            p.name,
		Received:        p.received.Load(),
		Acked:           p.acked.Load(),
		Requeued:        p.requeued.Load(),
		Retried:         p.retried.Load(),
		Escalated:       p.escalated.Load(),
		ReceiveFailures: p.receiveFailures.Load(),
		LastReceive:     last,
	}
}

// CheckHealth reports unhealthy until the first successful receive and while
// receives are failing.
func (p *Poller) CheckHealth(context.Context) error {
	if n := p.consecutive.Load(); n > 0 {
		return fmt.Errorf("%s: %d consecutive receive failures", p.name, n)
	}
	p.mu.Lock()
	last := p.lastReceive
	p.mu.Unlock()
	if last.IsZero() {
		return errors.New(p.name + ": no successful receive yet")
	}
	return nil
}
