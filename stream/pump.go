package stream

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasknest/domain"
)

// EventQueue is the dequeue side of the change-events queue.
type EventQueue interface {
	DequeueEvent(ctx context.Context) (*azqueue.DequeuedMessage, error)
	DeleteEvent(ctx context.Context, id, receipt string) error
}

// Pump moves change events from the store queue onto the per-scope pub/sub
// channels the live queries subscribe to.
type Pump struct {
	queue  EventQueue
	redis  *redis.Client
	logger *log.Logger
	idle   time.Duration
}

// NewPump creates a pump polling the queue with the given idle backoff.
func NewPump(queue EventQueue, rc *redis.Client, logger *log.Logger, idle time.Duration) *Pump {
	if idle <= 0 {
		idle = time.Second
	}
	return &Pump{queue: queue, redis: rc, logger: logger, idle: idle}
}

// Run polls the queue until the context is cancelled. Per-message failures
// are logged and skipped; they never stop the loop.
func (p *Pump) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := p.queue.DequeueEvent(ctx)
		if err != nil {
			p.logger.WithError(err).Error("dequeue change event")
			p.sleep(ctx)
			continue
		}
		if msg == nil {
			p.sleep(ctx)
			continue
		}
		p.Handle(ctx, msg)
	}
}

// Handle publishes one dequeued event to every scope it names, then deletes
// the message. Undecodable messages are dropped so they cannot poison the
// queue.
func (p *Pump) Handle(ctx context.Context, msg *azqueue.DequeuedMessage) {
	if msg.MessageText == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return
	}
	ev, err := domain.DecodeEvent([]byte(*msg.MessageText))
	if err != nil {
		p.logger.WithError(err).Error("drop malformed change event")
		p.deleteMessage(ctx, msg)
		return
	}
	payload, err := ev.Change.Encode()
	if err != nil {
		p.logger.WithError(err).Error("encode change record")
		p.deleteMessage(ctx, msg)
		return
	}
	for _, scope := range ev.Scopes {
		if err := p.redis.Publish(ctx, scope, payload).Err(); err != nil {
			p.logger.WithError(err).WithField("scope", scope).Error("publish change")
		}
	}
	p.deleteMessage(ctx, msg)
}

func (p *Pump) deleteMessage(ctx context.Context, msg *azqueue.DequeuedMessage) {
	if err := p.queue.DeleteEvent(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
		p.logger.WithError(err).Error("delete change event")
	}
}

func (p *Pump) sleep(ctx context.Context) {
	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
