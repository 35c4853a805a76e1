// Package sweep implements the server-side due-time passes: tasks whose
// reminder or deadline has elapsed are pushed to every registered device and
// flagged so the next pass skips them.
package sweep

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"tasknest/domain"
	"tasknest/push"
)

// Store is the task-side surface a pass needs: the due-time range queries and
// the idempotency-flag writes.
type Store interface {
	FetchRemindersDue(ctx context.Context, nowMs int64) ([]domain.Task, error)
	FetchDeadlinesDue(ctx context.Context, nowMs int64) ([]domain.Task, error)
	MarkReminderSent(ctx context.Context, t domain.Task) error
	MarkDeadlineNotified(ctx context.Context, t domain.Task) error
}

// TokenSource lists the registered push destinations.
type TokenSource interface {
	ListDeviceTokens(ctx context.Context) ([]domain.DeviceToken, error)
}

// Broadcaster sends one message to a token set. Satisfied by push.Fanout.
type Broadcaster interface {
	Broadcast(ctx context.Context, tokens []string, msg push.Message) error
}

// Sweeper runs the reminder and deadline passes. Passes are safe to overlap;
// the idempotency flags are the only duplicate suppression, so a crash between
// send and flag write re-notifies on the next cycle. At-least-once is the
// contract.
type Sweeper struct {
	store  Store
	tokens TokenSource
	fanout Broadcaster
	logger *log.Logger
}

// NewSweeper wires a sweeper to its store, token registry and push fan-out.
func NewSweeper(store Store, tokens TokenSource, fanout Broadcaster, logger *log.Logger) *Sweeper {
	return &Sweeper{store: store, tokens: tokens, fanout: fanout, logger: logger}
}

// Run executes both passes on a fixed cadence until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			if err := s.RunReminderPass(ctx, now); err != nil {
				s.logger.WithError(err).Error("reminder pass")
			}
			if err := s.RunDeadlinePass(ctx, now); err != nil {
				s.logger.WithError(err).Error("deadline pass")
			}
		}
	}
}

// RunReminderPass notifies tasks whose remind-at time has passed.
func (s *Sweeper) RunReminderPass(ctx context.Context, nowMs int64) error {
	return s.runPass(ctx, nowMs, pass{
		name:  "reminder",
		fetch: s.store.FetchRemindersDue,
		handled: func(t domain.Task) bool {
			return t.Done() || t.ReminderSent || t.RemindAtMs == 0
		},
		mark: s.store.MarkReminderSent,
		message: func(t domain.Task) push.Message {
			return push.Message{Title: "Reminder", Body: t.Title, Tag: "reminder-" + t.ID}
		},
	})
}

// RunDeadlinePass notifies tasks whose deadline has passed.
func (s *Sweeper) RunDeadlinePass(ctx context.Context, nowMs int64) error {
	return s.runPass(ctx, nowMs, pass{
		name:  "deadline",
		fetch: s.store.FetchDeadlinesDue,
		handled: func(t domain.Task) bool {
			return t.Done() || t.DeadlineNotified || t.DeadlineMs == 0
		},
		mark: s.store.MarkDeadlineNotified,
		message: func(t domain.Task) push.Message {
			return push.Message{Title: "Deadline passed", Body: t.Title, Tag: "deadline-" + t.ID}
		},
	})
}

type pass struct {
	name    string
	fetch   func(ctx context.Context, nowMs int64) ([]domain.Task, error)
	handled func(domain.Task) bool
	mark    func(ctx context.Context, t domain.Task) error
	message func(domain.Task) push.Message
}

// runPass is one sweep cycle: range query, in-process filter of completed and
// already-flagged tasks, one registry load, then per-task broadcast and flag
// write. The flag is only written when the broadcast call itself succeeded;
// per-token delivery failures do not block it, a transport failure leaves the
// task due for the next cycle. Per-task errors never abort the pass.
func (s *Sweeper) runPass(ctx context.Context, nowMs int64, p pass) error {
	ctx, metrics := newPassMetrics(ctx, p.name, s.logger)

	due, err := p.fetch(ctx, nowMs)
	if err != nil {
		metrics.End(err)
		return err
	}

	registered, err := s.tokens.ListDeviceTokens(ctx)
	if err != nil {
		metrics.End(err)
		return err
	}
	tokens := make([]string, len(registered))
	for i, tok := range registered {
		tokens[i] = tok.Token
	}

	for _, t := range due {
		if p.handled(t) {
			continue
		}
		metrics.AddDue()

		if err := s.fanout.Broadcast(ctx, tokens, p.message(t)); err != nil {
			metrics.AddFailed()
			s.logger.WithError(err).WithFields(log.Fields{"pass": p.name, "task": t.ID}).Error("broadcast")
			continue
		}
		if err := p.mark(ctx, t); err != nil {
			metrics.AddFailed()
			s.logger.WithError(err).WithFields(log.Fields{"pass": p.name, "task": t.ID}).Error("set notified flag")
			continue
		}
		metrics.AddNotified()
	}

	metrics.SetTokens(len(tokens))
	metrics.End(nil)
	return nil
}
