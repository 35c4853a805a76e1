package view

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"tasknest/domain"
)

// Settings is the per-tick alerting configuration. Read fresh every tick so a
// settings change takes effect without restarting the scheduler.
type Settings struct {
	PushEnabled    bool
	SoundEnabled   bool
	VibrateEnabled bool
}

// TaskSource supplies the tasks visible to this client. Satisfied by
// MergeView.
type TaskSource interface {
	Snapshot() []domain.Task
}

// ReminderClearer clears a fired reminder on the remote store.
type ReminderClearer interface {
	ClearReminder(ctx context.Context, task domain.Task) error
}

// ReminderScheduler fires local reminder alerts for visible tasks whose
// remind-at time has passed. A session-scoped fired set keeps each reminder
// from repeating within this process; the remote clear after firing is what
// stops other devices, and it is fire-and-forget, so a task may remind more
// than once across devices. That is the intended at-least-once behavior.
type ReminderScheduler struct {
	source   TaskSource
	clearer  ReminderClearer
	notifier Notifier
	settings func() Settings
	logger   *log.Logger
	interval time.Duration
	fired    map[string]struct{}
}

// NewReminderScheduler creates a scheduler polling on the given interval,
// defaulting to 30s.
func NewReminderScheduler(source TaskSource, clearer ReminderClearer, notifier Notifier, settings func() Settings, logger *log.Logger, interval time.Duration) *ReminderScheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ReminderScheduler{
		source:   source,
		clearer:  clearer,
		notifier: notifier,
		settings: settings,
		logger:   logger,
		interval: interval,
		fired:    make(map[string]struct{}),
	}
}

// Run ticks until the context is cancelled.
func (s *ReminderScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UnixMilli())
		}
	}
}

// Tick fires every due reminder that has not fired in this session. Firing
// records the task first, then alerts, then clears the remind-at time on the
// remote store; a failed clear is logged and not retried.
func (s *ReminderScheduler) Tick(ctx context.Context, nowMs int64) {
	st := s.settings()
	if !st.PushEnabled {
		return
	}
	for _, t := range s.source.Snapshot() {
		if t.Done() || t.RemindAtMs == 0 || t.RemindAtMs > nowMs {
			continue
		}
		if _, ok := s.fired[t.ID]; ok {
			continue
		}
		s.fired[t.ID] = struct{}{}

		if st.SoundEnabled {
			s.notifier.PlaySound()
		}
		s.notifier.ShowNotification(
			"Reminder",
			t.Title,
			NotifyOptions{Tag: "reminder-" + t.ID, Vibrate: st.VibrateEnabled},
		)

		if err := s.clearer.ClearReminder(ctx, t); err != nil {
			s.logger.WithError(err).WithField("task", t.ID).Error("clear fired reminder")
		}
	}
}
