package view

import (
	"testing"

	"tasknest/domain"
)

type stubNotifier struct {
	shown  []string
	opts   []NotifyOptions
	sounds int
}

func (n *stubNotifier) ShowNotification(title, body string, opts NotifyOptions) {
	n.shown = append(n.shown, body)
	n.opts = append(n.opts, opts)
}

func (n *stubNotifier) PlaySound() { n.sounds++ }

func TestTransitionDetectorAlertsOnCompletion(t *testing.T) {
	notifier := &stubNotifier{}
	d := NewTransitionDetector(notifier, "grace")

	task := domain.Task{ID: "t1", Title: "Buy milk", Status: domain.StatusTodo}
	d.Observe([]domain.Task{task})

	task.MarkDone("hopper", 1000)
	d.Observe([]domain.Task{task})

	if len(notifier.shown) != 1 || notifier.shown[0] != "hopper completed 'Buy milk'" {
		t.Fatalf("unexpected alerts: %v", notifier.shown)
	}
	if notifier.opts[0].Tag != "completed-t1" {
		t.Fatalf("unexpected tag: %v", notifier.opts[0])
	}
}

func TestTransitionDetectorCompletionPlaysSound(t *testing.T) {
	notifier := &stubNotifier{}
	d := NewTransitionDetector(notifier, "grace")

	task := domain.Task{ID: "t1", Title: "Buy milk", Status: domain.StatusTodo}
	d.Observe([]domain.Task{task})

	task.MarkDone("hopper", 1000)
	d.Observe([]domain.Task{task})
	d.Observe([]domain.Task{task})

	if notifier.sounds != 1 {
		t.Fatalf("completion alert is a sound cue plus a notification, got %d sounds", notifier.sounds)
	}
}

func TestTransitionDetectorBaselineSnapshotDoesNotAlert(t *testing.T) {
	notifier := &stubNotifier{}
	d := NewTransitionDetector(notifier, "grace")

	done := domain.Task{ID: "t1", Title: "Old", Status: domain.StatusDone, LastCompletedBy: "hopper", CompletedAtMs: 1}
	d.Observe([]domain.Task{done})

	if len(notifier.shown) != 0 {
		t.Fatalf("tasks already done on first sight are not transitions: %v", notifier.shown)
	}
}

func TestTransitionDetectorSuppressesOwnCompletions(t *testing.T) {
	notifier := &stubNotifier{}
	d := NewTransitionDetector(notifier, "grace")

	task := domain.Task{ID: "t1", Title: "Buy milk", Status: domain.StatusTodo}
	d.Observe([]domain.Task{task})

	task.MarkDone("grace", 1000)
	d.Observe([]domain.Task{task})

	if len(notifier.shown) != 0 {
		t.Fatalf("own completion must not alert: %v", notifier.shown)
	}
	if notifier.sounds != 0 {
		t.Fatalf("own completion must not play a sound, got %d", notifier.sounds)
	}
}

func TestTransitionDetectorAlertsPerCompletionInstance(t *testing.T) {
	notifier := &stubNotifier{}
	d := NewTransitionDetector(notifier, "grace")

	task := domain.Task{ID: "t1", Title: "Buy milk", Status: domain.StatusTodo}
	d.Observe([]domain.Task{task})

	task.MarkDone("hopper", 1000)
	d.Observe([]domain.Task{task})

	task.Reopen(domain.StatusTodo)
	d.Observe([]domain.Task{task})

	task.MarkDone("hopper", 2000)
	d.Observe([]domain.Task{task})

	if len(notifier.shown) != 2 {
		t.Fatalf("each completion instance alerts once, got %v", notifier.shown)
	}
}

func TestTransitionDetectorRepeatedDoneSnapshotsAlertOnce(t *testing.T) {
	notifier := &stubNotifier{}
	d := NewTransitionDetector(notifier, "grace")

	task := domain.Task{ID: "t1", Title: "Buy milk", Status: domain.StatusTodo}
	d.Observe([]domain.Task{task})

	task.MarkDone("hopper", 1000)
	d.Observe([]domain.Task{task})
	d.Observe([]domain.Task{task})
	d.Observe([]domain.Task{task})

	if len(notifier.shown) != 1 {
		t.Fatalf("a settled done task must not re-alert, got %v", notifier.shown)
	}
}

func TestTransitionDetectorSetNickname(t *testing.T) {
	notifier := &stubNotifier{}
	d := NewTransitionDetector(notifier, "")
	d.SetNickname("hopper")

	task := domain.Task{ID: "t1", Title: "Buy milk", Status: domain.StatusTodo}
	d.Observe([]domain.Task{task})

	task.MarkDone("hopper", 1000)
	d.Observe([]domain.Task{task})

	if len(notifier.shown) != 0 {
		t.Fatalf("suppression must follow the updated nickname: %v", notifier.shown)
	}
}
