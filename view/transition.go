package view

import (
	"fmt"

	"tasknest/domain"
)

// NotifyOptions tunes a single user-facing alert.
type NotifyOptions struct {
	Tag     string
	Vibrate bool
}

// Notifier is the device-side alert surface.
type Notifier interface {
	ShowNotification(title, body string, opts NotifyOptions)
	PlaySound()
}

// TransitionDetector watches successive snapshots of the merged view and
// raises one alert per completion transition: a task that was not done in the
// previous snapshot and is done now. An alert is a sound cue plus a platform
// notification. Completions attributed to the local nickname are suppressed;
// the device that performed the action should not alert itself.
type TransitionDetector struct {
	notifier Notifier
	nickname string
	prev     map[string]domain.Task
}

// NewTransitionDetector creates a detector for the given local nickname.
func NewTransitionDetector(notifier Notifier, nickname string) *TransitionDetector {
	return &TransitionDetector{
		notifier: notifier,
		nickname: nickname,
		prev:     make(map[string]domain.Task),
	}
}

// SetNickname updates the local identity used for self-suppression.
func (d *TransitionDetector) SetNickname(nickname string) {
	d.nickname = nickname
}

// Observe diffs the snapshot against the previous one and alerts once per
// completion transition. Tasks first seen in this snapshot are baseline, not
// transitions; a task completed, reopened and completed again alerts for each
// completion instance.
func (d *TransitionDetector) Observe(snapshot []domain.Task) {
	next := make(map[string]domain.Task, len(snapshot))
	for _, t := range snapshot {
		next[t.ID] = t
		prev, known := d.prev[t.ID]
		if !known || prev.Done() || !t.Done() {
			continue
		}
		if t.LastCompletedBy == d.nickname {
			continue
		}
		who := t.LastCompletedBy
		if who == "" {
			who = "Someone"
		}
		d.notifier.PlaySound()
		d.notifier.ShowNotification(
			"Task completed",
			fmt.Sprintf("%s completed '%s'", who, t.Title),
			NotifyOptions{Tag: "completed-" + t.ID, Vibrate: true},
		)
	}
	d.prev = next
}
