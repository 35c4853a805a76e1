package domain

import "sort"

// Status enumerates the workflow states a task moves through.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusWaiting    Status = "waiting"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the known workflow states.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusWaiting, StatusDone:
		return true
	}
	return false
}

// Task is the unit of work shared between devices. Timestamps are unix
// milliseconds; zero means unset.
type Task struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Status           Status `json:"status"`
	Order            int    `json:"order"`
	DeadlineMs       int64  `json:"deadlineMs,omitempty"`
	RemindAtMs       int64  `json:"remindAtMs,omitempty"`
	CreatedBy        string `json:"createdBy,omitempty"`
	AssigneeName     string `json:"assigneeName,omitempty"`
	BatchID          string `json:"batchId,omitempty"`
	SyncID           string `json:"syncId,omitempty"`
	UserID           string `json:"userId,omitempty"`
	DeadlineNotified bool   `json:"deadlineNotified,omitempty"`
	ReminderSent     bool   `json:"reminderSent,omitempty"`
	LastCompletedBy  string `json:"lastCompletedBy,omitempty"`
	CompletedAtMs    int64  `json:"completedAtMs,omitempty"`
}

// OwnerKey returns the authoritative ownership scope: the authenticated user
// id when present, otherwise the anonymous workspace id.
func (t Task) OwnerKey() string {
	if t.UserID != "" {
		return t.UserID
	}
	return t.SyncID
}

// Done reports whether the task is completed.
func (t Task) Done() bool { return t.Status == StatusDone }

// MarkDone transitions the task to done, recording who completed it and when.
func (t *Task) MarkDone(by string, nowMs int64) {
	t.Status = StatusDone
	t.LastCompletedBy = by
	t.CompletedAtMs = nowMs
}

// Reopen reverts a completed task to the given state. LastCompletedBy and
// CompletedAtMs are cleared so the done invariant holds.
func (t *Task) Reopen(status Status) {
	if status == "" || status == StatusDone {
		status = StatusTodo
	}
	t.Status = status
	t.LastCompletedBy = ""
	t.CompletedAtMs = 0
}

// TaskUpdate carries a partial field set for a merge-mode update. Nil fields
// are left untouched; pointers to zero values clear optional fields.
type TaskUpdate struct {
	Title            *string `json:"title,omitempty"`
	Status           *Status `json:"status,omitempty"`
	Order            *int    `json:"order,omitempty"`
	DeadlineMs       *int64  `json:"deadlineMs,omitempty"`
	RemindAtMs       *int64  `json:"remindAtMs,omitempty"`
	AssigneeName     *string `json:"assigneeName,omitempty"`
	BatchID          *string `json:"batchId,omitempty"`
	DeadlineNotified *bool   `json:"deadlineNotified,omitempty"`
	ReminderSent     *bool   `json:"reminderSent,omitempty"`
	LastCompletedBy  *string `json:"lastCompletedBy,omitempty"`
	CompletedAtMs    *int64  `json:"completedAtMs,omitempty"`
}

// Normalize enforces the completion and notification-flag invariants on a
// partial update before it is persisted:
//   - status -> done sets CompletedAtMs and LastCompletedBy,
//   - status -> anything else clears them,
//   - editing DeadlineMs or RemindAtMs resets the matching idempotency flag.
func (u *TaskUpdate) Normalize(by string, nowMs int64) {
	if u.Status != nil {
		if *u.Status == StatusDone {
			if u.CompletedAtMs == nil {
				u.CompletedAtMs = ptr(nowMs)
			}
			if u.LastCompletedBy == nil {
				u.LastCompletedBy = ptr(by)
			}
		} else {
			u.CompletedAtMs = ptr(int64(0))
			u.LastCompletedBy = ptr("")
		}
	}
	if u.DeadlineMs != nil {
		u.DeadlineNotified = ptr(false)
	}
	if u.RemindAtMs != nil {
		u.ReminderSent = ptr(false)
	}
}

// ApplyTo merges the update into a task in memory. Mirrors the merge-mode
// semantics of the table store so fakes and the live view agree.
func (u TaskUpdate) ApplyTo(t *Task) {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Order != nil {
		t.Order = *u.Order
	}
	if u.DeadlineMs != nil {
		t.DeadlineMs = *u.DeadlineMs
	}
	if u.RemindAtMs != nil {
		t.RemindAtMs = *u.RemindAtMs
	}
	if u.AssigneeName != nil {
		t.AssigneeName = *u.AssigneeName
	}
	if u.BatchID != nil {
		t.BatchID = *u.BatchID
	}
	if u.DeadlineNotified != nil {
		t.DeadlineNotified = *u.DeadlineNotified
	}
	if u.ReminderSent != nil {
		t.ReminderSent = *u.ReminderSent
	}
	if u.LastCompletedBy != nil {
		t.LastCompletedBy = *u.LastCompletedBy
	}
	if u.CompletedAtMs != nil {
		t.CompletedAtMs = *u.CompletedAtMs
	}
}

// SortTasks orders tasks by their manual sort key, id as tiebreaker.
func SortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Reorder moves the task with the given id to position pos and rewrites every
// order value as a dense 0..n-1 permutation. The input slice is not modified.
// Replaying the same move yields the same permutation.
func Reorder(tasks []Task, id string, pos int) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	SortTasks(out)

	idx := -1
	for i, t := range out {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx >= 0 {
		moved := out[idx]
		out = append(out[:idx], out[idx+1:]...)
		if pos < 0 {
			pos = 0
		}
		if pos > len(out) {
			pos = len(out)
		}
		out = append(out[:pos], append([]Task{moved}, out[pos:]...)...)
	}
	for i := range out {
		out[i].Order = i
	}
	return out
}

func ptr[T any](v T) *T { return &v }
