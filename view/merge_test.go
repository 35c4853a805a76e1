package view

import (
	"testing"

	"tasknest/domain"
)

func added(t domain.Task) domain.ChangeRecord {
	return domain.ChangeRecord{Type: domain.ChangeAdded, Task: t}
}

func removed(t domain.Task) domain.ChangeRecord {
	return domain.ChangeRecord{Type: domain.ChangeRemoved, Task: t}
}

func TestMergeViewOverlappingSourcesKeepTaskAlive(t *testing.T) {
	v := NewMergeView()
	task := domain.Task{ID: "t1", Title: "Buy milk", AssigneeName: "grace"}

	v.Apply("owner", added(task))
	v.Apply("assignee", added(task))

	v.Apply("owner", removed(task))
	if got := v.Snapshot(); len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("task still matched by assignee query must survive, got %v", got)
	}

	v.Apply("assignee", removed(task))
	if got := v.Snapshot(); len(got) != 0 {
		t.Fatalf("task must be evicted once no source claims it, got %v", got)
	}
}

func TestMergeViewModifiedUpdatesImage(t *testing.T) {
	v := NewMergeView()
	v.Apply("owner", added(domain.Task{ID: "t1", Title: "Old"}))
	v.Apply("owner", domain.ChangeRecord{Type: domain.ChangeModified, Task: domain.Task{ID: "t1", Title: "New"}})

	got := v.Snapshot()
	if len(got) != 1 || got[0].Title != "New" {
		t.Fatalf("expected updated image, got %v", got)
	}
}

func TestMergeViewRemovedForUnknownTaskIsNoop(t *testing.T) {
	v := NewMergeView()
	v.Apply("owner", removed(domain.Task{ID: "ghost"}))
	if got := v.Snapshot(); len(got) != 0 {
		t.Fatalf("expected empty view, got %v", got)
	}
}

func TestMergeViewDropSource(t *testing.T) {
	v := NewMergeView()
	shared := domain.Task{ID: "t1"}
	v.Apply("owner", added(shared))
	v.Apply("assignee", added(shared))
	v.Apply("assignee", added(domain.Task{ID: "t2"}))

	v.DropSource("assignee")

	got := v.Snapshot()
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("dropping a source must evict only its exclusive tasks, got %v", got)
	}
}

func TestMergeViewSnapshotSorted(t *testing.T) {
	v := NewMergeView()
	v.Apply("owner", added(domain.Task{ID: "b", Order: 1}))
	v.Apply("owner", added(domain.Task{ID: "c", Order: 0}))
	v.Apply("owner", added(domain.Task{ID: "a", Order: 1}))

	got := v.Snapshot()
	if got[0].ID != "c" || got[1].ID != "a" || got[2].ID != "b" {
		t.Fatalf("unexpected order: %v", got)
	}
}
