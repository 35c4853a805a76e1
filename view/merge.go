package view

import (
	"sync"

	"tasknest/domain"
)

// MergeView folds the change streams of several live queries into one task
// set. Each task carries a membership set of the sources that currently match
// it; a removal from one source only evicts the task once no source claims it
// anymore, so overlapping predicates (owned and assigned, say) cannot make a
// task vanish from the view while another query still matches it.
type MergeView struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	members map[string]map[string]struct{}
}

// NewMergeView creates an empty view.
func NewMergeView() *MergeView {
	return &MergeView{
		tasks:   make(map[string]domain.Task),
		members: make(map[string]map[string]struct{}),
	}
}

// Apply folds one sourced change record into the view. Added and modified
// records upsert the task image and claim membership for the source; removed
// records drop that source's claim only.
func (v *MergeView) Apply(sourceID string, rec domain.ChangeRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := rec.Task.ID
	switch rec.Type {
	case domain.ChangeAdded, domain.ChangeModified:
		v.tasks[id] = rec.Task
		if v.members[id] == nil {
			v.members[id] = make(map[string]struct{})
		}
		v.members[id][sourceID] = struct{}{}
	case domain.ChangeRemoved:
		claims, ok := v.members[id]
		if !ok {
			return
		}
		delete(claims, sourceID)
		if len(claims) == 0 {
			delete(v.members, id)
			delete(v.tasks, id)
		}
	}
}

// DropSource releases every membership claim held by a source, evicting the
// tasks only it matched. Called after a rebind tears the source down.
func (v *MergeView) DropSource(sourceID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, claims := range v.members {
		if _, ok := claims[sourceID]; !ok {
			continue
		}
		delete(claims, sourceID)
		if len(claims) == 0 {
			delete(v.members, id)
			delete(v.tasks, id)
		}
	}
}

// Snapshot returns the merged task set ordered by sort key, id as tiebreaker.
func (v *MergeView) Snapshot() []domain.Task {
	v.mu.Lock()
	out := make([]domain.Task, 0, len(v.tasks))
	for _, t := range v.tasks {
		out = append(out, t)
	}
	v.mu.Unlock()

	domain.SortTasks(out)
	return out
}
