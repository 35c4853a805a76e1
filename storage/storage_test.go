package storage

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"tasknest/domain"
	"tasknest/view"
)

var _ view.ReminderClearer = (*Storage)(nil)

func TestEncodeDecodeTaskEntity(t *testing.T) {
	task := domain.Task{
		ID:           "t1",
		Title:        "Buy milk",
		Status:       domain.StatusInProgress,
		Order:        3,
		DeadlineMs:   1700000000000,
		RemindAtMs:   1699990000000,
		CreatedBy:    "ada",
		AssigneeName: "grace",
		BatchID:      "b1",
		SyncID:       "ws-1",
	}

	payload, err := json.Marshal(encodeTask(task))
	if err != nil {
		t.Fatalf("marshal entity: %v", err)
	}
	if !strings.Contains(string(payload), `"DeadlineMs@odata.type":"Edm.Int64"`) {
		t.Fatalf("expected int64 type marker, got %s", payload)
	}

	decoded, err := decodeTaskEntity(payload)
	if err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	if decoded != task {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, task)
	}
}

func TestDecodeTaskEntityDefaultsMissingFields(t *testing.T) {
	data := []byte(`{"PartitionKey":"ws-1","RowKey":"t2","Title":"Sparse"}`)
	task, err := decodeTaskEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Order != 0 {
		t.Fatalf("missing order must default to 0, got %d", task.Order)
	}
	if task.Status != domain.StatusTodo {
		t.Fatalf("missing status must default to todo, got %s", task.Status)
	}
	if task.DeadlineMs != 0 || task.RemindAtMs != 0 {
		t.Fatalf("missing timestamps must stay unset: %+v", task)
	}
}

func TestDecodeTaskEntityToleratesMalformedTimestamp(t *testing.T) {
	data := []byte(`{"RowKey":"t3","Status":"todo","DeadlineMs":"not-a-number"}`)
	task, err := decodeTaskEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.DeadlineMs != 0 {
		t.Fatalf("malformed timestamp must decode as unset, got %d", task.DeadlineMs)
	}
}

func TestUpdateEntityCarriesTypeMarkers(t *testing.T) {
	remind := int64(1700000000000)
	sent := false
	ent := updateEntity("ws-1", "t1", domain.TaskUpdate{RemindAtMs: &remind, ReminderSent: &sent})

	payload, err := json.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	body := string(payload)
	if !strings.Contains(body, `"RemindAtMs":"1700000000000"`) {
		t.Fatalf("expected string-encoded int64, got %s", body)
	}
	if !strings.Contains(body, `"RemindAtMs@odata.type":"Edm.Int64"`) {
		t.Fatalf("expected type marker, got %s", body)
	}
	if !strings.Contains(body, `"ReminderSent":false`) {
		t.Fatalf("expected flag reset to survive omitempty, got %s", body)
	}
	if strings.Contains(body, "Title") {
		t.Fatalf("untouched fields must be absent from merge payload: %s", body)
	}
}

func TestUpdateEntityClearsReminder(t *testing.T) {
	zero := int64(0)
	ent := updateEntity("ws-1", "t1", domain.TaskUpdate{RemindAtMs: &zero})
	payload, err := json.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	if !strings.Contains(string(payload), `"RemindAtMs":"0"`) {
		t.Fatalf("expected cleared reminder to serialize, got %s", payload)
	}
}

func TestReorderPlanUnknownID(t *testing.T) {
	tasks := []domain.Task{{ID: "a", Order: 0}, {ID: "b", Order: 1}}
	if _, _, err := reorderPlan(tasks, "ghost", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("moving an unknown task must fail, got %v", err)
	}
}

func TestReorderPlanTouchesOnlyChangedRows(t *testing.T) {
	tasks := []domain.Task{{ID: "a", Order: 0}, {ID: "b", Order: 1}, {ID: "c", Order: 2}}

	reordered, changed, err := reorderPlan(tasks, "c", 0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(reordered) != 3 || reordered[0].ID != "c" || reordered[0].Order != 0 {
		t.Fatalf("unexpected permutation: %v", reordered)
	}
	if len(changed) != 3 {
		t.Fatalf("every shifted row must be rewritten, got %v", changed)
	}

	_, changed, err = reorderPlan(tasks, "a", 0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("a no-op move must rewrite nothing, got %v", changed)
	}
}

func TestEscapeFilter(t *testing.T) {
	if got := escapeFilter("o'brien"); got != "o''brien" {
		t.Fatalf("unexpected escaping: %s", got)
	}
}
