package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tasknest/domain"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Transactions are capped by the table service; larger change sets are split.
const transactionChunk = 100

// Storage provides access to the task table, the device-token registry and
// the change-events queue.
type Storage struct {
	taskTable   *aztables.Client
	tokenTable  *aztables.Client
	eventsQueue *azqueue.QueueClient
	logger      *log.Logger
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, tokensTable, eventsQueue string, logger *log.Logger) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:   svc.NewClient(tasksTable),
		tokenTable:  svc.NewClient(tokensTable),
		eventsQueue: eq,
		logger:      logger,
	}, nil
}

// FetchOwned retrieves all tasks in the given ownership scope.
func (s *Storage) FetchOwned(ctx context.Context, ownerKey string) ([]domain.Task, error) {
	return s.fetchFiltered(ctx, fmt.Sprintf("PartitionKey eq '%s'", escapeFilter(ownerKey)))
}

// FetchByAssignee retrieves tasks assigned to the given nickname.
func (s *Storage) FetchByAssignee(ctx context.Context, nickname string) ([]domain.Task, error) {
	return s.fetchFiltered(ctx, fmt.Sprintf("AssigneeName eq '%s'", escapeFilter(nickname)))
}

// FetchByBatch retrieves tasks grouped under a delegation batch link.
func (s *Storage) FetchByBatch(ctx context.Context, batchID string) ([]domain.Task, error) {
	return s.fetchFiltered(ctx, fmt.Sprintf("BatchId eq '%s'", escapeFilter(batchID)))
}

// FindTask locates a task by id without knowing its ownership scope. Used by
// shared-link and assignee contexts.
func (s *Storage) FindTask(ctx context.Context, id string) (domain.Task, error) {
	tasks, err := s.fetchFiltered(ctx, fmt.Sprintf("RowKey eq '%s'", escapeFilter(id)))
	if err != nil {
		return domain.Task{}, err
	}
	if len(tasks) == 0 {
		return domain.Task{}, ErrNotFound
	}
	return tasks[0], nil
}

// GetTask point-reads a task row.
func (s *Storage) GetTask(ctx context.Context, ownerKey, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, ownerKey, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, err
	}
	return decodeTaskEntity(resp.Value)
}

// FetchRemindersDue returns tasks whose remindAt is at or before nowMs. The
// filter ranges over the single timestamp property; status and idempotency
// flags are filtered in process by the caller.
func (s *Storage) FetchRemindersDue(ctx context.Context, nowMs int64) ([]domain.Task, error) {
	return s.fetchFiltered(ctx, fmt.Sprintf("RemindAtMs gt 0L and RemindAtMs le %dL", nowMs))
}

// FetchDeadlinesDue returns tasks whose deadline is at or before nowMs.
func (s *Storage) FetchDeadlinesDue(ctx context.Context, nowMs int64) ([]domain.Task, error) {
	return s.fetchFiltered(ctx, fmt.Sprintf("DeadlineMs gt 0L and DeadlineMs le %dL", nowMs))
}

func (s *Storage) fetchFiltered(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// InsertTask persists a new task and publishes the added change.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(encodeTask(t))
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return err
	}
	s.publish(ctx, changeEvent(domain.ChangeAdded, t, domain.ScopesFor(t)))
	return nil
}

// UpdateTask applies a merge-mode partial update and publishes the resulting
// changes: a modified record on every matching scope, and a removal on each
// scope the task stopped matching. The caller normalizes the update first.
func (s *Storage) UpdateTask(ctx context.Context, ownerKey, id string, upd domain.TaskUpdate) (domain.Task, error) {
	prev, err := s.GetTask(ctx, ownerKey, id)
	if err != nil {
		return domain.Task{}, err
	}

	payload, err := json.Marshal(updateEntity(ownerKey, id, upd))
	if err != nil {
		return domain.Task{}, err
	}
	et := azcore.ETagAny
	if _, err := s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge}); err != nil {
		if isNotFound(err) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, err
	}

	next := prev
	upd.ApplyTo(&next)
	s.publish(ctx, changeEvent(domain.ChangeModified, next, domain.ScopesFor(next)))
	if left := domain.LeftScopes(prev, next); len(left) > 0 {
		s.publish(ctx, changeEvent(domain.ChangeRemoved, prev, left))
	}
	return next, nil
}

// MarkReminderSent flips the reminder idempotency flag. Flag-only writes are
// server internal and do not produce change events.
func (s *Storage) MarkReminderSent(ctx context.Context, t domain.Task) error {
	return s.setFlag(ctx, t, func(u *taskUpdateEntity) {
		flag := true
		ft := edmBoolean
		u.ReminderSent = &flag
		u.ReminderSentType = &ft
	})
}

// MarkDeadlineNotified flips the deadline idempotency flag.
func (s *Storage) MarkDeadlineNotified(ctx context.Context, t domain.Task) error {
	return s.setFlag(ctx, t, func(u *taskUpdateEntity) {
		flag := true
		ft := edmBoolean
		u.DeadlineNotified = &flag
		u.DeadlineNotifiedType = &ft
	})
}

// ClearReminder zeroes a fired reminder so other devices stop re-alerting.
// Satisfies view.ReminderClearer. Unlike the flag writes this is a normal
// client-visible edit and publishes change events.
func (s *Storage) ClearReminder(ctx context.Context, t domain.Task) error {
	zero := int64(0)
	off := false
	_, err := s.UpdateTask(ctx, t.OwnerKey(), t.ID, domain.TaskUpdate{RemindAtMs: &zero, ReminderSent: &off})
	return err
}

func (s *Storage) setFlag(ctx context.Context, t domain.Task, set func(*taskUpdateEntity)) error {
	ent := taskUpdateEntity{Entity: Entity{PartitionKey: t.OwnerKey(), RowKey: t.ID}}
	set(&ent)
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if isNotFound(err) {
		return ErrNotFound
	}
	return err
}

// DeleteTask removes a task and publishes the removal to every scope that
// previously matched it.
func (s *Storage) DeleteTask(ctx context.Context, ownerKey, id string) error {
	prev, err := s.GetTask(ctx, ownerKey, id)
	if err != nil {
		return err
	}
	if _, err := s.taskTable.DeleteEntity(ctx, ownerKey, id, nil); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	s.publish(ctx, changeEvent(domain.ChangeRemoved, prev, domain.ScopesFor(prev)))
	return nil
}

// DeleteCompleted bulk-deletes every done task in the ownership scope using
// table transactions so partial failures never leave half a batch gone.
func (s *Storage) DeleteCompleted(ctx context.Context, ownerKey string) (int, error) {
	tasks, err := s.FetchOwned(ctx, ownerKey)
	if err != nil {
		return 0, err
	}
	var completed []domain.Task
	for _, t := range tasks {
		if t.Done() {
			completed = append(completed, t)
		}
	}
	if len(completed) == 0 {
		return 0, nil
	}

	for start := 0; start < len(completed); start += transactionChunk {
		end := start + transactionChunk
		if end > len(completed) {
			end = len(completed)
		}
		actions := make([]aztables.TransactionAction, 0, end-start)
		for _, t := range completed[start:end] {
			payload, err := json.Marshal(Entity{PartitionKey: ownerKey, RowKey: t.ID})
			if err != nil {
				return 0, err
			}
			actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: payload})
		}
		if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
			return 0, err
		}
	}
	for _, t := range completed {
		s.publish(ctx, changeEvent(domain.ChangeRemoved, t, domain.ScopesFor(t)))
	}
	return len(completed), nil
}

// reorderPlan computes the dense permutation for a move plus the subset of
// rows whose sort key actually changed. Unknown ids are an error, not a no-op.
func reorderPlan(tasks []domain.Task, id string, pos int) (reordered, changed []domain.Task, err error) {
	known := false
	for _, t := range tasks {
		if t.ID == id {
			known = true
			break
		}
	}
	if !known {
		return nil, nil, ErrNotFound
	}

	reordered = domain.Reorder(tasks, id, pos)
	prevOrder := make(map[string]int, len(tasks))
	for _, t := range tasks {
		prevOrder[t.ID] = t.Order
	}
	for _, t := range reordered {
		if old, ok := prevOrder[t.ID]; !ok || old != t.Order {
			changed = append(changed, t)
		}
	}
	return reordered, changed, nil
}

// ReorderTasks moves a task to the requested position and rewrites the sort
// keys as a dense permutation in one atomic transaction per chunk.
func (s *Storage) ReorderTasks(ctx context.Context, ownerKey, id string, pos int) ([]domain.Task, error) {
	tasks, err := s.FetchOwned(ctx, ownerKey)
	if err != nil {
		return nil, err
	}
	reordered, changed, err := reorderPlan(tasks, id, pos)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return reordered, nil
	}

	for start := 0; start < len(changed); start += transactionChunk {
		end := start + transactionChunk
		if end > len(changed) {
			end = len(changed)
		}
		actions := make([]aztables.TransactionAction, 0, end-start)
		for _, t := range changed[start:end] {
			order := t.Order
			ot := edmInt32
			ent := taskUpdateEntity{
				Entity:    Entity{PartitionKey: ownerKey, RowKey: t.ID},
				Order:     &order,
				OrderType: &ot,
			}
			payload, err := json.Marshal(ent)
			if err != nil {
				return nil, err
			}
			actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateMerge, Entity: payload})
		}
		if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
			return nil, err
		}
	}
	for _, t := range changed {
		s.publish(ctx, changeEvent(domain.ChangeModified, t, domain.ScopesFor(t)))
	}
	return reordered, nil
}

// UpsertDeviceToken registers or refreshes a push destination.
func (s *Storage) UpsertDeviceToken(ctx context.Context, tok domain.DeviceToken) error {
	ent := tokenEntity{
		Entity:          Entity{PartitionKey: tokenPartition, RowKey: tok.Token},
		OwnerNickname:   tok.OwnerNickname,
		UpdatedAtMs:     tok.UpdatedAtMs,
		UpdatedAtMsType: edmInt64,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.tokenTable.UpsertEntity(ctx, payload, nil)
	return err
}

// ListDeviceTokens loads the full push-token registry.
func (s *Storage) ListDeviceTokens(ctx context.Context) ([]domain.DeviceToken, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", tokenPartition)
	pager := s.tokenTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tokens := []domain.DeviceToken{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			tok, err := decodeTokenEntity(e)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
		}
	}
	return tokens, nil
}

// DeleteDeviceToken prunes a permanently invalid push destination. Deleting a
// token that is already gone is not an error.
func (s *Storage) DeleteDeviceToken(ctx context.Context, token string) error {
	_, err := s.tokenTable.DeleteEntity(ctx, tokenPartition, token, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// DequeueEvent retrieves a single change-event message for the pump. A nil
// message means the queue is currently empty.
func (s *Storage) DequeueEvent(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := s.eventsQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// DeleteEvent removes a processed message from the events queue.
func (s *Storage) DeleteEvent(ctx context.Context, id, receipt string) error {
	_, err := s.eventsQueue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// publish enqueues a change event for the pump. Enqueue failures are logged
// and swallowed: the row mutation already succeeded, and live views repair
// themselves on the next snapshot fetch.
func (s *Storage) publish(ctx context.Context, ev domain.Event) {
	data, err := ev.Encode()
	if err != nil {
		s.logger.WithError(err).Error("encode change event")
		return
	}
	if _, err := s.eventsQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
		s.logger.WithError(err).WithField("task", ev.Change.Task.ID).Error("enqueue change event")
	}
}

func changeEvent(ct domain.ChangeType, t domain.Task, scopes []string) domain.Event {
	return domain.Event{
		ID:     uuid.NewString(),
		Change: domain.ChangeRecord{Type: ct, Task: t},
		Scopes: scopes,
		Time:   time.Now().UnixMilli(),
	}
}

func updateEntity(pk, id string, u domain.TaskUpdate) taskUpdateEntity {
	ent := taskUpdateEntity{Entity: Entity{PartitionKey: pk, RowKey: id}}
	if u.Title != nil {
		ent.Title = u.Title
	}
	if u.Status != nil {
		status := string(*u.Status)
		ent.Status = &status
	}
	if u.Order != nil {
		ot := edmInt32
		ent.Order = u.Order
		ent.OrderType = &ot
	}
	if u.DeadlineMs != nil {
		ft := edmInt64
		ent.DeadlineMs = u.DeadlineMs
		ent.DeadlineMsType = &ft
	}
	if u.RemindAtMs != nil {
		ft := edmInt64
		ent.RemindAtMs = u.RemindAtMs
		ent.RemindAtMsType = &ft
	}
	if u.AssigneeName != nil {
		ent.AssigneeName = u.AssigneeName
	}
	if u.BatchID != nil {
		ent.BatchID = u.BatchID
	}
	if u.DeadlineNotified != nil {
		ft := edmBoolean
		ent.DeadlineNotified = u.DeadlineNotified
		ent.DeadlineNotifiedType = &ft
	}
	if u.ReminderSent != nil {
		ft := edmBoolean
		ent.ReminderSent = u.ReminderSent
		ent.ReminderSentType = &ft
	}
	if u.LastCompletedBy != nil {
		ent.LastCompletedBy = u.LastCompletedBy
	}
	if u.CompletedAtMs != nil {
		ft := edmInt64
		ent.CompletedAtMs = u.CompletedAtMs
		ent.CompletedAtMsType = &ft
	}
	return ent
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func escapeFilter(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, v[i])
	}
	return string(out)
}
