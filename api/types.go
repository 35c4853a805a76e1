package api

import (
	"context"

	"tasknest/domain"
	"tasknest/stream"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchOwned(ctx context.Context, ownerKey string) ([]domain.Task, error)
	FetchByAssignee(ctx context.Context, nickname string) ([]domain.Task, error)
	FetchByBatch(ctx context.Context, batchID string) ([]domain.Task, error)
	FindTask(ctx context.Context, id string) (domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, ownerKey, id string, upd domain.TaskUpdate) (domain.Task, error)
	DeleteTask(ctx context.Context, ownerKey, id string) error
	DeleteCompleted(ctx context.Context, ownerKey string) (int, error)
	ReorderTasks(ctx context.Context, ownerKey, id string, pos int) ([]domain.Task, error)
	UpsertDeviceToken(ctx context.Context, tok domain.DeviceToken) error
	DeleteDeviceToken(ctx context.Context, token string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents duplicate task creation when a client retries a request.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, ownerKey, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, ownerKey, key string) error
}

// ChangeStream is one client's merged live-change feed. Satisfied by
// stream.Multiplexer.
type ChangeStream interface {
	Changes() <-chan stream.SourcedChange
	Bind(ctx context.Context, id domain.Identity, shared domain.SharedScope) (added, removed []string)
	Close()
}

// StreamOpener creates a fresh ChangeStream per streaming connection.
type StreamOpener func() ChangeStream
