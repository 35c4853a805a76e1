package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tasknest/domain"
)

type stubBackend struct {
	fetchOwnedFn      func(ctx context.Context, ownerKey string) ([]domain.Task, error)
	insertTaskFn      func(ctx context.Context, t domain.Task) error
	updateTaskFn      func(ctx context.Context, ownerKey, id string, upd domain.TaskUpdate) (domain.Task, error)
	deleteTaskFn      func(ctx context.Context, ownerKey, id string) error
	deleteCompletedFn func(ctx context.Context, ownerKey string) (int, error)
	reorderTasksFn    func(ctx context.Context, ownerKey, id string, pos int) ([]domain.Task, error)
}

func (s *stubBackend) FetchOwned(ctx context.Context, ownerKey string) ([]domain.Task, error) {
	if s.fetchOwnedFn == nil {
		return nil, errors.New("unexpected FetchOwned call")
	}
	return s.fetchOwnedFn(ctx, ownerKey)
}

func (s *stubBackend) InsertTask(ctx context.Context, t domain.Task) error {
	if s.insertTaskFn == nil {
		return errors.New("unexpected InsertTask call")
	}
	return s.insertTaskFn(ctx, t)
}

func (s *stubBackend) UpdateTask(ctx context.Context, ownerKey, id string, upd domain.TaskUpdate) (domain.Task, error) {
	if s.updateTaskFn == nil {
		return domain.Task{}, errors.New("unexpected UpdateTask call")
	}
	return s.updateTaskFn(ctx, ownerKey, id, upd)
}

func (s *stubBackend) DeleteTask(ctx context.Context, ownerKey, id string) error {
	if s.deleteTaskFn == nil {
		return errors.New("unexpected DeleteTask call")
	}
	return s.deleteTaskFn(ctx, ownerKey, id)
}

func (s *stubBackend) DeleteCompleted(ctx context.Context, ownerKey string) (int, error) {
	if s.deleteCompletedFn == nil {
		return 0, errors.New("unexpected DeleteCompleted call")
	}
	return s.deleteCompletedFn(ctx, ownerKey)
}

func (s *stubBackend) ReorderTasks(ctx context.Context, ownerKey, id string, pos int) ([]domain.Task, error) {
	if s.reorderTasksFn == nil {
		return nil, errors.New("unexpected ReorderTasks call")
	}
	return s.reorderTasksFn(ctx, ownerKey, id, pos)
}

func newTestCache(t *testing.T, base backend) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewCache(base, client, time.Minute), mr
}

func TestCacheFetchOwnedMissThenHit(t *testing.T) {
	ctx := context.Background()
	ownerKey := "ws-1"
	expected := []domain.Task{{ID: "t1", Title: "Write code", Status: domain.StatusTodo}}

	var calls int
	cache, mr := newTestCache(t, &stubBackend{
		fetchOwnedFn: func(ctx context.Context, key string) ([]domain.Task, error) {
			calls++
			if key != ownerKey {
				t.Fatalf("unexpected owner key: %s", key)
			}
			return append([]domain.Task(nil), expected...), nil
		},
	})

	tasks, err := cache.FetchOwned(ctx, ownerKey)
	if err != nil {
		t.Fatalf("fetch tasks: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call to backend, got %d", calls)
	}
	if ttl := mr.TTL(tasksCacheKey(ownerKey)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.FetchOwned(ctx, ownerKey)
	if err != nil {
		t.Fatalf("fetch cached tasks: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached tasks: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheUpdateEvictsScope(t *testing.T) {
	ctx := context.Background()
	ownerKey := "ws-1"

	cache, mr := newTestCache(t, &stubBackend{
		fetchOwnedFn: func(ctx context.Context, key string) ([]domain.Task, error) {
			return []domain.Task{{ID: "t1", Status: domain.StatusTodo}}, nil
		},
		updateTaskFn: func(ctx context.Context, key, id string, upd domain.TaskUpdate) (domain.Task, error) {
			return domain.Task{ID: id, SyncID: key, Status: domain.StatusDone}, nil
		},
	})

	if _, err := cache.FetchOwned(ctx, ownerKey); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if !mr.Exists(tasksCacheKey(ownerKey)) {
		t.Fatalf("expected cache entry after fetch")
	}

	done := domain.StatusDone
	if _, err := cache.UpdateTask(ctx, ownerKey, "t1", domain.TaskUpdate{Status: &done}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if mr.Exists(tasksCacheKey(ownerKey)) {
		t.Fatalf("expected cache eviction after update")
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	ctx := context.Background()
	ownerKey := "ws-1"
	expected := []domain.Task{{ID: "t1", Status: domain.StatusTodo}}

	var calls int
	cache, mr := newTestCache(t, &stubBackend{
		fetchOwnedFn: func(ctx context.Context, key string) ([]domain.Task, error) {
			calls++
			return append([]domain.Task(nil), expected...), nil
		},
	})
	mr.Set(tasksCacheKey(ownerKey), "{not json")

	tasks, err := cache.FetchOwned(ctx, ownerKey)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if calls != 1 {
		t.Fatalf("expected backend fallback, calls=%d", calls)
	}
}

func TestCacheDeleteCompletedEvictsOnlyWhenWork(t *testing.T) {
	ctx := context.Background()
	ownerKey := "ws-1"

	deleted := 0
	cache, mr := newTestCache(t, &stubBackend{
		fetchOwnedFn: func(ctx context.Context, key string) ([]domain.Task, error) {
			return []domain.Task{}, nil
		},
		deleteCompletedFn: func(ctx context.Context, key string) (int, error) {
			return deleted, nil
		},
	})

	if _, err := cache.FetchOwned(ctx, ownerKey); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if _, err := cache.DeleteCompleted(ctx, ownerKey); err != nil {
		t.Fatalf("delete completed: %v", err)
	}
	if !mr.Exists(tasksCacheKey(ownerKey)) {
		t.Fatalf("no-op clear must not evict")
	}

	deleted = 2
	if _, err := cache.DeleteCompleted(ctx, ownerKey); err != nil {
		t.Fatalf("delete completed: %v", err)
	}
	if mr.Exists(tasksCacheKey(ownerKey)) {
		t.Fatalf("expected eviction after bulk delete")
	}
}
