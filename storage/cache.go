package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"tasknest/domain"
)

type backend interface {
	FetchOwned(ctx context.Context, ownerKey string) ([]domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, ownerKey, id string, upd domain.TaskUpdate) (domain.Task, error)
	DeleteTask(ctx context.Context, ownerKey, id string) error
	DeleteCompleted(ctx context.Context, ownerKey string) (int, error)
	ReorderTasks(ctx context.Context, ownerKey, id string, pos int) ([]domain.Task, error)
}

// Cache wraps a Storage instance with Redis-backed caching of owned task
// snapshots. Mutations write through and evict the scope they touched.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchOwned(ctx context.Context, ownerKey string) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, ownerKey); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchOwned(ctx, ownerKey)
	if err != nil {
		return nil, err
	}

	c.store(ctx, ownerKey, tasks)
	return tasks, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	if err := c.base.InsertTask(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, t.OwnerKey())
	return nil
}

func (c *Cache) UpdateTask(ctx context.Context, ownerKey, id string, upd domain.TaskUpdate) (domain.Task, error) {
	next, err := c.base.UpdateTask(ctx, ownerKey, id, upd)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, ownerKey)
	return next, nil
}

func (c *Cache) DeleteTask(ctx context.Context, ownerKey, id string) error {
	if err := c.base.DeleteTask(ctx, ownerKey, id); err != nil {
		return err
	}
	c.evict(ctx, ownerKey)
	return nil
}

func (c *Cache) DeleteCompleted(ctx context.Context, ownerKey string) (int, error) {
	n, err := c.base.DeleteCompleted(ctx, ownerKey)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.evict(ctx, ownerKey)
	}
	return n, nil
}

func (c *Cache) ReorderTasks(ctx context.Context, ownerKey, id string, pos int) ([]domain.Task, error) {
	tasks, err := c.base.ReorderTasks(ctx, ownerKey, id, pos)
	if err != nil {
		return nil, err
	}
	c.evict(ctx, ownerKey)
	return tasks, nil
}

func (c *Cache) loadFromCache(ctx context.Context, ownerKey string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(ownerKey)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(ownerKey)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(ownerKey)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, ownerKey string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(ownerKey), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, ownerKey string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(ownerKey)).Result()
}

func tasksCacheKey(ownerKey string) string {
	return "tasks:" + ownerKey
}
