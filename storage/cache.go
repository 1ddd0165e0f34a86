package storage

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasks-api/domain"
)

// Source labels which tier served a list of tasks.
type Source string

const (
	// SourceCache is the in-process snapshot.
	SourceCache Source = "cache"
	// SourceDistributed is the Redis hash tier.
	SourceDistributed Source = "redis-hash"
	// SourceStore is the durable store.
	SourceStore Source = "db"
	// SourceStale is the in-process snapshot served after all fresher
	// tiers failed.
	SourceStale Source = "cache-fallback"
)

// TaskEventsChannel is the broadcast channel carrying change events.
const TaskEventsChannel = "tasks"

const (
	snapshotCacheKey = "tasks:all"
	taskKeyPrefix    = "task:"

	defaultSnapshotTTL = 120 * time.Second
	defaultEntryTTL    = time.Hour

	// Bigger SCAN batches amortize round trips against a large key space;
	// correctness does not depend on the batch size.
	scanBatchSize = 500

	detachTimeout = 30 * time.Second
)

type taskStore interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, text, userID string) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, upd domain.TaskUpdate) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)
}

// Cache coordinates the tiered task read/write path: an in-process
// snapshot, Redis hashes (one per task) and the durable store. Reads fall
// through the tiers and repopulate lower ones in the background; writes go
// through the durable store first, write the per-task hash through, delete
// the snapshot and publish a change event.
type Cache struct {
	base  taskStore
	redis *redis.Client
	local *MemoryCache
	log   *log.Logger

	snapshotTTL time.Duration
	entryTTL    time.Duration

	detached sync.WaitGroup
}

// NewCache creates a coordinator over the given store and Redis client.
// Non-positive TTLs fall back to the defaults (120s snapshot, 1h per-task
// hash).
func NewCache(base taskStore, client *redis.Client, logger *log.Logger, snapshotTTL, entryTTL time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if snapshotTTL <= 0 {
		snapshotTTL = defaultSnapshotTTL
	}
	if entryTTL <= 0 {
		entryTTL = defaultEntryTTL
	}
	return &Cache{
		base:        base,
		redis:       client,
		local:       NewMemoryCache(),
		log:         logger,
		snapshotTTL: snapshotTTL,
		entryTTL:    entryTTL,
	}
}

// ListTasks returns all tasks newest first, together with the tier that
// served them. Misses repopulate the snapshot and hash tiers without
// delaying the response. When every fresher tier fails, a still-present
// snapshot is served as a stale fallback.
func (c *Cache) ListTasks(ctx context.Context) ([]domain.Task, Source, error) {
	if tasks, ok := c.snapshot(); ok {
		return tasks, SourceCache, nil
	}

	tasks, source, err := c.listUncached(ctx)
	if err != nil {
		if stale, ok := c.staleSnapshot(); ok {
			c.log.Warnf("list tasks degraded, serving stale snapshot: %v", err)
			return stale, SourceStale, nil
		}
		return nil, "", err
	}

	if len(tasks) > 0 {
		warm := append([]domain.Task(nil), tasks...)
		c.detach("repopulate", func(ctx context.Context) error {
			return c.repopulate(ctx, warm)
		})
	}
	return tasks, source, nil
}

// AddTask validates and persists a new task, writes its hash through and
// publishes a created event. The task is committed once the durable write
// succeeds; cache and publish failures after that are logged only.
func (c *Cache) AddTask(ctx context.Context, text, userID string) (domain.Task, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Task{}, domain.ErrTextRequired
	}
	task, err := c.base.CreateTask(ctx, text, userID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := c.writeTaskEntry(ctx, task); err != nil {
		c.log.Errorf("task %s write-through failed: %v", task.ID, err)
	}
	c.local.Delete(snapshotCacheKey)
	c.publish(ctx, domain.ChangeEvent{Action: domain.ActionCreated, Task: task})
	return task, nil
}

// UpdateTask applies a partial update by id, refreshes the task's hash and
// publishes an updated event.
func (c *Cache) UpdateTask(ctx context.Context, id string, upd domain.TaskUpdate) (domain.Task, error) {
	task, err := c.base.UpdateTask(ctx, id, upd)
	if err != nil {
		return domain.Task{}, err
	}
	if err := c.writeTaskEntry(ctx, task); err != nil {
		c.log.Errorf("task %s write-through failed: %v", task.ID, err)
	}
	c.local.Delete(snapshotCacheKey)
	c.publish(ctx, domain.ChangeEvent{Action: domain.ActionUpdated, Task: task})
	return task, nil
}

// DeleteTask removes a task by id, drops its hash and publishes a deleted
// event carrying the removed record.
func (c *Cache) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	task, err := c.base.DeleteTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := c.redis.Del(ctx, taskKey(id)).Err(); err != nil {
		c.log.Errorf("task %s cache delete failed: %v", id, err)
	}
	c.local.Delete(snapshotCacheKey)
	c.publish(ctx, domain.ChangeEvent{Action: domain.ActionDeleted, Task: task})
	return task, nil
}

// Drain blocks until in-flight background cache maintenance finishes. It
// is intended for shutdown and tests.
func (c *Cache) Drain() {
	c.detached.Wait()
}

func (c *Cache) snapshot() ([]domain.Task, bool) {
	v, ok := c.local.Get(snapshotCacheKey)
	if !ok {
		return nil, false
	}
	tasks, ok := v.([]domain.Task)
	return tasks, ok
}

// staleSnapshot returns the snapshot even past its TTL. Mutations delete
// the key outright, so a stale read can never surface pre-mutation data.
func (c *Cache) staleSnapshot() ([]domain.Task, bool) {
	v, ok := c.local.GetStale(snapshotCacheKey)
	if !ok {
		return nil, false
	}
	tasks, ok := v.([]domain.Task)
	return tasks, ok
}

func (c *Cache) listUncached(ctx context.Context) ([]domain.Task, Source, error) {
	keys, err := c.scanTaskKeys(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(keys) > 0 {
		tasks, err := c.fetchTaskHashes(ctx, keys)
		if err != nil {
			return nil, "", err
		}
		if len(tasks) > 0 {
			return tasks, SourceDistributed, nil
		}
	}
	tasks, err := c.base.FetchTasks(ctx)
	if err != nil {
		return nil, "", err
	}
	return tasks, SourceStore, nil
}

// scanTaskKeys enumerates all per-task hash keys with a cursor-driven SCAN,
// collecting batches until the cursor returns to zero. Empty batches before
// completion are expected.
func (c *Cache) scanTaskKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.redis.Scan(ctx, cursor, taskKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// fetchTaskHashes reads all given hashes in one pipelined round trip.
// Records missing their text field are treated as corrupt and skipped.
func (c *Cache) fetchTaskHashes(ctx context.Context, keys []string) ([]domain.Task, error) {
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	pipe := c.redis.Pipeline()
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(keys))
	for i, cmd := range cmds {
		if t, ok := taskFromHash(keys[i], cmd.Val()); ok {
			tasks = append(tasks, t)
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

// repopulate warms the snapshot and refreshes every per-task hash. It runs
// detached from the request that triggered it.
func (c *Cache) repopulate(ctx context.Context, tasks []domain.Task) error {
	c.local.Set(snapshotCacheKey, tasks, c.snapshotTTL)
	_, err := c.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range tasks {
			pipe.HSet(ctx, taskKey(t.ID), taskHashFields(t))
			pipe.Expire(ctx, taskKey(t.ID), c.entryTTL)
		}
		return nil
	})
	return err
}

func (c *Cache) writeTaskEntry(ctx context.Context, t domain.Task) error {
	_, err := c.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(t.ID), taskHashFields(t))
		pipe.Expire(ctx, taskKey(t.ID), c.entryTTL)
		return nil
	})
	return err
}

// publish broadcasts a change event. Publication is best-effort
// notification, not part of the consistency contract: failures are logged
// and never roll back the committed mutation.
func (c *Cache) publish(ctx context.Context, ev domain.ChangeEvent) {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		c.log.Errorf("marshal %s event: %v", ev.Action, err)
		return
	}
	if err := c.redis.Publish(ctx, TaskEventsChannel, payload).Err(); err != nil {
		c.log.Errorf("publish %s event for task %s: %v", ev.Action, ev.Task.ID, err)
	}
}

// detach runs fn in the background with its own bounded context. Failures
// are routed to the log only; nothing flows back to the caller.
func (c *Cache) detach(op string, fn func(context.Context) error) {
	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Errorf("%s failed: %v", op, err)
		}
	}()
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func taskHashFields(t domain.Task) map[string]any {
	return map[string]any{
		"text":      t.Text,
		"completed": strconv.FormatBool(t.Completed),
		"user":      t.User,
		"createdAt": t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// taskFromHash rebuilds a task from its hash fields, deriving the id from
// the key rather than the hash body.
func taskFromHash(key string, fields map[string]string) (domain.Task, bool) {
	if fields["text"] == "" {
		return domain.Task{}, false
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["createdAt"])
	return domain.Task{
		ID:        strings.TrimPrefix(key, taskKeyPrefix),
		Text:      fields["text"],
		Completed: fields["completed"] == "true",
		User:      fields["user"],
		CreatedAt: createdAt,
	}, true
}
