package api

import (
	"context"

	"tasks-api/domain"
	"tasks-api/storage"
)

// TaskService is the tiered task coordinator consumed by the handlers.
type TaskService interface {
	ListTasks(ctx context.Context) ([]domain.Task, storage.Source, error)
	AddTask(ctx context.Context, text, userID string) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, upd domain.TaskUpdate) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)
}

// Subscriber hands out live change-event channels.
type Subscriber interface {
	Subscribe() chan domain.ChangeEvent
	Unsubscribe(chan domain.ChangeEvent)
}

// Authenticator is implemented by types able to extract user IDs from
// Authorization headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper tracks idempotency keys so a retried create is served a conflict
// instead of producing a second task. A nil Deduper disables deduplication.
type Deduper interface {
	Add(ctx context.Context, userID, key string) (bool, error)
	Remove(ctx context.Context, userID, key string) error
}
