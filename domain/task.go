package domain

import (
	"errors"
	"time"
)

// Task represents a single tracked item. The ID is assigned at creation and
// is the key for the task across every storage tier.
type Task struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	User      string    `json:"user,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskUpdate carries a partial update; nil fields are left unchanged.
type TaskUpdate struct {
	Text      *string `json:"text"`
	Completed *bool   `json:"completed"`
}

// Change event actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// ChangeEvent describes one task mutation. It is broadcast to live
// subscribers only; there is no persistence or delivery guarantee.
type ChangeEvent struct {
	Action string `json:"action"`
	Task   Task   `json:"task"`
}

var (
	// ErrTextRequired is returned when a task is created with empty text.
	ErrTextRequired = errors.New("task text required")
	// ErrTaskNotFound is returned when a mutation targets a task that does
	// not exist in the durable store.
	ErrTaskNotFound = errors.New("task not found")
)
