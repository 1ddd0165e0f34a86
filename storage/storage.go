package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"tasks-api/domain"
)

const taskPartition = "task"

// Storage is the durable store adapter. It owns the authoritative task
// records; the cache tiers above it hold non-owning, time-bounded copies.
type Storage struct {
	taskTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable string) (*Storage, error) {
	clientOptions := aztables.ClientOptions{
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
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &clientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	Text      string `json:"Text"`
	Completed bool   `json:"Completed"`
	User      string `json:"User"`
	CreatedAt string `json:"CreatedAt"`
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, ent.CreatedAt)
	return domain.Task{
		ID:        ent.RowKey,
		Text:      ent.Text,
		Completed: ent.Completed,
		User:      ent.User,
		CreatedAt: createdAt,
	}, nil
}

func encodeTaskEntity(t domain.Task) ([]byte, error) {
	return json.Marshal(taskEntity{
		Entity: aztables.Entity{
			PartitionKey: taskPartition,
			RowKey:       t.ID,
		},
		Text:      t.Text,
		Completed: t.Completed,
		User:      t.User,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// FetchTasks retrieves all tasks ordered by creation time descending.
func (s *Storage) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + taskPartition + "'"
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
	sortTasks(tasks)
	return tasks, nil
}

// CreateTask persists a new task, assigning its identifier and timestamp.
func (s *Storage) CreateTask(ctx context.Context, text, userID string) (domain.Task, error) {
	t := domain.Task{
		ID:        uuid.NewString(),
		Text:      strings.TrimSpace(text),
		User:      userID,
		CreatedAt: time.Now().UTC(),
	}
	data, err := encodeTaskEntity(t)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTask applies a partial update to the task with the given id. The
// write is conditional on the entity ETag, so concurrent updates to the
// same record serialize on the table service.
func (s *Storage) UpdateTask(ctx context.Context, id string, upd domain.TaskUpdate) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, taskPartition, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, err
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, err
	}
	if upd.Text != nil {
		t.Text = strings.TrimSpace(*upd.Text)
	}
	if upd.Completed != nil {
		t.Completed = *upd.Completed
	}
	data, err := encodeTaskEntity(t)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.taskTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{
		IfMatch:    to.Ptr(resp.ETag),
		UpdateMode: aztables.UpdateModeReplace,
	})
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask removes the task with the given id and returns the deleted
// record.
func (s *Storage) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, taskPartition, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, err
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.taskTable.DeleteEntity(ctx, taskPartition, id, &aztables.DeleteEntityOptions{
		IfMatch: to.Ptr(resp.ETag),
	})
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, err
	}
	return t, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// sortTasks orders tasks newest first.
func sortTasks(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
