package search

import (
	"context"

	"taskboard/api/internal/store"
)

const (
	DefaultLimit = 10
	MaxLimit     = 50
)

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

func TaskRecordOf(task store.Task) TaskRecord {
	record := TaskRecord{
		ID:        task.ID,
		ProjectID: task.ProjectID,
		Title:     task.Title,
		Status:    string(task.Status),
	}
	if task.Description != nil {
		record.Description = *task.Description
	}
	return record
}

// Fallback is the primary store. It answers user searches, task searches while
// Meilisearch is missing or unhealthy, and hydrates Meilisearch task hits.
type Fallback interface {
	SearchUsers(ctx context.Context, query string, limit int) ([]store.User, error)
	SearchTasks(ctx context.Context, projectID, query string, limit int) ([]store.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]store.Task, error)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
