package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnknownUser is returned when a write references a user that does not exist.
	ErrUnknownUser = errors.New("referenced user does not exist")
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Project carries its member ids. The owner is not listed in Members.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p Project) HasMember(userID string) bool {
	for _, member := range p.Members {
		if member == userID {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusDone       TaskStatus = "done"
)

var TaskStatuses = []TaskStatus{StatusTodo, StatusInProgress, StatusDone}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	default:
		return false
	}
}

type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	AssigneeID  *string    `json:"assigneeId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TaskPatch lists the mutable task fields; nil leaves a field untouched.
// A non-nil empty AssigneeID clears the assignee. Tasks never change project,
// so there is no project field.
type TaskPatch struct {
	Title       *string
	Description *string
	Status      *TaskStatus
	AssigneeID  *string
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.AssigneeID == nil
}

// StatusCounts always holds an entry for every TaskStatus.
type StatusCounts map[TaskStatus]int

func newStatusCounts() StatusCounts {
	counts := make(StatusCounts, len(TaskStatuses))
	for _, status := range TaskStatuses {
		counts[status] = 0
	}
	return counts
}
