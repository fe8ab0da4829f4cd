package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process store used for DATABASE_URL=memory and tests.
// It applies the same scoping rules as PostgresStore.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	users    map[string]User
	byEmail  map[string]string
	projects map[string]Project
	tasks    map[string]Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		users:    make(map[string]User),
		byEmail:  make(map[string]string),
		projects: make(map[string]Project),
		tasks:    make(map[string]Task),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) EnsureUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEmail[email]; ok {
		return s.users[id], nil
	}
	user := User{ID: uuid.NewString(), Email: email, CreatedAt: s.now()}
	s.users[user.ID] = user
	s.byEmail[email] = user.ID
	return user, nil
}

func (s *MemoryStore) SearchUsers(_ context.Context, query string, limit int) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(query)
	items := make([]User, 0)
	for _, user := range s.users {
		if strings.Contains(strings.ToLower(user.Email), needle) {
			items = append(items, user)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Email < items[j].Email })
	return truncate(items, limit), nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return cloneProject(project), nil
}

func (s *MemoryStore) FindProjectsForUser(_ context.Context, userID string) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Project, 0)
	for _, project := range s.projects {
		if project.OwnerID == userID || project.HasMember(userID) {
			items = append(items, cloneProject(project))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) CreateProject(_ context.Context, name, ownerID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[ownerID]; !ok {
		return Project{}, ErrNotFound
	}
	now := s.now()
	project := Project{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		Members:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.projects[project.ID] = project
	return cloneProject(project), nil
}

func (s *MemoryStore) UpdateProjectName(_ context.Context, projectID, name string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	project.Name = name
	project.UpdatedAt = s.now()
	s.projects[projectID] = project
	return cloneProject(project), nil
}

func (s *MemoryStore) DeleteProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return ErrNotFound
	}
	delete(s.projects, projectID)
	for id, task := range s.tasks {
		if task.ProjectID == projectID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *MemoryStore) AddMember(_ context.Context, projectID, userID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return Project{}, ErrUnknownUser
	}
	if !project.HasMember(userID) {
		project.Members = append(append([]string{}, project.Members...), userID)
		project.UpdatedAt = s.now()
		s.projects[projectID] = project
	}
	return cloneProject(project), nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, projectID, userID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok || !project.HasMember(userID) {
		return Project{}, ErrNotFound
	}
	members := make([]string, 0, len(project.Members)-1)
	for _, member := range project.Members {
		if member != userID {
			members = append(members, member)
		}
	}
	project.Members = members
	project.UpdatedAt = s.now()
	s.projects[projectID] = project
	return cloneProject(project), nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[task.ProjectID]; !ok {
		return Task{}, ErrNotFound
	}
	if err := s.checkAssignee(task.AssigneeID); err != nil {
		return Task{}, err
	}
	now := s.now()
	task.ID = uuid.NewString()
	if task.Status == "" {
		task.Status = StatusTodo
	}
	task.Description = optional(task.Description)
	task.AssigneeID = optional(task.AssigneeID)
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.ID] = task
	return cloneTask(task), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, projectID, taskID string, patch TaskPatch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.ProjectID != projectID {
		return Task{}, ErrNotFound
	}
	if err := s.checkAssignee(patch.AssigneeID); err != nil {
		return Task{}, err
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = optional(patch.Description)
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.AssigneeID != nil {
		task.AssigneeID = optional(patch.AssigneeID)
	}
	task.UpdatedAt = s.now()
	s.tasks[taskID] = task
	return cloneTask(task), nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, projectID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.ProjectID != projectID {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, projectID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectTasks(func(task Task) bool { return task.ProjectID == projectID }), nil
}

// ListAllTasks returns every task of every project. Used to rebuild the
// search index.
func (s *MemoryStore) ListAllTasks(context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectTasks(func(Task) bool { return true }), nil
}

func (s *MemoryStore) SearchTasks(_ context.Context, projectID, query string, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(query)
	items := s.collectTasks(func(task Task) bool {
		if task.ProjectID != projectID {
			return false
		}
		if strings.Contains(strings.ToLower(task.Title), needle) {
			return true
		}
		return task.Description != nil && strings.Contains(strings.ToLower(*task.Description), needle)
	})
	return truncate(items, limit), nil
}

func (s *MemoryStore) CountTasksByStatus(_ context.Context, projectID string) (StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := newStatusCounts()
	for _, task := range s.tasks {
		if task.ProjectID == projectID {
			counts[task.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) collectTasks(match func(Task) bool) []Task {
	items := make([]Task, 0)
	for _, task := range s.tasks {
		if match(task) {
			items = append(items, cloneTask(task))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

func (s *MemoryStore) checkAssignee(assigneeID *string) error {
	if assigneeID == nil || *assigneeID == "" {
		return nil
	}
	if _, ok := s.users[*assigneeID]; !ok {
		return ErrUnknownUser
	}
	return nil
}

func optional(value *string) *string {
	if value == nil || *value == "" {
		return nil
	}
	copied := *value
	return &copied
}

func cloneProject(project Project) Project {
	project.Members = append([]string{}, project.Members...)
	return project
}

func cloneTask(task Task) Task {
	task.Description = optional(task.Description)
	task.AssigneeID = optional(task.AssigneeID)
	return task
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
