package search

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/store"
)

// Service answers task searches from Meilisearch when it is healthy and from
// the store otherwise. Users are created outside this service, so user search
// always goes to the store.
type Service struct {
	meili    *Meili
	fallback Fallback
	logger   *log.Logger
}

// NewService accepts a nil meili when Meilisearch is not configured.
func NewService(meili *Meili, fallback Fallback, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) SearchUsers(ctx context.Context, query string, limit int) ([]store.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []store.User{}, nil
	}
	return s.fallback.SearchUsers(ctx, query, clampLimit(limit))
}

func (s *Service) SearchTasks(ctx context.Context, projectID, query string, limit int) ([]store.Task, error) {
	query = strings.TrimSpace(query)
	limit = clampLimit(limit)
	if query == "" {
		return []store.Task{}, nil
	}

	if s.meiliReady() {
		ids, err := s.meili.SearchTaskIDs(projectID, query, limit)
		if err == nil {
			return s.hydrateTasks(ctx, projectID, ids)
		}
		s.logger.WithError(err).Warn("search: meilisearch error, falling back to store")
	}
	return s.fallback.SearchTasks(ctx, projectID, query, limit)
}

// hydrateTasks loads the current rows for ids in ranking order. Ids whose
// task no longer exists in the project are skipped.
func (s *Service) hydrateTasks(ctx context.Context, projectID string, ids []string) ([]store.Task, error) {
	tasks, err := s.fallback.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	out := make([]store.Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := byID[id]; ok {
			out = append(out, task)
		}
	}
	return out, nil
}

// IndexTask is fire-and-forget.
func (s *Service) IndexTask(task store.Task) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexTasks([]TaskRecord{TaskRecordOf(task)}); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Warn("search: index task")
		}
	}()
}

// DeleteTasks is fire-and-forget.
func (s *Service) DeleteTasks(ids ...string) {
	if !s.meiliReady() || len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			if err := s.meili.DeleteTask(id); err != nil {
				s.logger.WithError(err).WithField("task_id", id).Warn("search: delete task")
			}
		}
	}()
}

// TaskLoader returns every task that should be searchable.
type TaskLoader func(ctx context.Context) ([]store.Task, error)

// Reindex upserts every task load returns. Skipped while Meilisearch is
// unavailable.
func (s *Service) Reindex(ctx context.Context, load TaskLoader) error {
	if !s.meiliReady() {
		return nil
	}
	tasks, err := load(ctx)
	if err != nil {
		return err
	}
	records := make([]TaskRecord, 0, len(tasks))
	for _, task := range tasks {
		records = append(records, TaskRecordOf(task))
	}
	if err := s.meili.IndexTasks(records); err != nil {
		return err
	}
	s.logger.WithField("tasks", len(records)).Info("search: task index rebuilt")
	return nil
}
