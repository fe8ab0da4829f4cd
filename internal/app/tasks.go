package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

// TaskInput is the client payload for task writes. A nil field was absent
// from the request.
type TaskInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	AssigneeID  *string `json:"assigneeId"`
}

func (in TaskInput) newTask(projectID string) (store.Task, error) {
	if in.Title == nil {
		return store.Task{}, validationError("title", "Title is required and must be <= 100 characters")
	}
	patch, err := in.patch()
	if err != nil {
		return store.Task{}, err
	}
	task := store.Task{
		ProjectID:   projectID,
		Title:       *patch.Title,
		Description: patch.Description,
		Status:      store.StatusTodo,
		AssigneeID:  patch.AssigneeID,
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	return task, nil
}

func (in TaskInput) patch() (store.TaskPatch, error) {
	var patch store.TaskPatch
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" || utf8.RuneCountInString(title) > maxTaskTitle {
			return store.TaskPatch{}, validationError("title", "Title is required and must be <= 100 characters")
		}
		patch.Title = &title
	}
	if in.Description != nil {
		description := strings.TrimSpace(*in.Description)
		if utf8.RuneCountInString(description) > maxTaskDesc {
			return store.TaskPatch{}, validationError("description", "Description must be <= 500 characters")
		}
		patch.Description = &description
	}
	if in.Status != nil {
		status := store.TaskStatus(*in.Status)
		if !status.Valid() {
			return store.TaskPatch{}, validationError("status", "Invalid status")
		}
		patch.Status = &status
	}
	if in.AssigneeID != nil {
		assignee := strings.TrimSpace(*in.AssigneeID)
		if assignee != "" && !util.IsID(assignee) {
			return store.TaskPatch{}, validationError("assigneeId", "Invalid assignee ID")
		}
		patch.AssigneeID = &assignee
	}
	return patch, nil
}

// CreateTask validates, authorizes and stores a task, then publishes exactly
// one created event. origin is the realtime connection the command arrived
// on, empty for HTTP.
func (s *Service) CreateTask(ctx context.Context, userID, projectID string, input TaskInput, origin string) (store.Task, error) {
	ctx, span := s.startTaskSpan(ctx, "tasks.create", userID, projectID, "", origin)
	defer span.End()

	task, err := input.newTask(projectID)
	if err != nil {
		return store.Task{}, s.endSpan(span, err)
	}
	if _, err := s.gate.Require(ctx, userID, projectID, rbac.LevelMember); err != nil {
		return store.Task{}, s.endSpan(span, err)
	}
	created, err := s.store.CreateTask(ctx, task)
	if err != nil {
		return store.Task{}, s.endSpan(span, taskWriteError(err))
	}

	span.SetAttributes(attrTaskID.String(created.ID))
	s.hub.Publish(realtime.TaskCreated(created), origin)
	s.search.IndexTask(created)
	s.logTask("task created", userID, created.ProjectID, created.ID, origin)
	return created, nil
}

func (s *Service) UpdateTask(ctx context.Context, userID, projectID, taskID string, input TaskInput, origin string) (store.Task, error) {
	ctx, span := s.startTaskSpan(ctx, "tasks.update", userID, projectID, taskID, origin)
	defer span.End()

	patch, err := input.patch()
	if err != nil {
		return store.Task{}, s.endSpan(span, err)
	}
	if patch.Empty() {
		return store.Task{}, s.endSpan(span, validationError("body", "At least one task field is required"))
	}
	if _, err := s.gate.Require(ctx, userID, projectID, rbac.LevelMember); err != nil {
		return store.Task{}, s.endSpan(span, err)
	}
	updated, err := s.store.UpdateTask(ctx, projectID, taskID, patch)
	if err != nil {
		return store.Task{}, s.endSpan(span, taskWriteError(err))
	}

	s.hub.Publish(realtime.TaskUpdated(updated), origin)
	s.search.IndexTask(updated)
	s.logTask("task updated", userID, projectID, taskID, origin)
	return updated, nil
}

func (s *Service) DeleteTask(ctx context.Context, userID, projectID, taskID, origin string) error {
	ctx, span := s.startTaskSpan(ctx, "tasks.delete", userID, projectID, taskID, origin)
	defer span.End()

	if _, err := s.gate.Require(ctx, userID, projectID, rbac.LevelMember); err != nil {
		return s.endSpan(span, err)
	}
	if err := s.store.DeleteTask(ctx, projectID, taskID); err != nil {
		return s.endSpan(span, taskWriteError(err))
	}

	s.hub.Publish(realtime.TaskDeleted(projectID, taskID), origin)
	s.search.DeleteTasks(taskID)
	s.logTask("task deleted", userID, projectID, taskID, origin)
	return nil
}

func (s *Service) startTaskSpan(ctx context.Context, name, userID, projectID, taskID, origin string) (context.Context, trace.Span) {
	ctx, span := s.startSpan(ctx, name, attrProjectID.String(projectID), attrUserID.String(userID))
	if taskID != "" {
		span.SetAttributes(attrTaskID.String(taskID))
	}
	if origin != "" {
		span.SetAttributes(attrRealtimeConn.String(origin))
	}
	return ctx, span
}

func (s *Service) logTask(msg, userID, projectID, taskID, origin string) {
	fields := log.Fields{"project_id": projectID, "task_id": taskID, "user_id": userID}
	if origin != "" {
		fields["connection_id"] = origin
	}
	s.logger.WithFields(fields).Debug(msg)
}

// taskWriteError turns a dangling assignee reference into a validation
// error; everything else passes through.
func taskWriteError(err error) error {
	if errors.Is(err, store.ErrUnknownUser) {
		return validationError("assigneeId", "Assignee does not exist")
	}
	return err
}
