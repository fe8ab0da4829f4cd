package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/realtime"
	"taskboard/api/internal/util"
)

// handleRealtime joins the caller to a project's group and serves the
// websocket until it closes. Authentication and the join check both happen
// before the upgrade, so a rejected client never holds a group slot.
func (s *HTTPServer) handleRealtime(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	principal, err := s.authenticate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	projectID := strings.TrimSpace(r.URL.Query().Get("projectId"))
	if projectID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId is required", nil)
		return
	}

	lifecycle := s.service.Lifecycle()
	connectionID := util.NewID()
	sub, err := lifecycle.Join(r.Context(), connectionID, principal.UserID, projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.WSOriginPatterns,
	})
	if err != nil {
		lifecycle.Leave(connectionID)
		s.logger.WithError(err).WithField("project_id", projectID).Warn("realtime upgrade failed")
		return
	}

	s.logger.WithFields(log.Fields{
		"connection_id": connectionID,
		"project_id":    projectID,
		"user_id":       principal.UserID,
	}).Info("realtime connection joined")
	lifecycle.Serve(r.Context(), conn, sub, s.service.HandleCommand)
}

// HandleCommand runs a realtime task command through the same pipeline as
// HTTP requests. The sender gets an ack or error frame; peers get the
// regular broadcast.
func (s *Service) HandleCommand(ctx context.Context, sub *realtime.Subscription, cmd realtime.Command) realtime.Frame {
	switch cmd.Op {
	case realtime.OpCreateTask:
		var input TaskInput
		if err := decodeCommandData(cmd, &input); err != nil {
			return commandError(cmd, err)
		}
		task, err := s.CreateTask(ctx, sub.UserID, sub.ProjectID, input, sub.ConnectionID)
		if err != nil {
			return commandError(cmd, err)
		}
		return realtime.AckFrame(cmd.ID, realtime.TaskData{Task: task})

	case realtime.OpUpdateTask:
		if cmd.TaskID == "" {
			return commandError(cmd, validationError("taskId", "taskId is required"))
		}
		var input TaskInput
		if err := decodeCommandData(cmd, &input); err != nil {
			return commandError(cmd, err)
		}
		task, err := s.UpdateTask(ctx, sub.UserID, sub.ProjectID, cmd.TaskID, input, sub.ConnectionID)
		if err != nil {
			return commandError(cmd, err)
		}
		return realtime.AckFrame(cmd.ID, realtime.TaskData{Task: task})

	case realtime.OpDeleteTask:
		if cmd.TaskID == "" {
			return commandError(cmd, validationError("taskId", "taskId is required"))
		}
		if err := s.DeleteTask(ctx, sub.UserID, sub.ProjectID, cmd.TaskID, sub.ConnectionID); err != nil {
			return commandError(cmd, err)
		}
		return realtime.AckFrame(cmd.ID, realtime.TaskIDData{TaskID: cmd.TaskID})
	}
	return realtime.ErrorFrame(cmd.ID, "UNKNOWN_OP", "unsupported op "+cmd.Op)
}

func decodeCommandData(cmd realtime.Command, target any) error {
	if len(cmd.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(cmd.Data, target); err != nil {
		return validationError("data", "data must be a JSON object")
	}
	return nil
}

func commandError(cmd realtime.Command, err error) realtime.Frame {
	_, code, message, _ := mapError(err)
	return realtime.ErrorFrame(cmd.ID, code, message)
}
