package realtime

import "taskboard/api/internal/store"

type Kind string

const (
	KindCreated        Kind = "created"
	KindUpdated        Kind = "updated"
	KindDeleted        Kind = "deleted"
	KindProjectDeleted Kind = "projectDeleted"
)

// MutationEvent describes one committed change to a project. Task is set for
// created and updated events, TaskID for deleted ones.
type MutationEvent struct {
	Kind      Kind        `json:"kind"`
	ProjectID string      `json:"projectId"`
	Task      *store.Task `json:"task,omitempty"`
	TaskID    string      `json:"taskId,omitempty"`
}

func TaskCreated(task store.Task) MutationEvent {
	return MutationEvent{Kind: KindCreated, ProjectID: task.ProjectID, Task: &task}
}

func TaskUpdated(task store.Task) MutationEvent {
	return MutationEvent{Kind: KindUpdated, ProjectID: task.ProjectID, Task: &task}
}

func TaskDeleted(projectID, taskID string) MutationEvent {
	return MutationEvent{Kind: KindDeleted, ProjectID: projectID, TaskID: taskID}
}

func ProjectDeleted(projectID string) MutationEvent {
	return MutationEvent{Kind: KindProjectDeleted, ProjectID: projectID}
}

// Frame is the JSON object written to realtime clients.
type Frame struct {
	Event     string `json:"event"`
	ProjectID string `json:"projectId,omitempty"`
	ID        string `json:"id,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

const (
	EventReady          = "ready"
	EventTaskCreated    = "taskCreated"
	EventTaskUpdated    = "taskUpdated"
	EventTaskDeleted    = "taskDeleted"
	EventProjectDeleted = "projectDeleted"
	EventAck            = "ack"
	EventError          = "error"
)

type TaskData struct {
	Task store.Task `json:"task"`
}

type TaskIDData struct {
	TaskID string `json:"taskId"`
}

func (e MutationEvent) Frame() Frame {
	frame := Frame{ProjectID: e.ProjectID}
	switch e.Kind {
	case KindCreated:
		frame.Event = EventTaskCreated
	case KindUpdated:
		frame.Event = EventTaskUpdated
	case KindDeleted:
		frame.Event = EventTaskDeleted
		frame.Data = TaskIDData{TaskID: e.TaskID}
		return frame
	case KindProjectDeleted:
		frame.Event = EventProjectDeleted
		return frame
	}
	if e.Task != nil {
		frame.Data = TaskData{Task: *e.Task}
	}
	return frame
}

func ReadyFrame(projectID string) Frame {
	return Frame{Event: EventReady, ProjectID: projectID}
}

func AckFrame(id string, data any) Frame {
	return Frame{Event: EventAck, ID: id, Data: data}
}

func ErrorFrame(id, code, message string) Frame {
	return Frame{Event: EventError, ID: id, Code: code, Error: message}
}
