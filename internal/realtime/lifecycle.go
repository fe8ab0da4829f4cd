package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/rbac"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	readLimit           = 64 << 10
)

type gate interface {
	Require(ctx context.Context, userID, projectID string, min rbac.Level) (rbac.Level, error)
}

// Command is a task mutation submitted over a realtime connection.
type Command struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	TaskID string          `json:"taskId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	OpCreateTask = "createTask"
	OpUpdateTask = "updateTask"
	OpDeleteTask = "deleteTask"
)

// CommandHandler runs a command and returns the reply for the sender, either
// an ack or an error frame. Replies are never broadcast.
type CommandHandler func(ctx context.Context, sub *Subscription, cmd Command) Frame

type Lifecycle struct {
	hub          *Hub
	gate         gate
	logger       *log.Logger
	writeTimeout time.Duration
}

func NewLifecycle(hub *Hub, gate gate, logger *log.Logger, writeTimeout time.Duration) *Lifecycle {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Lifecycle{hub: hub, gate: gate, logger: logger, writeTimeout: writeTimeout}
}

func (l *Lifecycle) Hub() *Hub {
	return l.hub
}

// Join admits a connection after a member check. Nothing is registered when
// the check fails or the project was deleted meanwhile. Access is not
// re-checked for the life of the connection.
func (l *Lifecycle) Join(ctx context.Context, connectionID, userID, projectID string) (*Subscription, error) {
	if _, err := l.gate.Require(ctx, userID, projectID, rbac.LevelMember); err != nil {
		return nil, err
	}
	return l.hub.attach(connectionID, userID, projectID)
}

// Leave is idempotent.
func (l *Lifecycle) Leave(connectionID string) {
	if l.hub.detach(connectionID) {
		l.logger.WithField("connection_id", connectionID).Debug("realtime connection left")
	}
}

// Serve pumps frames for a joined connection until the client disconnects,
// ctx ends or the hub detaches the subscription. It always leaves the group
// before returning.
func (l *Lifecycle) Serve(ctx context.Context, conn *websocket.Conn, sub *Subscription, handle CommandHandler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer l.Leave(sub.ConnectionID)

	conn.SetReadLimit(readLimit)
	entry := l.logger.WithFields(log.Fields{
		"connection_id": sub.ConnectionID,
		"project_id":    sub.ProjectID,
		"user_id":       sub.UserID,
	})

	if err := l.write(ctx, conn, ReadyFrame(sub.ProjectID)); err != nil {
		entry.WithError(err).Debug("realtime ready frame failed")
		_ = conn.Close(websocket.StatusInternalError, "write failed")
		return
	}

	replies := make(chan Frame, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		l.writeLoop(ctx, conn, sub, replies, entry)
	}()

	l.readLoop(ctx, conn, sub, handle, replies, entry)
	cancel()
	<-writerDone
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
}

func (l *Lifecycle) readLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription, handle CommandHandler, replies chan<- Frame, entry *log.Entry) {
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				entry.WithError(err).Debug("realtime read ended")
			}
			return
		}

		var cmd Command
		var reply Frame
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Op == "" {
			reply = ErrorFrame(cmd.ID, "INVALID_FRAME", "frames must be JSON commands with an op")
		} else {
			reply = handle(ctx, sub, cmd)
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Lifecycle) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription, replies <-chan Frame, entry *log.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-sub.Frames():
			if err := l.write(ctx, conn, frame); err != nil {
				entry.WithError(err).Debug("realtime write failed")
				return
			}
		case frame := <-replies:
			if err := l.write(ctx, conn, frame); err != nil {
				entry.WithError(err).Debug("realtime write failed")
				return
			}
		case <-sub.Done():
			l.flush(ctx, conn, sub)
			_ = conn.Close(websocket.StatusGoingAway, "project closed")
			return
		}
	}
}

// flush writes whatever is still buffered for a detached subscription.
func (l *Lifecycle) flush(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	for {
		select {
		case frame := <-sub.Frames():
			if err := l.write(ctx, conn, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (l *Lifecycle) write(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, frame)
}
