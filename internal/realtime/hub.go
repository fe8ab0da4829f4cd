package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/store"
)

var ErrAlreadyJoined = errors.New("connection already joined")

const (
	DefaultBuffer  = 64
	forwardQueue   = 256
	forwardTimeout = 2 * time.Second
)

// Relay carries locally published events to other instances.
type Relay interface {
	Forward(ctx context.Context, event MutationEvent) error
}

// Subscription is one joined connection. Frames are buffered up to the hub's
// buffer size; Done is closed once the hub has detached it.
type Subscription struct {
	ConnectionID string
	ProjectID    string
	UserID       string

	frames   chan Frame
	done     chan struct{}
	detached sync.Once
	dropped  atomic.Int64
}

func (s *Subscription) Frames() <-chan Frame {
	return s.frames
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped counts frames discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) detach() {
	s.detached.Do(func() { close(s.done) })
}

type group struct {
	mu      sync.Mutex
	members map[string]*Subscription
	closed  bool
}

// Hub fans mutation events out to the connections joined to each project.
// h.mu guards the group map and connection index only; delivery holds the
// group's own lock. Lock order is always h.mu before group.mu.
type Hub struct {
	logger *log.Logger
	buffer int

	mu     sync.Mutex
	groups map[string]*group
	conns  map[string]*Subscription
	// projects deleted while this process ran; joins to them are refused
	deleted map[string]struct{}

	relay   Relay
	forward chan MutationEvent
}

func NewHub(logger *log.Logger, buffer int) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		logger:  logger,
		buffer:  buffer,
		groups:  make(map[string]*group),
		conns:   make(map[string]*Subscription),
		deleted: make(map[string]struct{}),
	}
}

// SetRelay must be called before the hub serves traffic. Events are handed to
// the relay in publish order by one goroutine that stops with ctx.
func (h *Hub) SetRelay(ctx context.Context, relay Relay) {
	h.relay = relay
	h.forward = make(chan MutationEvent, forwardQueue)
	go h.forwardLoop(ctx)
}

func (h *Hub) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.forward:
			fctx, cancel := context.WithTimeout(ctx, forwardTimeout)
			err := h.relay.Forward(fctx, event)
			cancel()
			if err != nil {
				h.logger.WithError(err).WithFields(log.Fields{
					"project_id": event.ProjectID,
					"kind":       event.Kind,
				}).Warn("realtime relay forward failed")
			}
		}
	}
}

func (h *Hub) attach(connectionID, userID, projectID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.conns[connectionID]; exists {
		return nil, ErrAlreadyJoined
	}
	if _, gone := h.deleted[projectID]; gone {
		return nil, store.ErrNotFound
	}
	g, ok := h.groups[projectID]
	if !ok {
		g = &group{members: make(map[string]*Subscription)}
		h.groups[projectID] = g
	}

	sub := &Subscription{
		ConnectionID: connectionID,
		ProjectID:    projectID,
		UserID:       userID,
		frames:       make(chan Frame, h.buffer),
		done:         make(chan struct{}),
	}
	g.mu.Lock()
	g.members[connectionID] = sub
	g.mu.Unlock()
	h.conns[connectionID] = sub
	return sub, nil
}

func (h *Hub) detach(connectionID string) bool {
	h.mu.Lock()
	sub, ok := h.conns[connectionID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, connectionID)
	if g, ok := h.groups[sub.ProjectID]; ok {
		g.mu.Lock()
		delete(g.members, connectionID)
		if len(g.members) == 0 {
			g.closed = true
			delete(h.groups, sub.ProjectID)
		}
		g.mu.Unlock()
	}
	h.mu.Unlock()

	sub.detach()
	return true
}

// Publish delivers event to every local connection in the project's group
// except origin, then queues it for the relay when one is configured.
// Neither step blocks: a connection with a full buffer loses the frame, and
// so does the relay when its queue is full.
func (h *Hub) Publish(event MutationEvent, origin string) {
	h.deliver(event, origin)
	if h.relay == nil {
		return
	}
	select {
	case h.forward <- event:
	default:
		h.logger.WithFields(log.Fields{
			"project_id": event.ProjectID,
			"kind":       event.Kind,
		}).Warn("realtime relay queue full, event dropped")
	}
}

// Deliver fans an event out locally without forwarding it. The relay uses it
// for events published on other instances.
func (h *Hub) Deliver(event MutationEvent) {
	h.deliver(event, "")
}

func (h *Hub) deliver(event MutationEvent, origin string) {
	h.mu.Lock()
	g, ok := h.groups[event.ProjectID]
	h.mu.Unlock()
	if ok {
		frame := event.Frame()
		g.mu.Lock()
		if !g.closed {
			for id, sub := range g.members {
				if id == origin {
					continue
				}
				select {
				case sub.frames <- frame:
				default:
					sub.dropped.Add(1)
					h.logger.WithFields(log.Fields{
						"connection_id": id,
						"project_id":    event.ProjectID,
						"event":         frame.Event,
					}).Warn("realtime buffer full, frame dropped")
				}
			}
		}
		g.mu.Unlock()
	}

	if event.Kind == KindProjectDeleted {
		h.closeProject(event.ProjectID)
	}
}

// closeProject detaches every connection of a project and refuses later
// joins to it. Frames already queued, including projectDeleted, stay readable
// from the subscription.
func (h *Hub) closeProject(projectID string) {
	h.mu.Lock()
	h.deleted[projectID] = struct{}{}
	g, ok := h.groups[projectID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.groups, projectID)
	g.mu.Lock()
	g.closed = true
	subs := make([]*Subscription, 0, len(g.members))
	for id, sub := range g.members {
		delete(h.conns, id)
		subs = append(subs, sub)
	}
	g.members = make(map[string]*Subscription)
	g.mu.Unlock()
	h.mu.Unlock()

	for _, sub := range subs {
		sub.detach()
	}
	h.logger.WithFields(log.Fields{"project_id": projectID, "connections": len(subs)}).Info("realtime group closed")
}

func (h *Hub) Connections(projectID string) int {
	h.mu.Lock()
	g, ok := h.groups[projectID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

func (h *Hub) Stats() (projects, connections int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups), len(h.conns)
}
