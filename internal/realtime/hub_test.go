package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/api/internal/store"
)

func newTestHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return NewHub(logger, buffer)
}

func mustAttach(t *testing.T, h *Hub, connectionID, projectID string) *Subscription {
	t.Helper()
	sub, err := h.attach(connectionID, "user-"+connectionID, projectID)
	if err != nil {
		t.Fatalf("attach %s: %v", connectionID, err)
	}
	return sub
}

func receive(t *testing.T, sub *Subscription) Frame {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		return frame
	case <-time.After(time.Second):
		t.Fatalf("no frame for %s", sub.ConnectionID)
		return Frame{}
	}
}

func expectSilence(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		t.Fatalf("unexpected frame for %s: %+v", sub.ConnectionID, frame)
	default:
	}
}

func sampleTask(projectID, title string) store.Task {
	return store.Task{ID: "t-" + title, ProjectID: projectID, Title: title, Status: store.StatusTodo}
}

func TestPublishOnlyReachesConnectionsJoinedAtPublishTime(t *testing.T) {
	h := newTestHub(t, 8)
	early := mustAttach(t, h, "c1", "p1")

	h.Publish(TaskCreated(sampleTask("p1", "before")), "")
	late := mustAttach(t, h, "c2", "p1")

	frame := receive(t, early)
	if frame.Event != EventTaskCreated || frame.ProjectID != "p1" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	expectSilence(t, late)

	h.Publish(TaskUpdated(sampleTask("p1", "after")), "")
	if got := receive(t, early); got.Event != EventTaskUpdated {
		t.Fatalf("early got %+v", got)
	}
	if got := receive(t, late); got.Event != EventTaskUpdated {
		t.Fatalf("late got %+v", got)
	}

	h.detach("c2")
	h.Publish(TaskDeleted("p1", "t-after"), "")
	deleted := receive(t, early)
	data, ok := deleted.Data.(TaskIDData)
	if deleted.Event != EventTaskDeleted || !ok || data.TaskID != "t-after" {
		t.Fatalf("unexpected delete frame: %+v", deleted)
	}
	expectSilence(t, late)
	select {
	case <-late.Done():
	default:
		t.Fatal("detached subscription should report done")
	}
}

func TestPublishIsScopedToProject(t *testing.T) {
	h := newTestHub(t, 8)
	mine := mustAttach(t, h, "c1", "p1")
	other := mustAttach(t, h, "c2", "p2")

	h.Publish(TaskCreated(sampleTask("p1", "scoped")), "")
	receive(t, mine)
	expectSilence(t, other)
}

func TestPublishSkipsOriginConnection(t *testing.T) {
	h := newTestHub(t, 8)
	origin := mustAttach(t, h, "c1", "p1")
	peer := mustAttach(t, h, "c2", "p1")

	h.Publish(TaskCreated(sampleTask("p1", "mine")), "c1")
	expectSilence(t, origin)
	if frame := receive(t, peer); frame.Event != EventTaskCreated {
		t.Fatalf("peer got %+v", frame)
	}
}

func TestFullBufferDropsFrames(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := NewHub(logger, 1)
	slow := mustAttach(t, h, "slow", "p1")
	fast := mustAttach(t, h, "fast", "p1")

	h.Publish(TaskCreated(sampleTask("p1", "one")), "")
	receive(t, fast)
	h.Publish(TaskCreated(sampleTask("p1", "two")), "")
	receive(t, fast)

	if got := slow.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	if frame := receive(t, slow); frame.Data.(TaskData).Task.Title != "one" {
		t.Fatalf("slow kept %+v, want first frame", frame)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "realtime buffer full, frame dropped" {
		t.Fatalf("expected drop to be logged, got %+v", entry)
	}
}

func TestJoinTwiceWithSameConnectionFails(t *testing.T) {
	h := newTestHub(t, 8)
	mustAttach(t, h, "c1", "p1")
	if _, err := h.attach("c1", "u", "p2"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
	if got := h.Connections("p2"); got != 0 {
		t.Fatalf("p2 connections = %d, want 0", got)
	}
}

func TestDetachIsIdempotentAndRemovesEmptyGroups(t *testing.T) {
	h := newTestHub(t, 8)
	mustAttach(t, h, "c1", "p1")
	if !h.detach("c1") {
		t.Fatal("first detach should report a removal")
	}
	if h.detach("c1") {
		t.Fatal("second detach should be a no-op")
	}
	if projects, conns := h.Stats(); projects != 0 || conns != 0 {
		t.Fatalf("stats = %d projects, %d conns", projects, conns)
	}
}

func TestProjectDeletedClosesGroup(t *testing.T) {
	h := newTestHub(t, 8)
	a := mustAttach(t, h, "c1", "p1")
	b := mustAttach(t, h, "c2", "p1")
	other := mustAttach(t, h, "c3", "p2")

	h.Publish(ProjectDeleted("p1"), "")

	for _, sub := range []*Subscription{a, b} {
		if frame := receive(t, sub); frame.Event != EventProjectDeleted {
			t.Fatalf("%s got %+v", sub.ConnectionID, frame)
		}
		select {
		case <-sub.Done():
		default:
			t.Fatalf("%s not detached", sub.ConnectionID)
		}
	}
	expectSilence(t, other)
	if got := h.Connections("p1"); got != 0 {
		t.Fatalf("p1 connections = %d", got)
	}
	if _, conns := h.Stats(); conns != 1 {
		t.Fatalf("conns = %d, want 1", conns)
	}

	// the connection id is free again once detached, but not for p1
	if _, err := h.attach("c1", "u", "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("attach to deleted project err = %v, want ErrNotFound", err)
	}
	if _, err := h.attach("c1", "u", "p2"); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
}

func TestDeletionWithoutGroupStillRefusesJoins(t *testing.T) {
	h := newTestHub(t, 8)
	h.Publish(ProjectDeleted("p1"), "")

	if _, err := h.attach("c1", "u", "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("attach err = %v, want ErrNotFound", err)
	}
	if projects, conns := h.Stats(); projects != 0 || conns != 0 {
		t.Fatalf("stats = %d projects, %d conns", projects, conns)
	}
}

type recordingRelay struct {
	mu     sync.Mutex
	events []MutationEvent
	err    error
}

func (r *recordingRelay) Forward(_ context.Context, event MutationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingRelay) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		if event.Task != nil {
			out = append(out, event.Task.Title)
		}
	}
	return out
}

func TestPublishForwardsToRelayButDeliverDoesNot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newTestHub(t, 8)
	relay := &recordingRelay{}
	h.SetRelay(ctx, relay)
	sub := mustAttach(t, h, "c1", "p1")

	h.Publish(TaskCreated(sampleTask("p1", "local")), "")
	h.Deliver(TaskCreated(sampleTask("p1", "remote")))

	receive(t, sub)
	receive(t, sub)
	waitFor(t, func() bool { return len(relay.titles()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if titles := relay.titles(); len(titles) != 1 || titles[0] != "local" {
		t.Fatalf("relay events = %v", titles)
	}
}

// blockingRelay holds every Forward until release is closed.
type blockingRelay struct {
	recordingRelay
	release chan struct{}
}

func (r *blockingRelay) Forward(ctx context.Context, event MutationEvent) error {
	select {
	case <-r.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.recordingRelay.Forward(ctx, event)
}

func TestSlowRelayDoesNotDelayPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newTestHub(t, 8)
	relay := &blockingRelay{release: make(chan struct{})}
	h.SetRelay(ctx, relay)
	sub := mustAttach(t, h, "c1", "p1")

	start := time.Now()
	for _, title := range []string{"a", "b", "c"} {
		h.Publish(TaskCreated(sampleTask("p1", title)), "")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("Publish blocked on the relay for %s", elapsed)
	}
	for range 3 {
		receive(t, sub)
	}

	close(relay.release)
	waitFor(t, func() bool { return len(relay.titles()) == 3 })
	if got := fmt.Sprint(relay.titles()); got != "[a b c]" {
		t.Fatalf("forward order = %s", got)
	}
}

func TestConcurrentJoinPublishLeave(t *testing.T) {
	h := newTestHub(t, 4)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			project := fmt.Sprintf("p%d", i%3)
			for round := 0; round < 50; round++ {
				sub, err := h.attach(id, "u", project)
				if err != nil {
					t.Errorf("attach %s: %v", id, err)
					return
				}
				h.Publish(TaskCreated(sampleTask(project, id)), id)
				for drained := false; !drained; {
					select {
					case <-sub.Frames():
					default:
						drained = true
					}
				}
				h.detach(id)
			}
		}(i)
	}
	wg.Wait()

	if projects, conns := h.Stats(); projects != 0 || conns != 0 {
		t.Fatalf("stats after churn = %d projects, %d conns", projects, conns)
	}
}
