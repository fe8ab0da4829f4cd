package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"
)

func startRelayedHub(t *testing.T, ctx context.Context, addr string) (*Hub, *RedisRelay) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	relay, err := NewRedisRelay("redis://"+addr, "taskboard:test", logger)
	if err != nil {
		t.Fatalf("NewRedisRelay: %v", err)
	}
	t.Cleanup(func() { _ = relay.Close() })

	hub := NewHub(logger, 8)
	hub.SetRelay(ctx, relay)
	ready := make(chan struct{})
	go relay.Run(ctx, hub.Deliver, ready)
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay subscription not ready")
	}
	return hub, relay
}

func TestNewRedisRelayRejectsBadURL(t *testing.T) {
	if _, err := NewRedisRelay("://nope", "c", nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisRelayFansOutAcrossInstances(t *testing.T) {
	s := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubA, relayA := startRelayedHub(t, ctx, s.Addr())
	hubB, relayB := startRelayedHub(t, ctx, s.Addr())
	if relayA.InstanceID() == relayB.InstanceID() {
		t.Fatal("instances must have distinct ids")
	}

	onA := mustAttach(t, hubA, "a1", "p1")
	origin := mustAttach(t, hubA, "a2", "p1")
	onB := mustAttach(t, hubB, "b1", "p1")
	otherProject := mustAttach(t, hubB, "b2", "p2")

	hubA.Publish(TaskCreated(sampleTask("p1", "shared")), "a2")

	if frame := receive(t, onA); frame.Event != EventTaskCreated {
		t.Fatalf("local peer got %+v", frame)
	}
	if frame := receive(t, onB); frame.Event != EventTaskCreated || frame.ProjectID != "p1" {
		t.Fatalf("remote peer got %+v", frame)
	}

	// own messages come back through the subscription and must be ignored
	time.Sleep(100 * time.Millisecond)
	expectSilence(t, onA)
	expectSilence(t, origin)
	expectSilence(t, otherProject)
}

func TestRedisRelayClosesRemoteGroupsOnProjectDeletion(t *testing.T) {
	s := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubA, _ := startRelayedHub(t, ctx, s.Addr())
	hubB, _ := startRelayedHub(t, ctx, s.Addr())
	remote := mustAttach(t, hubB, "b1", "p1")

	hubA.Publish(ProjectDeleted("p1"), "")

	if frame := receive(t, remote); frame.Event != EventProjectDeleted {
		t.Fatalf("remote got %+v", frame)
	}
	select {
	case <-remote.Done():
	case <-time.After(time.Second):
		t.Fatal("remote subscription not detached")
	}
}

func TestRedisRelayIgnoresMalformedPayloads(t *testing.T) {
	s := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, _ := startRelayedHub(t, ctx, s.Addr())
	sub := mustAttach(t, hub, "c1", "p1")

	s.Publish("taskboard:test", "not json")
	s.Publish("taskboard:test", `{"instance":"elsewhere","event":{"kind":"created"}}`)
	s.Publish("taskboard:test", `{"instance":"elsewhere","event":{"kind":"deleted","projectId":"p1","taskId":"t1"}}`)

	frame := receive(t, sub)
	if frame.Event != EventTaskDeleted {
		t.Fatalf("got %+v, want the one well-formed event", frame)
	}
	expectSilence(t, sub)
}
