package app

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

const (
	testSecret = "test-secret"
	testIssuer = "taskboard-test"
)

// fakeStore wraps the memory store, counts writes and lets tests replace
// single operations.
type fakeStore struct {
	*store.MemoryStore

	mu     sync.Mutex
	writes int

	pingFn       func(context.Context) error
	createTaskFn func(context.Context, store.Task) (store.Task, error)
	updateTaskFn func(context.Context, string, string, store.TaskPatch) (store.Task, error)
	deleteTaskFn func(context.Context, string, string) error
}

func (f *fakeStore) recordWrite() {
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
}

func (f *fakeStore) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return f.MemoryStore.Ping(ctx)
}

func (f *fakeStore) CreateTask(ctx context.Context, task store.Task) (store.Task, error) {
	f.recordWrite()
	if f.createTaskFn != nil {
		return f.createTaskFn(ctx, task)
	}
	return f.MemoryStore.CreateTask(ctx, task)
}

func (f *fakeStore) UpdateTask(ctx context.Context, projectID, taskID string, patch store.TaskPatch) (store.Task, error) {
	f.recordWrite()
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, projectID, taskID, patch)
	}
	return f.MemoryStore.UpdateTask(ctx, projectID, taskID, patch)
}

func (f *fakeStore) DeleteTask(ctx context.Context, projectID, taskID string) error {
	f.recordWrite()
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, projectID, taskID)
	}
	return f.MemoryStore.DeleteTask(ctx, projectID, taskID)
}

type fixture struct {
	cfg      config.Config
	store    *fakeStore
	svc      *Service
	hook     *test.Hook
	logger   *log.Logger
	owner    store.User
	member   store.User
	outsider store.User
	project  store.Project
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      testSecret,
		JWTIssuer:      testIssuer,
		CORSOrigin:     "*",
		WSBuffer:       16,
		WSWriteTimeout: time.Second,
	}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithOptions(t, Options{})
}

func newFixtureWithOptions(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	owner := mustUser(t, mem, "owner@example.com")
	member := mustUser(t, mem, "member@example.com")
	outsider := mustUser(t, mem, "outsider@example.com")
	project, err := mem.CreateProject(ctx, "Board", owner.ID)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if project, err = mem.AddMember(ctx, project.ID, member.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	cfg := testConfig()
	fake := &fakeStore{MemoryStore: mem}
	return &fixture{
		cfg:      cfg,
		store:    fake,
		svc:      New(cfg, fake, nil, logger, opts),
		hook:     hook,
		logger:   logger,
		owner:    owner,
		member:   member,
		outsider: outsider,
		project:  project,
	}
}

func mustUser(t *testing.T, mem *store.MemoryStore, email string) store.User {
	t.Helper()
	user, err := mem.EnsureUserByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("ensure user %s: %v", email, err)
	}
	return user
}

func (f *fixture) join(t *testing.T, connectionID, userID string) *realtime.Subscription {
	t.Helper()
	sub, err := f.svc.Lifecycle().Join(context.Background(), connectionID, userID, f.project.ID)
	if err != nil {
		t.Fatalf("join %s: %v", connectionID, err)
	}
	t.Cleanup(func() { f.svc.Lifecycle().Leave(connectionID) })
	return sub
}

func (f *fixture) token(t *testing.T, user store.User) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.NewClaims(user.ID, user.Email, testIssuer, time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func expectFrame(t *testing.T, sub *realtime.Subscription, event string) realtime.Frame {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		if frame.Event != event {
			t.Fatalf("%s got %q frame, want %q", sub.ConnectionID, frame.Event, event)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatalf("%s: timed out waiting for %q", sub.ConnectionID, event)
	}
	return realtime.Frame{}
}

func expectNoFrame(t *testing.T, sub *realtime.Subscription) {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		t.Fatalf("%s got unexpected %q frame", sub.ConnectionID, frame.Event)
	default:
	}
}

func strPtr(value string) *string {
	return &value
}
