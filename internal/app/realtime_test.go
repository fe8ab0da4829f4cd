package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

type liveServer struct {
	*httptest.Server
	t *testing.T
}

func newLiveServer(t *testing.T, f *fixture) *liveServer {
	t.Helper()
	srv := httptest.NewServer(NewHTTPServer(f.svc, f.cfg, f.logger).Handler())
	t.Cleanup(srv.Close)
	return &liveServer{Server: srv, t: t}
}

func (s *liveServer) request(method, path, token, body string) (*http.Response, []byte) {
	s.t.Helper()
	req, err := http.NewRequest(method, s.URL+path, bytes.NewBufferString(body))
	if err != nil {
		s.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.Client().Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (s *liveServer) dial(ctx context.Context, projectID, token string) (*websocket.Conn, *http.Response, error) {
	values := url.Values{"projectId": {projectID}}
	if token != "" {
		values.Set("token", token)
	}
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/realtime?" + values.Encode()
	return websocket.Dial(ctx, wsURL, nil)
}

type wireFrame struct {
	Event     string          `json:"event"`
	ProjectID string          `json:"projectId"`
	ID        string          `json:"id"`
	Code      string          `json:"code"`
	Data      json.RawMessage `json:"data"`
}

func (w wireFrame) task(t *testing.T) store.Task {
	t.Helper()
	var data struct {
		Task store.Task `json:"task"`
	}
	if err := json.Unmarshal(w.Data, &data); err != nil {
		t.Fatalf("decode task data: %v", err)
	}
	return data.Task
}

func readWire(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) wireFrame {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var frame wireFrame
	if err := wsjson.Read(readCtx, conn, &frame); err != nil {
		t.Fatalf("read %s: %v", want, err)
	}
	if frame.Event != want {
		t.Fatalf("got %q frame (%s), want %q", frame.Event, frame.Code, want)
	}
	return frame
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// Owner A creates P and invites B. Both watch P; B creates a task, A marks
// it done, A deletes P. B can no longer list P's tasks.
func TestBoardScenario(t *testing.T) {
	f := newFixture(t)
	srv := newLiveServer(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := mustUser(t, f.store.MemoryStore, "alice@example.com")
	bob := mustUser(t, f.store.MemoryStore, "bob@example.com")
	aliceToken, bobToken := f.token(t, alice), f.token(t, bob)

	resp, body := srv.request(http.MethodPost, "/api/projects", aliceToken, `{"name":"Launch"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", resp.StatusCode, body)
	}
	var project ProjectView
	if err := json.Unmarshal(body, &project); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	resp, body = srv.request(http.MethodPost, "/api/projects/"+project.ID+"/invite", aliceToken, `{"email":"bob@example.com"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invite: %d %s", resp.StatusCode, body)
	}

	aliceConn, _, err := srv.dial(ctx, project.ID, aliceToken)
	if err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	defer aliceConn.Close(websocket.StatusNormalClosure, "")
	bobConn, _, err := srv.dial(ctx, project.ID, bobToken)
	if err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	defer bobConn.Close(websocket.StatusNormalClosure, "")
	readWire(t, ctx, aliceConn, realtime.EventReady)
	readWire(t, ctx, bobConn, realtime.EventReady)

	resp, body = srv.request(http.MethodPost, "/api/tasks/"+project.ID, bobToken, `{"title":"Fix bug","status":"todo"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, body)
	}
	var task store.Task
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		got := readWire(t, ctx, conn, realtime.EventTaskCreated).task(t)
		if got.ID != task.ID || got.Title != "Fix bug" || got.Status != store.StatusTodo {
			t.Fatalf("taskCreated carried %+v", got)
		}
	}

	resp, body = srv.request(http.MethodPut, "/api/tasks/"+project.ID+"/"+task.ID, aliceToken, `{"status":"done"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update task: %d %s", resp.StatusCode, body)
	}
	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		if got := readWire(t, ctx, conn, realtime.EventTaskUpdated).task(t); got.Status != store.StatusDone {
			t.Fatalf("taskUpdated status = %s", got.Status)
		}
	}

	resp, body = srv.request(http.MethodDelete, "/api/projects/"+project.ID, aliceToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete project: %d %s", resp.StatusCode, body)
	}
	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		readWire(t, ctx, conn, realtime.EventProjectDeleted)
		var frame wireFrame
		err := wsjson.Read(ctx, conn, &frame)
		if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
			t.Fatalf("close status = %v (err %v), want going away", status, err)
		}
	}

	resp, body = srv.request(http.MethodGet, "/api/tasks/"+project.ID, bobToken, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("list after delete: %d %s", resp.StatusCode, body)
	}
}

func TestRealtimeCommandsOverSocket(t *testing.T) {
	f := newFixture(t)
	srv := newLiveServer(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ownerConn, _, err := srv.dial(ctx, f.project.ID, f.token(t, f.owner))
	if err != nil {
		t.Fatalf("owner dial: %v", err)
	}
	defer ownerConn.Close(websocket.StatusNormalClosure, "")
	memberConn, _, err := srv.dial(ctx, f.project.ID, f.token(t, f.member))
	if err != nil {
		t.Fatalf("member dial: %v", err)
	}
	defer memberConn.Close(websocket.StatusNormalClosure, "")
	readWire(t, ctx, ownerConn, realtime.EventReady)
	readWire(t, ctx, memberConn, realtime.EventReady)

	cmd := map[string]any{"id": "c1", "op": realtime.OpCreateTask, "data": map[string]any{"title": "From socket"}}
	if err := wsjson.Write(ctx, memberConn, cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := readWire(t, ctx, memberConn, realtime.EventAck)
	created := readWire(t, ctx, ownerConn, realtime.EventTaskCreated).task(t)
	if ack.ID != "c1" || ack.task(t).ID != created.ID {
		t.Fatalf("ack %+v does not match broadcast %s", ack, created.ID)
	}

	// a forged event frame is rejected and never relayed
	if err := memberConn.Write(ctx, websocket.MessageText, []byte(`{"event":"taskCreated","data":{"task":{"title":"forged"}}}`)); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	if frame := readWire(t, ctx, memberConn, realtime.EventError); frame.Code != "INVALID_FRAME" {
		t.Fatalf("code = %s", frame.Code)
	}

	cmd = map[string]any{"id": "c2", "op": realtime.OpUpdateTask, "taskId": created.ID, "data": map[string]any{"status": "in-progress"}}
	if err := wsjson.Write(ctx, memberConn, cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
	readWire(t, ctx, memberConn, realtime.EventAck)
	if got := readWire(t, ctx, ownerConn, realtime.EventTaskUpdated).task(t); got.Status != store.StatusInProgress {
		t.Fatalf("owner saw status %s", got.Status)
	}

	_ = memberConn.Close(websocket.StatusNormalClosure, "bye")
	waitUntil(t, func() bool { return f.svc.Hub().Connections(f.project.ID) == 1 })
}

func TestRealtimeJoinRejectedBeforeUpgrade(t *testing.T) {
	f := newFixture(t)
	srv := newLiveServer(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name      string
		projectID string
		token     string
		status    int
	}{
		{name: "no token", projectID: f.project.ID, token: "", status: http.StatusUnauthorized},
		{name: "bad token", projectID: f.project.ID, token: "not-a-jwt", status: http.StatusUnauthorized},
		{name: "outsider", projectID: f.project.ID, token: f.token(t, f.outsider), status: http.StatusForbidden},
		{name: "missing project", projectID: "00000000-0000-4000-8000-0000000000aa", token: f.token(t, f.owner), status: http.StatusNotFound},
		{name: "no project", projectID: "", token: f.token(t, f.owner), status: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := srv.dial(ctx, tt.projectID, tt.token)
			if err == nil {
				t.Fatal("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("response = %+v, want %d", resp, tt.status)
			}
		})
	}
	if projects, conns := f.svc.Hub().Stats(); projects != 0 || conns != 0 {
		t.Fatalf("rejected joins registered %d projects, %d conns", projects, conns)
	}
}
