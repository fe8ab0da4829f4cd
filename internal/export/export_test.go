package export

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"taskboard/api/internal/store"
)

type exportFixture struct {
	mem     *store.MemoryStore
	owner   store.User
	member  store.User
	project store.Project
}

func newExportFixture(t *testing.T) exportFixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	owner, _ := mem.EnsureUserByEmail(ctx, "owner@example.com")
	member, _ := mem.EnsureUserByEmail(ctx, "member@example.com")
	project, _ := mem.CreateProject(ctx, "Launch <Plan>", owner.ID)
	project, _ = mem.AddMember(ctx, project.ID, member.ID)

	desc := "needs <b>review</b>"
	assignee := member.ID
	done := store.StatusDone
	first, _ := mem.CreateTask(ctx, store.Task{ProjectID: project.ID, Title: "Write copy", Description: &desc, AssigneeID: &assignee})
	_, _ = mem.CreateTask(ctx, store.Task{ProjectID: project.ID, Title: "Ship it"})
	_, _ = mem.UpdateTask(ctx, project.ID, first.ID, store.TaskPatch{Status: &done})
	return exportFixture{mem: mem, owner: owner, member: member, project: project}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{"": FormatJSON, "json": FormatJSON, "pdf": FormatPDF}
	for raw, want := range cases {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseFormat("docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestExportJSONContainsSnapshot(t *testing.T) {
	f := newExportFixture(t)
	svc := NewService(f.mem)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	result, err := svc.Export(context.Background(), Request{ProjectID: f.project.ID, Format: FormatJSON})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if result.Filename != "project-"+f.project.ID+".json" || result.MimeType != "application/json" {
		t.Fatalf("unexpected result meta: %s %s", result.Filename, result.MimeType)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(result.Data, &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.Project.ID != f.project.ID || snapshot.Owner.Email != "owner@example.com" {
		t.Fatalf("unexpected snapshot header: %+v", snapshot)
	}
	if len(snapshot.Members) != 1 || snapshot.Members[0].ID != f.member.ID {
		t.Fatalf("members = %+v", snapshot.Members)
	}
	if len(snapshot.Tasks) != 2 || !snapshot.ExportedAt.Equal(fixed) {
		t.Fatalf("tasks=%d exportedAt=%s", len(snapshot.Tasks), snapshot.ExportedAt)
	}
}

func TestExportMissingProject(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	_, err := svc.Export(context.Background(), Request{ProjectID: "missing", Format: FormatJSON})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	f := newExportFixture(t)
	svc := NewService(f.mem)
	var rendered string
	svc.renderPDF = func(_ context.Context, html, _ string) ([]byte, error) {
		rendered = html
		return []byte("%PDF-1.7"), nil
	}

	result, err := svc.Export(context.Background(), Request{ProjectID: f.project.ID, Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if result.MimeType != "application/pdf" || result.Filename != "Launch-Plan.pdf" {
		t.Fatalf("unexpected result meta: %s %s", result.Filename, result.MimeType)
	}
	if !strings.Contains(rendered, "Launch &lt;Plan&gt;") {
		t.Fatal("project name should be escaped in html")
	}
	if !strings.Contains(rendered, "needs &lt;b&gt;review&lt;/b&gt;") {
		t.Fatal("task description should be escaped in html")
	}
	if !strings.Contains(rendered, "member@example.com") {
		t.Fatal("assignee email missing from html")
	}
}

func TestExportPDFMissingChrome(t *testing.T) {
	f := newExportFixture(t)
	svc := NewService(f.mem)
	svc.renderPDF = func(context.Context, string, string) ([]byte, error) {
		return nil, ErrPDFDependencyMissing
	}
	_, err := svc.Export(context.Background(), Request{ProjectID: f.project.ID, Format: FormatPDF})
	if !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
}

func TestNewTemplateDataGroupsByStatus(t *testing.T) {
	f := newExportFixture(t)
	snapshot, err := NewService(f.mem).Snapshot(context.Background(), f.project.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	data := NewTemplateData(snapshot)
	if len(data.Columns) != 3 {
		t.Fatalf("columns = %d", len(data.Columns))
	}
	counts := map[string]int{}
	for _, column := range data.Columns {
		counts[column.Status] = len(column.Tasks)
	}
	if counts["todo"] != 1 || counts["done"] != 1 || counts["in-progress"] != 0 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"Q3 Roadmap!":           "Q3-Roadmap",
		"***":                   "project",
		strings.Repeat("a", 60): strings.Repeat("a", 50),
		"already-safe_name":     "already-safe_name",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
