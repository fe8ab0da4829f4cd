package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskboard/api/internal/store"
)

type DataStore interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListTasks(ctx context.Context, projectID string) ([]store.Task, error)
}

type pdfRenderer func(ctx context.Context, html, title string) ([]byte, error)

// Service assembles project snapshots. Callers are expected to have checked
// read access already.
type Service struct {
	store     DataStore
	renderPDF pdfRenderer
	now       func() time.Time
}

func NewService(store DataStore) *Service {
	return &Service{
		store:     store,
		renderPDF: printPDF,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Snapshot(ctx context.Context, projectID string) (Snapshot, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	owner, err := s.store.GetUserByID(ctx, project.OwnerID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get owner: %w", err)
	}

	members := make([]store.User, 0, len(project.Members))
	for _, memberID := range project.Members {
		member, err := s.store.GetUserByID(ctx, memberID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("get member: %w", err)
		}
		members = append(members, member)
	}

	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list tasks: %w", err)
	}

	return Snapshot{
		Project:    project,
		Owner:      owner,
		Members:    members,
		Tasks:      tasks,
		ExportedAt: s.now(),
	}, nil
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	snapshot, err := s.Snapshot(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	switch req.Format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		return &Result{
			Data:     data,
			Filename: "project-" + snapshot.Project.ID + ".json",
			MimeType: "application/json",
		}, nil
	case FormatPDF:
		html, err := RenderProjectHTML(NewTemplateData(snapshot))
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		data, err := s.renderPDF(ctx, html, snapshot.Project.Name)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: sanitizeFilename(snapshot.Project.Name) + ".pdf",
			MimeType: "application/pdf",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
