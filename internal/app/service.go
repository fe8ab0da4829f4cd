package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/api/internal/config"
	"taskboard/api/internal/email"
	"taskboard/api/internal/export"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

const (
	maxProjectName   = 100
	maxTaskTitle     = 100
	maxTaskDesc      = 500
	userSearchLimit  = 10
	tracerName       = "taskboard/api/internal/app"
	attrProjectID    = attribute.Key("project.id")
	attrTaskID       = attribute.Key("task.id")
	attrUserID       = attribute.Key("user.id")
	attrErrorClass   = attribute.Key("error.class")
	attrRealtimeConn = attribute.Key("realtime.connection_id")
)

// DataStore is everything the service needs from persistence. Both
// store.PostgresStore and store.MemoryStore satisfy it.
type DataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	FindUserByEmail(ctx context.Context, email string) (store.User, error)
	EnsureUserByEmail(ctx context.Context, email string) (store.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]store.User, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	FindProjectsForUser(ctx context.Context, userID string) ([]store.Project, error)
	CreateProject(ctx context.Context, name, ownerID string) (store.Project, error)
	UpdateProjectName(ctx context.Context, projectID, name string) (store.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
	AddMember(ctx context.Context, projectID, userID string) (store.Project, error)
	RemoveMember(ctx context.Context, projectID, userID string) (store.Project, error)
	CreateTask(ctx context.Context, task store.Task) (store.Task, error)
	UpdateTask(ctx context.Context, projectID, taskID string, patch store.TaskPatch) (store.Task, error)
	DeleteTask(ctx context.Context, projectID, taskID string) error
	ListTasks(ctx context.Context, projectID string) ([]store.Task, error)
	ListAllTasks(ctx context.Context) ([]store.Task, error)
	SearchTasks(ctx context.Context, projectID, query string, limit int) ([]store.Task, error)
	CountTasksByStatus(ctx context.Context, projectID string) (store.StatusCounts, error)
}

// Options carries the optional collaborators. Zero values fall back to a
// store-only search, no email and the global tracer provider.
type Options struct {
	Search *search.Service
	Email  *email.Service
	Tracer trace.Tracer
}

type Service struct {
	cfg       config.Config
	store     DataStore
	gate      *rbac.Gate
	hub       *realtime.Hub
	lifecycle *realtime.Lifecycle
	search    *search.Service
	export    *export.Service
	email     *email.Service
	logger    *log.Logger
	tracer    trace.Tracer
}

func New(cfg config.Config, dataStore DataStore, hub *realtime.Hub, logger *log.Logger, opts Options) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if hub == nil {
		hub = realtime.NewHub(logger, cfg.WSBuffer)
	}
	gate := rbac.NewGate(rbac.NewOracle(dataStore))
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		gate:      gate,
		hub:       hub,
		lifecycle: realtime.NewLifecycle(hub, gate, logger, cfg.WSWriteTimeout),
		search:    opts.Search,
		export:    export.NewService(dataStore),
		email:     opts.Email,
		logger:    logger,
		tracer:    opts.Tracer,
	}
	if s.search == nil {
		s.search = search.NewService(nil, dataStore, logger)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s
}

func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

func (s *Service) Lifecycle() *realtime.Lifecycle {
	return s.lifecycle
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap makes sure the configured seed users exist and rebuilds the task
// search index from the store.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, raw := range s.cfg.SeedUsers {
		address, err := normalizeEmail(raw)
		if err != nil {
			return fmt.Errorf("seed user %q: %w", raw, err)
		}
		user, err := s.store.EnsureUserByEmail(ctx, address)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", address, err)
		}
		s.logger.WithFields(log.Fields{"user_id": user.ID, "email": user.Email}).Info("seed user ready")
	}
	if err := s.search.Reindex(ctx, s.store.ListAllTasks); err != nil {
		return fmt.Errorf("reindex tasks: %w", err)
	}
	return nil
}

// ProjectView is a project as returned to a caller, with the caller's level.
type ProjectView struct {
	store.Project
	Role  string       `json:"role"`
	Tasks []store.Task `json:"tasks,omitempty"`
}

func (s *Service) CreateProject(ctx context.Context, userID, name string) (ProjectView, error) {
	name, err := validateProjectName(name)
	if err != nil {
		return ProjectView{}, err
	}
	ctx, span := s.startSpan(ctx, "projects.create", attrUserID.String(userID))
	defer span.End()

	project, err := s.store.CreateProject(ctx, name, userID)
	if err != nil {
		return ProjectView{}, s.endSpan(span, err)
	}
	span.SetAttributes(attrProjectID.String(project.ID))
	s.logger.WithFields(log.Fields{"project_id": project.ID, "user_id": userID}).Info("project created")
	return ProjectView{Project: project, Role: rbac.LevelOwner.String()}, nil
}

func (s *Service) ListProjects(ctx context.Context, userID string) ([]ProjectView, error) {
	projects, err := s.store.FindProjectsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]ProjectView, 0, len(projects))
	for _, project := range projects {
		views = append(views, ProjectView{Project: project, Role: rbac.LevelOf(project, userID).String()})
	}
	return views, nil
}

func (s *Service) GetProject(ctx context.Context, userID, projectID string) (ProjectView, error) {
	level, err := s.gate.Authorize(ctx, userID, projectID, rbac.ActionRead)
	if err != nil {
		return ProjectView{}, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	return ProjectView{Project: project, Role: level.String(), Tasks: tasks}, nil
}

func (s *Service) RenameProject(ctx context.Context, userID, projectID, name string) (ProjectView, error) {
	name, err := validateProjectName(name)
	if err != nil {
		return ProjectView{}, err
	}
	ctx, span := s.startSpan(ctx, "projects.rename", attrProjectID.String(projectID), attrUserID.String(userID))
	defer span.End()

	if _, err := s.gate.Authorize(ctx, userID, projectID, rbac.ActionManage); err != nil {
		return ProjectView{}, s.endSpan(span, err)
	}
	project, err := s.store.UpdateProjectName(ctx, projectID, name)
	if err != nil {
		return ProjectView{}, s.endSpan(span, err)
	}
	return ProjectView{Project: project, Role: rbac.LevelOwner.String()}, nil
}

// DeleteProject removes the project and its tasks, then tells every open
// connection on the project and closes the group.
func (s *Service) DeleteProject(ctx context.Context, userID, projectID string) error {
	ctx, span := s.startSpan(ctx, "projects.delete", attrProjectID.String(projectID), attrUserID.String(userID))
	defer span.End()

	if _, err := s.gate.Authorize(ctx, userID, projectID, rbac.ActionManage); err != nil {
		return s.endSpan(span, err)
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return s.endSpan(span, err)
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return s.endSpan(span, err)
	}

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	s.search.DeleteTasks(ids...)
	s.hub.Publish(realtime.ProjectDeleted(projectID), "")
	s.logger.WithFields(log.Fields{"project_id": projectID, "user_id": userID, "tasks": len(ids)}).Info("project deleted")
	return nil
}

// InviteMember adds the user registered under address. Inviting the owner
// or an existing member changes nothing and still succeeds.
func (s *Service) InviteMember(ctx context.Context, userID, projectID, address string) (ProjectView, error) {
	address, err := normalizeEmail(address)
	if err != nil {
		return ProjectView{}, err
	}
	ctx, span := s.startSpan(ctx, "projects.invite", attrProjectID.String(projectID), attrUserID.String(userID))
	defer span.End()

	if _, err := s.gate.Authorize(ctx, userID, projectID, rbac.ActionManage); err != nil {
		return ProjectView{}, s.endSpan(span, err)
	}
	invitee, err := s.store.FindUserByEmail(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return ProjectView{}, s.endSpan(span, domainError(http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil))
	}
	if err != nil {
		return ProjectView{}, s.endSpan(span, err)
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return ProjectView{}, s.endSpan(span, err)
	}
	if project.OwnerID == invitee.ID || project.HasMember(invitee.ID) {
		return ProjectView{Project: project, Role: rbac.LevelOwner.String()}, nil
	}

	project, err = s.store.AddMember(ctx, projectID, invitee.ID)
	if err != nil {
		return ProjectView{}, s.endSpan(span, err)
	}
	s.logger.WithFields(log.Fields{"project_id": projectID, "member_id": invitee.ID}).Info("member invited")

	if inviter, err := s.store.GetUserByID(ctx, userID); err == nil {
		s.email.NotifyInvite(invitee.Email, project.Name, inviter.Email)
	}
	return ProjectView{Project: project, Role: rbac.LevelOwner.String()}, nil
}

// RemoveMember revokes membership. Open realtime connections of the removed
// user stay joined until they disconnect.
func (s *Service) RemoveMember(ctx context.Context, userID, projectID, memberID string) (ProjectView, error) {
	ctx, span := s.startSpan(ctx, "projects.remove_member", attrProjectID.String(projectID), attrUserID.String(userID))
	defer span.End()

	if _, err := s.gate.Authorize(ctx, userID, projectID, rbac.ActionManage); err != nil {
		return ProjectView{}, s.endSpan(span, err)
	}
	project, err := s.store.RemoveMember(ctx, projectID, memberID)
	if err != nil {
		return ProjectView{}, s.endSpan(span, err)
	}
	s.logger.WithFields(log.Fields{"project_id": projectID, "member_id": memberID}).Info("member removed")
	return ProjectView{Project: project, Role: rbac.LevelOwner.String()}, nil
}

func (s *Service) Analytics(ctx context.Context, userID, projectID string) (store.StatusCounts, error) {
	if _, err := s.gate.Authorize(ctx, userID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.CountTasksByStatus(ctx, projectID)
}

func (s *Service) ExportProject(ctx context.Context, userID, projectID, format string) (*export.Result, error) {
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, validationError("format", "format must be json or pdf")
	}
	if _, err := s.gate.Authorize(ctx, userID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	result, err := s.export.Export(ctx, export.Request{ProjectID: projectID, Format: parsed})
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusNotImplemented, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
	}
	return result, err
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]store.User, error) {
	if strings.TrimSpace(query) == "" {
		return nil, validationError("query", "Search query is required")
	}
	return s.search.SearchUsers(ctx, query, userSearchLimit)
}

func (s *Service) ListTasks(ctx context.Context, userID, projectID string) ([]store.Task, error) {
	if _, err := s.gate.Authorize(ctx, userID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, projectID)
}

func (s *Service) SearchTasks(ctx context.Context, userID, projectID, query string, limit int) ([]store.Task, error) {
	if _, err := s.gate.Authorize(ctx, userID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.search.SearchTasks(ctx, projectID, query, limit)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and returns it unchanged.
func (s *Service) endSpan(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.SetAttributes(attrErrorClass.String(errorClass(err)))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func errorClass(err error) string {
	var domainErr *DomainError
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, store.ErrUnknownUser):
		return "validation"
	case errors.Is(err, rbac.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.As(err, &domainErr):
		return strings.ToLower(domainErr.Code)
	default:
		return "internal"
	}
}

func validateProjectName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxProjectName {
		return "", validationError("name", "Project name is required and must be <= 100 characters")
	}
	return name, nil
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := mail.ParseAddress(raw)
	if err != nil || parsed.Address != raw {
		return "", validationError("email", "Invalid email")
	}
	return strings.ToLower(parsed.Address), nil
}
