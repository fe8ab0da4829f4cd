package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgForeignKeyViolation = "23503"
	pgInvalidTextRepr     = "22P02"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// translate maps driver errors onto the package sentinels. Malformed ids can
// never match a row, so they read as not found.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgInvalidTextRepr:
			return ErrNotFound
		case pgForeignKeyViolation:
			if strings.Contains(pgErr.ConstraintName, "project_id") {
				return ErrNotFound
			}
			return ErrUnknownUser
		}
	}
	return err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, created_at FROM users WHERE id=$1`, userID).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, translate(err)
	}
	return user, nil
}

func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, created_at FROM users WHERE email=$1`, email).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, translate(err)
	}
	return user, nil
}

func (s *PostgresStore) EnsureUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email)
		VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email=EXCLUDED.email
		RETURNING id, email, created_at
	`, email).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, created_at
		FROM users
		WHERE email ILIKE '%' || $1 || '%' ESCAPE '\'
		ORDER BY email
		LIMIT $2
	`, escapeLike(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	return items, rows.Err()
}

const projectColumns = `
	p.id, p.name, p.owner_id, p.created_at, p.updated_at,
	(SELECT string_agg(pm.user_id::text, ',' ORDER BY pm.added_at, pm.user_id)
		FROM project_members pm WHERE pm.project_id = p.id)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var (
		item    Project
		members sql.NullString
	)
	if err := row.Scan(&item.ID, &item.Name, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt, &members); err != nil {
		return Project{}, err
	}
	item.Members = splitMembers(members.String)
	return item, nil
}

func splitMembers(raw string) []string {
	if raw == "" {
		return []string{}
	}
	return strings.Split(raw, ",")
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	item, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id=$1`, projectID))
	if err != nil {
		return Project{}, translate(err)
	}
	return item, nil
}

func (s *PostgresStore) FindProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		WHERE p.owner_id = $1
			OR EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = $1)
		ORDER BY p.created_at DESC, p.id
	`, userID)
	if err != nil {
		if translate(err) == ErrNotFound {
			return []Project{}, nil
		}
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateProject(ctx context.Context, name, ownerID string) (Project, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (name, owner_id)
		VALUES ($1, $2)
		RETURNING id
	`, name, ownerID).Scan(&id)
	if err != nil {
		if errors.Is(translate(err), ErrUnknownUser) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProject(ctx, id)
}

func (s *PostgresStore) UpdateProjectName(ctx context.Context, projectID, name string) (Project, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE projects SET name=$2, updated_at=NOW() WHERE id=$1`, projectID, name)
	if err := affectedOne(result, err); err != nil {
		return Project{}, fmt.Errorf("update project: %w", err)
	}
	return s.GetProject(ctx, projectID)
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err := affectedOne(result, err); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddMember(ctx context.Context, projectID, userID string) (Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin add member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, userID)
	if err != nil {
		return Project{}, fmt.Errorf("add member: %w", translate(err))
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at=NOW() WHERE id=$1`, projectID); err != nil {
			return Project{}, fmt.Errorf("touch project: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit add member: %w", err)
	}
	return s.GetProject(ctx, projectID)
}

func (s *PostgresStore) RemoveMember(ctx context.Context, projectID, userID string) (Project, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=$1 AND user_id=$2`, projectID, userID)
	if err := affectedOne(result, err); err != nil {
		return Project{}, fmt.Errorf("remove member: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at=NOW() WHERE id=$1`, projectID); err != nil {
		return Project{}, fmt.Errorf("touch project: %w", err)
	}
	return s.GetProject(ctx, projectID)
}

const taskColumns = `id, project_id, title, description, status, assignee_id, created_at, updated_at`

func scanTask(row rowScanner) (Task, error) {
	var (
		item        Task
		description sql.NullString
		assignee    sql.NullString
	)
	if err := row.Scan(&item.ID, &item.ProjectID, &item.Title, &description, &item.Status, &assignee, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Task{}, err
	}
	if description.Valid {
		item.Description = &description.String
	}
	if assignee.Valid {
		item.AssigneeID = &assignee.String
	}
	return item, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	status := task.Status
	if status == "" {
		status = StatusTodo
	}
	item, err := scanTask(s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (project_id, title, description, status, assignee_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+taskColumns,
		task.ProjectID, task.Title, nullable(task.Description), string(status), nullable(task.AssigneeID),
	))
	if err != nil {
		if translated := translate(err); translated == ErrNotFound || translated == ErrUnknownUser {
			return Task{}, translated
		}
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return item, nil
}

// UpdateTask only matches a task inside projectID; a task id from another
// project reports ErrNotFound.
func (s *PostgresStore) UpdateTask(ctx context.Context, projectID, taskID string, patch TaskPatch) (Task, error) {
	sets := []string{"updated_at=NOW()"}
	args := []any{projectID, taskID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", nullable(patch.Description))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.AssigneeID != nil {
		add("assignee_id", nullable(patch.AssigneeID))
	}

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + `
		WHERE project_id=$1 AND id=$2
		RETURNING ` + taskColumns
	item, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if translated := translate(err); translated == ErrNotFound || translated == ErrUnknownUser {
			return Task{}, translated
		}
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, projectID, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE project_id=$1 AND id=$2`, projectID, taskID)
	if err := affectedOne(result, err); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=$1 ORDER BY created_at, id`, projectID)
	if err != nil {
		if translate(err) == ErrNotFound {
			return []Task{}, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) ListAllTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY project_id, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) SearchTasks(ctx context.Context, projectID, query string, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id=$1
			AND (title ILIKE '%' || $2 || '%' ESCAPE '\' OR description ILIKE '%' || $2 || '%' ESCAPE '\')
		ORDER BY updated_at DESC
		LIMIT $3
	`, projectID, escapeLike(query), limit)
	if err != nil {
		if translate(err) == ErrNotFound {
			return []Task{}, nil
		}
		return nil, fmt.Errorf("search tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountTasksByStatus(ctx context.Context, projectID string) (StatusCounts, error) {
	counts := newStatusCounts()
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=$1 GROUP BY status`, projectID)
	if err != nil {
		if translate(err) == ErrNotFound {
			return counts, nil
		}
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

func affectedOne(result sql.Result, err error) error {
	if err != nil {
		return translate(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// nullable stores empty optional text as NULL.
func nullable(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
