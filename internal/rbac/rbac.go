package rbac

import (
	"context"
	"errors"
	"fmt"

	"taskboard/api/internal/store"
)

// ErrUnauthorized means the caller's level on an existing project is below
// what the operation needs.
var ErrUnauthorized = errors.New("unauthorized")

type Level int

const (
	LevelNone Level = iota
	LevelMember
	LevelOwner
)

func (l Level) String() string {
	switch l {
	case LevelOwner:
		return "owner"
	case LevelMember:
		return "member"
	default:
		return "none"
	}
}

type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

// MinLevel is the level an action needs. Reading and task writes are open to
// members; renaming, deleting and membership changes are owner-only.
func MinLevel(action Action) Level {
	switch action {
	case ActionRead, ActionWrite:
		return LevelMember
	default:
		return LevelOwner
	}
}

func Can(level Level, action Action) bool {
	return level >= MinLevel(action)
}

type projectLoader interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
}

// Oracle answers what a user is to a project, from the store's current view.
type Oracle struct {
	projects projectLoader
}

func NewOracle(projects projectLoader) *Oracle {
	return &Oracle{projects: projects}
}

// Level returns store.ErrNotFound when the project does not exist.
func (o *Oracle) Level(ctx context.Context, userID, projectID string) (Level, error) {
	project, err := o.projects.GetProject(ctx, projectID)
	if err != nil {
		return LevelNone, err
	}
	return LevelOf(project, userID), nil
}

func LevelOf(project store.Project, userID string) Level {
	switch {
	case userID == "":
		return LevelNone
	case project.OwnerID == userID:
		return LevelOwner
	case project.HasMember(userID):
		return LevelMember
	default:
		return LevelNone
	}
}

// Gate is the one place project access is decided. Handlers and the realtime
// join path call it; none of them compare owner or member ids themselves.
type Gate struct {
	oracle *Oracle
}

func NewGate(oracle *Oracle) *Gate {
	return &Gate{oracle: oracle}
}

// Require fails with ErrUnauthorized when the user's level is below min and
// passes store.ErrNotFound through for a missing project.
func (g *Gate) Require(ctx context.Context, userID, projectID string, min Level) (Level, error) {
	level, err := g.oracle.Level(ctx, userID, projectID)
	if err != nil {
		return LevelNone, err
	}
	if level < min {
		return level, fmt.Errorf("%w: %s on project %s needs %s", ErrUnauthorized, level, projectID, min)
	}
	return level, nil
}

func (g *Gate) Authorize(ctx context.Context, userID, projectID string, action Action) (Level, error) {
	return g.Require(ctx, userID, projectID, MinLevel(action))
}
