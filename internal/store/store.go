// Package store defines the durable-state contract: sessions, turns,
// steps, events, file versions/changes, permission requests, tool
// policy, and context items. Concrete backends live in the sqlite,
// postgres and memory subpackages; all three implement the same Store
// interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentserver/agentserver/internal/models"
)

// Sentinel errors returned by every backend, checked with errors.Is.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: conflict")
)

// Store composes the per-entity stores the rest of the system depends
// on. A single embedded database backs all of them by default;
// nothing above this interface knows or cares which engine is behind
// it.
type Store interface {
	Sessions
	Turns
	Steps
	Events
	ToolPolicies
	Permissions
	Files
	Contexts

	// Close releases underlying resources (DB handles, etc).
	Close() error
}

type Sessions interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	GetSessionSettings(ctx context.Context, sessionID string) (*models.SessionSettings, error)
	UpsertSessionSettings(ctx context.Context, s *models.SessionSettings) error
	DeleteSessionSettings(ctx context.Context, sessionID string) error
}

type Turns interface {
	CreateTurn(ctx context.Context, t *models.Turn) error
	GetTurn(ctx context.Context, id string) (*models.Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]*models.Turn, error)
}

type Steps interface {
	CreateStep(ctx context.Context, s *models.Step) error
	UpdateStep(ctx context.Context, s *models.Step) error
	ListSteps(ctx context.Context, turnID string) ([]*models.Step, error)
}

// Events is the append-only log. AppendEvent is the only mutation; the
// backend assigns (id, seq) and the write is durable before it returns.
// EventDraft is an unstamped event awaiting (id, seq) allocation by
// the backend. AppendEvent must allocate both and persist the row as
// one atomic operation so that global id order is well-defined across
// concurrent publishes from different sessions (§4.3).
type EventDraft struct {
	SessionID string
	TurnID    string
	StepID    string
	Ts        float64
	Type      models.EventType
	Payload   any
}

type Events interface {
	AppendEvent(ctx context.Context, d EventDraft) (*models.Event, error)
	EventsSince(ctx context.Context, sessionID string, sinceID int64) ([]*models.Event, error)
	EventsSinceSeq(ctx context.Context, sessionID string, sinceSeq int64) ([]*models.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type ToolPolicies interface {
	GetToolPolicy(ctx context.Context, name string) (*models.ToolPolicy, error)
	ListToolPolicies(ctx context.Context) ([]*models.ToolPolicy, error)
	UpsertToolPolicy(ctx context.Context, p *models.ToolPolicy) error

	GetPermissionMode(ctx context.Context) (models.PermissionGlobalMode, error)
	SetPermissionMode(ctx context.Context, mode models.PermissionGlobalMode) error
}

type Permissions interface {
	CreatePermissionRequest(ctx context.Context, r *models.PermissionRequest) error
	GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error)
	ListPendingPermissionRequests(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error)
	// ResolvePermissionRequest transitions a pending request to a
	// terminal status exactly once; returns ErrConflict if the
	// request is no longer pending (invariant 5).
	ResolvePermissionRequest(ctx context.Context, id string, status models.PermissionRequestStatus, scope models.PermissionScope, resolvedAt time.Time) error
	// ExpirePendingOlderThan transitions timed-out pending requests to
	// expired and returns their ids, for the sweep in internal/permission.
	ExpirePendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

type Files interface {
	CreateFileChange(ctx context.Context, c *models.FileChange) error
	CreateFileVersion(ctx context.Context, v *models.FileVersion) error
	NextFileVersionIdx(ctx context.Context, sessionID, path string) (int, error)
	ListFileVersions(ctx context.Context, sessionID, path string) ([]*models.FileVersion, error)
	GetFileVersion(ctx context.Context, id string) (*models.FileVersion, error)
	LatestFileVersion(ctx context.Context, sessionID, path string) (*models.FileVersion, error)
}

type Contexts interface {
	CreateContextItem(ctx context.Context, c *models.ContextItem) error
	GetContextItem(ctx context.Context, id string) (*models.ContextItem, error)
	ListContextItems(ctx context.Context, sessionID string) ([]*models.ContextItem, error)
	UpdateContextItem(ctx context.Context, c *models.ContextItem) error
	DeleteContextItem(ctx context.Context, id string) error
}
