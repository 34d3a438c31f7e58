// Package store defines the Repository contract: the single writer for all
// durable session state. Concrete engines (see internal/store/sqlite) satisfy
// this interface; the rest of sessiond depends only on it.
package store

import (
	"errors"

	"github.com/sessiond/sessiond/model"
)

// ErrNotFound is returned when a lookup or update targets a row that does
// not exist. Callers decide whether that is fatal.
var ErrNotFound = errors.New("store: not found")

// Cursor identifies a position in a session's (created_at, id) ordered event
// stream for pagination.
type Cursor struct {
	Time string
	ID   string
}

// SessionFilter narrows list_sessions.
type SessionFilter struct {
	Status model.SessionStatus // empty means any
	Limit  int
	Cursor string // opaque, echoes Session.UpdatedAt of the last seen row
}

// MessageFilter narrows list_messages.
type MessageFilter struct {
	Cursor string
	Limit  int
}

// Store is the Repository contract (spec component C1).
type Store interface {
	// Sessions

	CreateSession(s *model.Session) error
	GetSession(id string) (*model.Session, error)
	ListSessions(f SessionFilter) (model.Page[*model.Session], error)
	DeleteSession(id string) error

	UpdateSessionStatus(id string, status model.SessionStatus) error
	UpdateSessionSandboxStatus(id string, status model.SandboxStatus) error
	UpdateSessionContainer(id, containerHandle, worktreePath string) error
	UpdateSessionBranch(id, branch string) error
	UpdateSessionModel(id, modelName, reasoningEffort string) error
	UpdateSessionHeartbeat(id string) error
	UpdateSessionActivity(id string) error
	UpdateSessionAgentHandle(id, handle string) error
	IncrementSpawnFailure(id string, errMsg string) error
	ResetSpawnFailure(id string) error

	// Messages

	CreateMessage(m *model.Message) error
	GetNextPendingMessage(sessionID string) (*model.Message, error)
	GetProcessingMessage(sessionID string) (*model.Message, error)
	UpdateMessageToProcessing(id int64) error
	UpdateMessageCompletion(id int64, status model.MessageStatus) error
	ListMessages(sessionID string, f MessageFilter) (model.Page[*model.Message], error)
	CountMessages(sessionID string) (int, error)

	// Events

	CreateEvent(e *model.Event) error
	UpsertEvent(e *model.Event) error
	GetEventsForReplay(sessionID string, limit int) ([]*model.Event, error)
	GetEventsHistoryPage(sessionID string, cursor Cursor, limit int) (model.Page[*model.Event], error)
	ListEvents(sessionID string, eventType string) ([]*model.Event, error)

	// Artifacts

	CreateArtifact(a *model.Artifact) error
	ListArtifacts(sessionID string) ([]*model.Artifact, error)

	// Settings

	GetSetting(key string) (*model.Setting, error)
	PutSetting(s *model.Setting) error

	// Secrets

	GetSecret(key, scope string) (*model.Secret, error)
	ListSecrets(scope string) ([]*model.Secret, error)
	PutSecret(s *model.Secret) error
	DeleteSecret(key, scope string) error

	Close() error
}
