// Package model defines the core domain types shared across all sessiond
// packages. It has zero dependencies on other sessiond packages.
package model

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle status of a session record.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// SandboxStatus is the status of the sandbox container attached to a session.
type SandboxStatus string

const (
	SandboxPending  SandboxStatus = "pending"
	SandboxSpawning SandboxStatus = "spawning"
	SandboxWarming  SandboxStatus = "warming"
	SandboxSyncing  SandboxStatus = "syncing"
	SandboxReady    SandboxStatus = "ready"
	SandboxRunning  SandboxStatus = "running"
	SandboxStopped  SandboxStatus = "stopped"
	SandboxFailed   SandboxStatus = "failed"
)

// MessageStatus is the processing status of a single prompt.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// Session is the unit of work: one conversation with the agent, tied to one
// repository and at most one live sandbox container.
type Session struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	RepoPath    string `json:"repo_path"`
	DisplayName string `json:"display_name"`
	BaseBranch  string `json:"base_branch"`
	// Branch is the session's pushed branch, empty until a push_complete
	// event reports one.
	Branch          string `json:"branch,omitempty"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	Status        SessionStatus `json:"status"`
	SandboxStatus SandboxStatus `json:"sandbox_status"`

	ContainerHandle    string `json:"container_handle,omitempty"`
	WorktreePath       string `json:"worktree_path,omitempty"`
	AgentSessionHandle string `json:"agent_session_handle,omitempty"`

	SpawnFailureCount  int       `json:"spawn_failure_count"`
	LastSpawnFailureAt time.Time `json:"last_spawn_failure_at,omitempty"`
	LastSpawnError     string    `json:"last_spawn_error,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	LastActivity  time.Time `json:"last_activity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single prompt and its processing state.
type Message struct {
	ID              int64           `json:"id"`
	SessionID       string          `json:"session_id"`
	Content         string          `json:"content"`
	Source          string          `json:"source"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	Status          MessageStatus   `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       time.Time       `json:"started_at,omitempty"`
	CompletedAt     time.Time       `json:"completed_at,omitempty"`
}

// Event type tags. Only EventTypeToken and EventTypeExecutionComplete
// coalesce; every other type is a fresh insert (see CoalesceKey).
const (
	EventTypeHeartbeat         = "heartbeat"
	EventTypeReady             = "ready"
	EventTypeUserMessage       = "user_message"
	EventTypeToken             = "token"
	EventTypeToolCall          = "tool_call"
	EventTypeStepStart         = "step_start"
	EventTypeStepFinish        = "step_finish"
	EventTypeExecutionComplete = "execution_complete"
	EventTypePushComplete      = "push_complete"
	EventTypeError             = "error"
	EventTypeGitSync           = "git_sync"
	EventTypeArtifact          = "artifact"
)

// Event is an append-mostly record on a session's timeline. Its ID is either
// a store-generated UUID (for inserted events) or one of the two
// synthetic coalescing keys "token:<messageId>" / "exec:<messageId>" (for
// upserted events) — see CoalesceKey.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"message_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CoalesceKey returns the synthetic upsert key for an event type and whether
// that event type coalesces at all.
func CoalesceKey(eventType, messageID string) (key string, coalesces bool) {
	switch eventType {
	case EventTypeToken:
		return "token:" + messageID, true
	case EventTypeExecutionComplete:
		return "exec:" + messageID, true
	default:
		return "", false
	}
}

// Artifact is a durable output of the agent (pr, branch, screenshot, preview).
type Artifact struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	URL       string          `json:"url,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SecretScopeGlobal is the scope value used for env vars applied to every
// sandbox regardless of repository.
const SecretScopeGlobal = "global"

// Secret is env-var material injected into sandboxes. Primary key is
// (Key, Scope); scope resolution is "per-scope overrides global".
type Secret struct {
	Key       string    `json:"key"`
	Value     string    `json:"-"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting is a key-value record for process-wide preferences.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Page wraps a cursor-paginated result set.
type Page[T any] struct {
	Items   []T    `json:"items"`
	HasMore bool   `json:"has_more"`
	Cursor  string `json:"cursor,omitempty"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
