// Package session implements the SessionCore contract (spec component C5):
// the orchestration heart coordinating a session's message queue, sandbox
// lifecycle, connected sockets, and supervisory timers.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessiond/sessiond/internal/sandbox"
	"github.com/sessiond/sessiond/internal/store"
	"github.com/sessiond/sessiond/model"
)

const (
	replayLimit             = 500
	maxCircuitCooldown      = 60 * time.Second
	circuitBreakerThreshold = 3
	defaultStopGrace        = 10 * time.Second

	closeSessionNotFound = 4404
	closeSessionDeleted  = 4410
)

// SandboxDriver is the subset of the SandboxDriver contract (C2) SessionCore
// depends on.
type SandboxDriver interface {
	CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (string, error)
	Stop(ctx context.Context, handle string, grace time.Duration) error
	Remove(ctx context.Context, handle string) error
	IsRunning(ctx context.Context, handle string) (bool, error)
}

// WorktreeManager is the subset of the WorktreeManager contract (C3)
// SessionCore depends on.
type WorktreeManager interface {
	Create(ctx context.Context, sessionID, repoPath, baseRef string) (string, error)
	Remove(ctx context.Context, sessionID, repoPath string) error
}

// ConnectionRegistry is the subset of the ConnectionRegistry contract (C4)
// SessionCore depends on.
type ConnectionRegistry interface {
	Broadcast(sessionID string, msg any)
	SendToSandbox(sessionID string, msg any) bool
	SendToClient(sessionID string, conn *websocket.Conn, msg any) bool
	HasSandbox(sessionID string) bool
	ClientCount(sessionID string) int
	RegisterClient(sessionID string, conn *websocket.Conn)
	UnregisterClient(sessionID string, conn *websocket.Conn)
	RegisterSandbox(sessionID string, conn *websocket.Conn)
	UnregisterSandbox(sessionID string, conn *websocket.Conn)
	Close(sessionID string, code int, reason string)
}

// Config holds the knobs SessionCore needs beyond its dependencies: the
// control-plane port bridges dial back to, the sandbox resource profile,
// and the hard-default model/effort used when neither a prompt nor its
// session specifies one.
type Config struct {
	Port                   int
	SandboxImage           string
	SandboxNetwork         string
	SandboxCPULimit        string
	SandboxMemoryLimitMB   int
	SandboxCredDir         string
	DefaultModel           string
	DefaultReasoningEffort string
	// EnvOverlay carries ambient env vars (forwarded LLM API keys) applied
	// to every sandbox regardless of secrets stored in the repository.
	EnvOverlay map[string]string

	// InactivityTimeout is how long a session with no connected clients may
	// sit idle before its sandbox is stopped.
	InactivityTimeout time.Duration
	// HeartbeatInterval is how often the watchdog checks for a missed
	// heartbeat once a sandbox bridge has registered.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the staleness threshold past which a sandbox with
	// no recent heartbeat is considered dead.
	HeartbeatTimeout time.Duration
}

// sessionState is the per-session in-memory guard: the re-entrancy lock for
// the pump, the processing-message slot, and the three supervisory timers.
// One instance lives per active session in Core.states, never as a bare
// map-as-mutex.
type sessionState struct {
	mu                  sync.Mutex // guards pump + event-ingestion composite operations
	processingMessageID int64      // 0 means no message is currently processing

	timersMu        sync.Mutex
	inactivityTimer *time.Timer
	heartbeatCancel context.CancelFunc
	spawnCancel     context.CancelFunc
}

// Core is the SessionCore: the process-wide orchestrator over every active
// session.
type Core struct {
	cfg      Config
	store    store.Store
	sandbox  SandboxDriver
	worktree WorktreeManager
	registry ConnectionRegistry

	statesMu sync.Mutex
	states   map[string]*sessionState
}

// New constructs a Core over its dependencies.
func New(cfg Config, st store.Store, sb SandboxDriver, wt WorktreeManager, reg ConnectionRegistry) *Core {
	return &Core{
		cfg:      cfg,
		store:    st,
		sandbox:  sb,
		worktree: wt,
		registry: reg,
		states:   make(map[string]*sessionState),
	}
}

func (c *Core) state(sessionID string) *sessionState {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	st, ok := c.states[sessionID]
	if !ok {
		st = &sessionState{}
		c.states[sessionID] = st
	}
	return st
}

// --- outgoing frame shapes ---

// SessionSummary is the state summary carried in a subscribed frame.
type SessionSummary struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	DisplayName     string              `json:"displayName"`
	Branch          string              `json:"branch,omitempty"`
	Status          model.SessionStatus `json:"status"`
	SandboxStatus   model.SandboxStatus `json:"sandboxStatus"`
	MessageCount    int                 `json:"messageCount"`
	Model           string              `json:"model,omitempty"`
	ReasoningEffort string              `json:"reasoningEffort,omitempty"`
	IsProcessing    bool                `json:"isProcessing"`
}

// SubscribedFrame is sent once, synchronously, in response to subscribe.
type SubscribedFrame struct {
	Type           string         `json:"type"`
	Session        SessionSummary `json:"session"`
	Replay         []*model.Event `json:"replay"`
	HasMore        bool           `json:"hasMore"`
	Cursor         string         `json:"cursor,omitempty"`
	LastSpawnError string         `json:"lastSpawnError,omitempty"`
}

// HistoryPageFrame answers fetch_history.
type HistoryPageFrame struct {
	Type    string         `json:"type"`
	Items   []*model.Event `json:"items"`
	HasMore bool           `json:"hasMore"`
	Cursor  string         `json:"cursor,omitempty"`
}

// PromptFrame is sent to the sandbox bridge to dispatch a message.
type PromptFrame struct {
	Type            string            `json:"type"`
	MessageID       int64             `json:"messageId"`
	Content         string            `json:"content"`
	Model           string            `json:"model,omitempty"`
	ReasoningEffort string            `json:"reasoningEffort,omitempty"`
	Author          map[string]string `json:"author,omitempty"`
	Attachments     json.RawMessage   `json:"attachments,omitempty"`
}

// SandboxEvent is a frame received from the sandbox bridge.
type SandboxEvent struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Success   *bool           `json:"success,omitempty"`
}

// PromptInput is the content of a client prompt frame.
type PromptInput struct {
	Content         string
	Model           string
	ReasoningEffort string
	Attachments     json.RawMessage
}

func encodeCursor(e *model.Event) string {
	return e.CreatedAt.Format(time.RFC3339Nano) + "|" + e.ID
}

func decodeCursor(s string) (store.Cursor, error) {
	if s == "" {
		return store.Cursor{}, nil
	}
	idx := strings.LastIndex(s, "|")
	if idx < 0 {
		return store.Cursor{}, fmt.Errorf("malformed cursor %q", s)
	}
	return store.Cursor{Time: s[:idx], ID: s[idx+1:]}, nil
}

// --- §4.5.2 operations ---

// HandleClientSubscribe registers conn as a client socket for sessionID and
// sends it the initial subscribed envelope.
func (c *Core) HandleClientSubscribe(sessionID string, conn *websocket.Conn) error {
	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "code": "not_found"})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeSessionNotFound, "session not found"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return err
	}

	c.registry.RegisterClient(sessionID, conn)

	events, err := c.store.GetEventsForReplay(sessionID, replayLimit)
	if err != nil {
		return fmt.Errorf("loading replay events: %w", err)
	}
	hasMore := len(events) == replayLimit
	var cursor string
	if len(events) > 0 {
		cursor = encodeCursor(events[0])
	}

	count, err := c.store.CountMessages(sessionID)
	if err != nil {
		count = 0
	}

	st := c.state(sessionID)
	st.mu.Lock()
	isProcessing := st.processingMessageID != 0
	st.mu.Unlock()

	frame := SubscribedFrame{
		Type: "subscribed",
		Session: SessionSummary{
			ID: sess.ID, Title: sess.Title, DisplayName: sess.DisplayName,
			Branch: sess.Branch, Status: sess.Status, SandboxStatus: sess.SandboxStatus,
			MessageCount: count, Model: sess.Model, ReasoningEffort: sess.ReasoningEffort,
			IsProcessing: isProcessing,
		},
		Replay:         events,
		HasMore:        hasMore,
		Cursor:         cursor,
		LastSpawnError: sess.LastSpawnError,
	}
	c.registry.SendToClient(sessionID, conn, frame)
	return nil
}

// HandleClientDisconnect unregisters a client socket.
func (c *Core) HandleClientDisconnect(sessionID string, conn *websocket.Conn) {
	c.registry.UnregisterClient(sessionID, conn)
}

// HandleBridgeConnect registers conn as the session's sandbox bridge.
func (c *Core) HandleBridgeConnect(sessionID string, conn *websocket.Conn) {
	c.registry.RegisterSandbox(sessionID, conn)
}

// HandleBridgeDisconnect unregisters a sandbox bridge socket.
func (c *Core) HandleBridgeDisconnect(sessionID string, conn *websocket.Conn) {
	c.registry.UnregisterSandbox(sessionID, conn)
}

// HandleFetchHistory answers a fetch_history request with the page strictly
// older than cursor.
func (c *Core) HandleFetchHistory(sessionID, cursorStr string, limit int) (HistoryPageFrame, error) {
	if limit <= 0 || limit > replayLimit {
		limit = replayLimit
	}
	cursor, err := decodeCursor(cursorStr)
	if err != nil {
		return HistoryPageFrame{}, fmt.Errorf("invalid cursor: %w", err)
	}
	page, err := c.store.GetEventsHistoryPage(sessionID, cursor, limit)
	if err != nil {
		return HistoryPageFrame{}, err
	}
	var next string
	if len(page.Items) > 0 {
		next = encodeCursor(page.Items[0])
	}
	return HistoryPageFrame{Type: "history_page", Items: page.Items, HasMore: page.HasMore, Cursor: next}, nil
}

// HandleClientPrompt enqueues a new prompt and invokes the pump.
func (c *Core) HandleClientPrompt(ctx context.Context, sessionID string, in PromptInput) error {
	sess, err := c.store.GetSession(sessionID)
	if err == store.ErrNotFound {
		return nil // idempotent drop: the client may have already seen a deletion
	}
	if err != nil {
		return err
	}

	msg := &model.Message{
		SessionID:       sessionID,
		Content:         in.Content,
		Source:          "user",
		Model:           in.Model,
		ReasoningEffort: in.ReasoningEffort,
		Attachments:     in.Attachments,
		Status:          model.MessagePending,
	}
	if err := c.store.CreateMessage(msg); err != nil {
		return fmt.Errorf("creating message: %w", err)
	}

	userPayload, _ := json.Marshal(map[string]any{"content": in.Content})
	userEvent := &model.Event{
		SessionID: sessionID,
		Type:      model.EventTypeUserMessage,
		MessageID: fmt.Sprint(msg.ID),
		Payload:   userPayload,
	}
	if err := c.store.CreateEvent(userEvent); err != nil {
		log.Printf("session %s: persisting user_message event: %v", sessionID, err)
	}
	c.registry.Broadcast(sessionID, map[string]any{"type": "sandbox_event", "event": userEvent})
	c.registry.Broadcast(sessionID, map[string]any{"type": "prompt_queued", "messageId": msg.ID, "position": 1})

	if sess.Status == model.SessionCreated {
		if err := c.store.UpdateSessionStatus(sessionID, model.SessionActive); err != nil {
			log.Printf("session %s: promoting to active: %v", sessionID, err)
		}
	}
	if in.Model != "" {
		effort := in.ReasoningEffort
		if effort == "" {
			effort = sess.ReasoningEffort
		}
		if err := c.store.UpdateSessionModel(sessionID, in.Model, effort); err != nil {
			log.Printf("session %s: updating default model: %v", sessionID, err)
		}
	}

	c.pump(ctx, sessionID)
	return nil
}

// HandleStopExecution cancels the current processing message, if any.
func (c *Core) HandleStopExecution(sessionID string) error {
	st := c.state(sessionID)
	st.mu.Lock()
	msgID := st.processingMessageID
	st.processingMessageID = 0
	st.mu.Unlock()

	if msgID == 0 {
		return nil
	}
	if err := c.store.UpdateMessageCompletion(msgID, model.MessageFailed); err != nil {
		return fmt.Errorf("marking message failed: %w", err)
	}
	c.registry.Broadcast(sessionID, map[string]any{"type": "processing_status", "isProcessing": false})
	c.registry.SendToSandbox(sessionID, map[string]any{"type": "stop"})
	return nil
}

// ArchiveSession tears down any attached container and marks the session
// archived. The worktree is retained; it is only removed on delete.
func (c *Core) ArchiveSession(ctx context.Context, sessionID string) error {
	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}

	st := c.state(sessionID)
	st.timersMu.Lock()
	if st.spawnCancel != nil {
		st.spawnCancel()
	}
	st.timersMu.Unlock()

	if sess.ContainerHandle != "" {
		if err := c.sandbox.Stop(ctx, sess.ContainerHandle, defaultStopGrace); err != nil {
			log.Printf("session %s: stop on archive: %v", sessionID, err)
		}
		if err := c.sandbox.Remove(ctx, sess.ContainerHandle); err != nil {
			log.Printf("session %s: remove on archive: %v", sessionID, err)
		}
		if err := c.store.UpdateSessionContainer(sessionID, "", ""); err != nil {
			return err
		}
	}
	if err := c.store.UpdateSessionSandboxStatus(sessionID, model.SandboxStopped); err != nil {
		return err
	}
	if err := c.store.UpdateSessionStatus(sessionID, model.SessionArchived); err != nil {
		return err
	}
	c.registry.Broadcast(sessionID, map[string]any{"type": "session_status", "status": model.SessionArchived})
	c.stopTimers(sessionID)
	return nil
}

// UnarchiveSession reactivates a session; the sandbox is spawned lazily on
// the next prompt.
func (c *Core) UnarchiveSession(sessionID string) error {
	if err := c.store.UpdateSessionStatus(sessionID, model.SessionActive); err != nil {
		return err
	}
	c.registry.Broadcast(sessionID, map[string]any{"type": "session_status", "status": model.SessionActive})
	return nil
}

// DeleteSession tears down the sandbox and worktree, deletes the persisted
// record, and cleans up in-memory state.
func (c *Core) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.ContainerHandle != "" {
		_ = c.sandbox.Stop(ctx, sess.ContainerHandle, defaultStopGrace)
		_ = c.sandbox.Remove(ctx, sess.ContainerHandle)
	}
	if err := c.worktree.Remove(ctx, sessionID, sess.RepoPath); err != nil {
		log.Printf("session %s: removing worktree on delete: %v", sessionID, err)
	}
	if err := c.store.DeleteSession(sessionID); err != nil {
		return err
	}
	c.CleanupSession(sessionID)
	return nil
}

// CleanupSession releases every in-memory resource a session holds: timers,
// the processing slot, and every registered socket.
func (c *Core) CleanupSession(sessionID string) {
	c.stopTimers(sessionID)

	st := c.state(sessionID)
	st.mu.Lock()
	st.processingMessageID = 0
	st.mu.Unlock()

	c.registry.Close(sessionID, closeSessionDeleted, "session deleted")

	c.statesMu.Lock()
	delete(c.states, sessionID)
	c.statesMu.Unlock()
}

func (c *Core) stopTimers(sessionID string) {
	st := c.state(sessionID)
	st.timersMu.Lock()
	if st.inactivityTimer != nil {
		st.inactivityTimer.Stop()
		st.inactivityTimer = nil
	}
	if st.heartbeatCancel != nil {
		st.heartbeatCancel()
		st.heartbeatCancel = nil
	}
	st.timersMu.Unlock()
}

// --- §4.5.3 message-queue pump ---

func (c *Core) pump(ctx context.Context, sessionID string) {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.processingMessageID != 0 {
		return
	}

	msg, err := c.store.GetNextPendingMessage(sessionID)
	if err == store.ErrNotFound {
		return
	}
	if err != nil {
		log.Printf("session %s: pump: fetching next pending message: %v", sessionID, err)
		return
	}

	if !c.registry.HasSandbox(sessionID) {
		c.registry.Broadcast(sessionID, map[string]any{"type": "sandbox_spawning"})
		c.spawn(ctx, sessionID)
		return
	}

	st.processingMessageID = msg.ID
	if err := c.store.UpdateMessageToProcessing(msg.ID); err != nil {
		log.Printf("session %s: pump: marking message processing: %v", sessionID, err)
	}
	c.registry.Broadcast(sessionID, map[string]any{"type": "processing_status", "isProcessing": true})
	if err := c.store.UpdateSessionActivity(sessionID); err != nil {
		log.Printf("session %s: pump: updating last_activity: %v", sessionID, err)
	}
	c.resetInactivityTimer(sessionID)

	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		log.Printf("session %s: pump: reloading session: %v", sessionID, err)
		return
	}
	effModel, effEffort := resolveModelAndEffort(msg, sess, c.cfg)

	frame := PromptFrame{
		Type: "prompt", MessageID: msg.ID, Content: msg.Content,
		Model: effModel, ReasoningEffort: effEffort,
		Author:      map[string]string{"source": msg.Source},
		Attachments: msg.Attachments,
	}
	if !c.registry.SendToSandbox(sessionID, frame) {
		st.processingMessageID = 0
		if err := c.store.UpdateMessageCompletion(msg.ID, model.MessageFailed); err != nil {
			log.Printf("session %s: pump: reverting failed dispatch: %v", sessionID, err)
		}
		c.registry.Broadcast(sessionID, map[string]any{"type": "processing_status", "isProcessing": false})
		c.spawn(ctx, sessionID)
	}
}

// schedulePump re-enters the pump asynchronously, so a deep bridge-event →
// pump → dispatch call chain never grows on one goroutine's stack.
func (c *Core) schedulePump(sessionID string) {
	go c.pump(context.Background(), sessionID)
}

func resolveModelAndEffort(msg *model.Message, sess *model.Session, cfg Config) (string, string) {
	m := msg.Model
	if m == "" {
		m = sess.Model
	}
	if m == "" {
		m = cfg.DefaultModel
	}
	effort := msg.ReasoningEffort
	if effort == "" {
		effort = sess.ReasoningEffort
	}
	if effort == "" {
		effort = cfg.DefaultReasoningEffort
	}
	return m, effort
}

// --- §4.5.4 spawn procedure ---

func (c *Core) spawn(ctx context.Context, sessionID string) {
	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		log.Printf("session %s: spawn: reloading session: %v", sessionID, err)
		return
	}

	if sess.SpawnFailureCount >= circuitBreakerThreshold {
		cooldown := 5 * time.Second * time.Duration(math.Pow(2, float64(sess.SpawnFailureCount)))
		if cooldown > maxCircuitCooldown {
			cooldown = maxCircuitCooldown
		}
		remaining := cooldown - time.Since(sess.LastSpawnFailureAt)
		if remaining > 0 {
			c.registry.Broadcast(sessionID, map[string]any{
				"type":  "sandbox_error",
				"error": fmt.Sprintf("Spawn failed %d times. Retrying in %ds.", sess.SpawnFailureCount, int(remaining.Seconds())),
			})
			return
		}
	}

	if sess.SandboxStatus == model.SandboxSpawning {
		return
	}
	if sess.ContainerHandle != "" {
		if running, err := c.sandbox.IsRunning(ctx, sess.ContainerHandle); err == nil && running {
			return
		}
	}

	if err := c.store.UpdateSessionSandboxStatus(sessionID, model.SandboxSpawning); err != nil {
		log.Printf("session %s: spawn: setting spawning status: %v", sessionID, err)
	}
	c.registry.Broadcast(sessionID, map[string]any{"type": "sandbox_spawning"})

	spawnCtx, cancel := context.WithCancel(ctx)
	st := c.state(sessionID)
	st.timersMu.Lock()
	st.spawnCancel = cancel
	st.timersMu.Unlock()
	defer func() {
		st.timersMu.Lock()
		st.spawnCancel = nil
		st.timersMu.Unlock()
		cancel()
	}()

	worktreePath, err := c.worktree.Create(spawnCtx, sessionID, sess.RepoPath, sess.BaseBranch)
	if err != nil {
		c.recordSpawnFailure(sessionID, fmt.Sprintf("creating worktree: %v", err))
		return
	}

	handle, err := c.sandbox.CreateSandbox(spawnCtx, sandbox.CreateOptions{
		SessionID:    sessionID,
		WorktreePath: worktreePath,
		ServerPort:   c.cfg.Port,
		Image:        c.cfg.SandboxImage,
		Network:      c.cfg.SandboxNetwork,
		CPULimit:     c.cfg.SandboxCPULimit,
		MemoryMB:     c.cfg.SandboxMemoryLimitMB,
		CredDir:      c.cfg.SandboxCredDir,
		Env:          c.buildSecretOverlay(sess),
	})
	if err != nil {
		c.recordSpawnFailure(sessionID, fmt.Sprintf("creating sandbox: %v", err))
		return
	}

	if err := c.store.UpdateSessionContainer(sessionID, handle, worktreePath); err != nil {
		log.Printf("session %s: spawn: recording container handle: %v", sessionID, err)
	}
	if err := c.store.UpdateSessionSandboxStatus(sessionID, model.SandboxReady); err != nil {
		log.Printf("session %s: spawn: setting ready status: %v", sessionID, err)
	}
	if err := c.store.ResetSpawnFailure(sessionID); err != nil {
		log.Printf("session %s: spawn: resetting failure counter: %v", sessionID, err)
	}
}

func (c *Core) recordSpawnFailure(sessionID, errMsg string) {
	if err := c.store.UpdateSessionSandboxStatus(sessionID, model.SandboxFailed); err != nil {
		log.Printf("session %s: recording spawn failure status: %v", sessionID, err)
	}
	if err := c.store.IncrementSpawnFailure(sessionID, errMsg); err != nil {
		log.Printf("session %s: incrementing spawn failure counter: %v", sessionID, err)
	}
	c.registry.Broadcast(sessionID, map[string]any{"type": "sandbox_error", "error": errMsg})
}

// buildSecretOverlay merges the process-wide env overlay with global and
// repo-scoped secrets, repo-scoped values winning over global ones.
func (c *Core) buildSecretOverlay(sess *model.Session) map[string]string {
	env := make(map[string]string, len(c.cfg.EnvOverlay))
	for k, v := range c.cfg.EnvOverlay {
		env[k] = v
	}
	if global, err := c.store.ListSecrets(model.SecretScopeGlobal); err == nil {
		for _, s := range global {
			env[s.Key] = s.Value
		}
	}
	if sess.RepoPath != "" {
		if scoped, err := c.store.ListSecrets(sess.RepoPath); err == nil {
			for _, s := range scoped {
				env[s.Key] = s.Value
			}
		}
	}
	return env
}

// --- §4.5.5 sandbox event ingestion ---

// IngestSandboxEvent applies the persistence/side-effect rule for one event
// received from the sandbox bridge.
func (c *Core) IngestSandboxEvent(sessionID string, ev SandboxEvent) error {
	switch ev.Type {
	case model.EventTypeHeartbeat:
		return c.store.UpdateSessionHeartbeat(sessionID)

	case model.EventTypeReady:
		if err := c.store.UpdateSessionSandboxStatus(sessionID, model.SandboxReady); err != nil {
			return err
		}
		// Stamp a heartbeat baseline now so the watchdog's first check, up
		// to cfg.HeartbeatInterval later, doesn't measure against a zero time.
		if err := c.store.UpdateSessionHeartbeat(sessionID); err != nil {
			log.Printf("session %s: stamping ready-time heartbeat baseline: %v", sessionID, err)
		}
		if handle, ok := ev.Metadata["opencodeSessionId"].(string); ok && handle != "" {
			if err := c.store.UpdateSessionAgentHandle(sessionID, handle); err != nil {
				log.Printf("session %s: recording agent handle: %v", sessionID, err)
			}
		}
		c.registry.Broadcast(sessionID, map[string]any{"type": "sandbox_ready"})
		c.startHeartbeatWatchdog(sessionID)
		c.schedulePump(sessionID)
		return nil

	case model.EventTypeToken:
		event := &model.Event{SessionID: sessionID, Type: ev.Type, MessageID: ev.MessageID, Payload: ev.Payload}
		if err := c.store.UpsertEvent(event); err != nil {
			return err
		}
		c.touchActivity(sessionID)
		c.registry.Broadcast(sessionID, map[string]any{"type": "sandbox_event", "event": event})
		return nil

	case model.EventTypeExecutionComplete:
		event := &model.Event{SessionID: sessionID, Type: ev.Type, MessageID: ev.MessageID, Payload: ev.Payload}
		if err := c.store.UpsertEvent(event); err != nil {
			return err
		}

		status := model.MessageCompleted
		if ev.Success != nil && !*ev.Success {
			status = model.MessageFailed
		}
		if msgID, perr := parseMessageID(ev.MessageID); perr == nil {
			if err := c.store.UpdateMessageCompletion(msgID, status); err != nil {
				log.Printf("session %s: completing message %d: %v", sessionID, msgID, err)
			}
		}

		st := c.state(sessionID)
		st.mu.Lock()
		st.processingMessageID = 0
		st.mu.Unlock()

		c.touchActivity(sessionID)
		c.registry.Broadcast(sessionID, map[string]any{"type": "sandbox_event", "event": event})
		c.registry.Broadcast(sessionID, map[string]any{"type": "processing_status", "isProcessing": false})
		c.schedulePump(sessionID)
		return nil

	case model.EventTypePushComplete:
		event := &model.Event{SessionID: sessionID, Type: ev.Type, MessageID: ev.MessageID, Payload: ev.Payload}
		if err := c.store.CreateEvent(event); err != nil {
			return err
		}
		if branch, ok := ev.Metadata["branchName"].(string); ok && branch != "" {
			if err := c.store.UpdateSessionBranch(sessionID, branch); err != nil {
				log.Printf("session %s: recording branch: %v", sessionID, err)
			}
			metadata, _ := json.Marshal(map[string]string{"branch": branch})
			if err := c.store.CreateArtifact(&model.Artifact{SessionID: sessionID, Type: "branch", Metadata: metadata}); err != nil {
				log.Printf("session %s: recording branch artifact: %v", sessionID, err)
			}
		}
		c.touchActivity(sessionID)
		c.registry.Broadcast(sessionID, map[string]any{"type": "sandbox_event", "event": event})
		return nil

	default:
		event := &model.Event{SessionID: sessionID, Type: ev.Type, MessageID: ev.MessageID, Payload: ev.Payload}
		if err := c.store.CreateEvent(event); err != nil {
			return err
		}
		c.touchActivity(sessionID)
		c.registry.Broadcast(sessionID, map[string]any{"type": "sandbox_event", "event": event})
		return nil
	}
}

func parseMessageID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

func (c *Core) touchActivity(sessionID string) {
	if err := c.store.UpdateSessionActivity(sessionID); err != nil {
		log.Printf("session %s: updating last_activity: %v", sessionID, err)
	}
	c.resetInactivityTimer(sessionID)
}

// --- §4.5.6 supervisory timers ---

func (c *Core) resetInactivityTimer(sessionID string) {
	st := c.state(sessionID)
	st.timersMu.Lock()
	if st.inactivityTimer != nil {
		st.inactivityTimer.Stop()
	}
	st.inactivityTimer = time.AfterFunc(c.cfg.InactivityTimeout, func() {
		c.onInactivityExpiry(sessionID)
	})
	st.timersMu.Unlock()
}

func (c *Core) onInactivityExpiry(sessionID string) {
	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return
	}
	if sess.Status == model.SessionArchived {
		return
	}
	if c.registry.ClientCount(sessionID) > 0 {
		// At least one client is still watching: extend rather than tear down.
		c.resetInactivityTimer(sessionID)
		return
	}
	if sess.ContainerHandle != "" {
		if err := c.sandbox.Stop(context.Background(), sess.ContainerHandle, defaultStopGrace); err != nil {
			log.Printf("session %s: inactivity stop: %v", sessionID, err)
		}
	}
	if err := c.store.UpdateSessionSandboxStatus(sessionID, model.SandboxStopped); err != nil {
		log.Printf("session %s: inactivity: setting stopped status: %v", sessionID, err)
	}
}

func (c *Core) startHeartbeatWatchdog(sessionID string) {
	st := c.state(sessionID)
	st.timersMu.Lock()
	if st.heartbeatCancel != nil {
		st.timersMu.Unlock()
		return // already running
	}
	ctx, cancel := context.WithCancel(context.Background())
	st.heartbeatCancel = cancel
	st.timersMu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sess, err := c.store.GetSession(sessionID)
				if err != nil {
					return
				}
				if time.Since(sess.LastHeartbeat) <= c.cfg.HeartbeatTimeout {
					continue
				}
				if err := c.store.UpdateSessionSandboxStatus(sessionID, model.SandboxFailed); err != nil {
					log.Printf("session %s: heartbeat watchdog: marking failed: %v", sessionID, err)
				}
				c.registry.Broadcast(sessionID, map[string]any{
					"type":  "sandbox_error",
					"error": "Sandbox heartbeat lost. Container may have crashed.",
				})
				st.timersMu.Lock()
				st.heartbeatCancel = nil
				st.timersMu.Unlock()
				return
			}
		}
	}()
}
