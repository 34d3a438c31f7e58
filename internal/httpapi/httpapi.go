// Package httpapi implements the ExternalBoundary contract (spec component
// C6): the REST surface and the single WebSocket upgrade endpoint, shared by
// client sockets and the sandbox bridge, that front SessionCore.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/store"
	"github.com/sessiond/sessiond/model"
)

// clientReadTimeout bounds how long a client connection may sit idle
// between frames (including app-level "ping") before it is dropped.
const clientReadTimeout = 2 * time.Minute

// socketSender is the one registry capability the boundary layer needs
// directly: replying to a single client socket (pong, bad-cursor errors,
// fetch_history results) without going through a SessionCore operation,
// since liveness and pagination replies aren't session-semantic events.
type socketSender interface {
	SendToClient(sessionID string, conn *websocket.Conn, msg any) bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler provides the HTTP and WebSocket surface for sessiond.
type Handler struct {
	core     *session.Core
	store    store.Store
	registry socketSender
	router   chi.Router
}

// New creates a Handler wired to a SessionCore, its store, and the
// connection registry the socket handlers reply through directly.
func New(core *session.Core, st store.Store, reg socketSender) *Handler {
	h := &Handler{core: core, store: st, registry: reg}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.handleListSessions)
		r.Post("/", h.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Delete("/", h.handleDeleteSession)
			r.Post("/prompt", h.handlePrompt)
			r.Post("/stop", h.handleStop)
			r.Post("/archive", h.handleArchive)
			r.Post("/unarchive", h.handleUnarchive)
			r.Get("/events", h.handleEvents)
			r.Get("/artifacts", h.handleArtifacts)
		})
	})

	// The single WebSocket endpoint every socket — client or sandbox bridge
	// — dials, the session identified by a query parameter rather than a
	// path segment because the sandbox's bridge URL (baked into its
	// container env at spawn time, see internal/sandbox) is built as
	// ws://host:port/ws?type=sandbox&session=<id>.
	r.Get("/ws", h.handleSocket)

	r.Get("/repos", h.handleListRepos)

	r.Get("/settings", h.handleGetSetting)
	r.Put("/settings", h.handlePutSetting)

	r.Route("/secrets", func(r chi.Router) {
		r.Get("/", h.handleListSecrets(model.SecretScopeGlobal))
		r.Put("/", h.handlePutSecret(model.SecretScopeGlobal))
		r.Put("/{key}", h.handlePutSecret(model.SecretScopeGlobal))
		r.Get("/{key}", h.handleGetSecret(model.SecretScopeGlobal))
		r.Delete("/{key}", h.handleDeleteSecret(model.SecretScopeGlobal))
	})

	r.Route("/repos/{owner}/{name}/secrets", func(r chi.Router) {
		r.Get("/", h.handleListRepoSecrets)
		r.Put("/", h.handlePutRepoSecret)
		r.Put("/{key}", h.handlePutRepoSecret)
		r.Get("/{key}", h.handleGetRepoSecret)
		r.Delete("/{key}", h.handleDeleteRepoSecret)
	})

	return r
}

// --- request/response types ---

type createSessionRequest struct {
	RepoPath        string `json:"repo_path"`
	DisplayName     string `json:"display_name,omitempty"`
	Title           string `json:"title,omitempty"`
	BaseBranch      string `json:"base_branch,omitempty"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type repoSummary struct {
	RepoPath    string `json:"repo_path"`
	DisplayName string `json:"display_name,omitempty"`
}

// defaultTitleSource picks what an untitled session's title is derived
// from: the display name if the caller gave one, otherwise the repo path.
func defaultTitleSource(req createSessionRequest) string {
	if req.DisplayName != "" {
		return req.DisplayName
	}
	return req.RepoPath
}

// --- session handlers ---

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RepoPath = strings.TrimSpace(req.RepoPath)
	if req.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "repo_path is required")
		return
	}
	if req.Title == "" {
		req.Title = model.Truncate(defaultTitleSource(req), 72)
	}

	sess := &model.Session{
		ID:              uuid.NewString(),
		Title:           req.Title,
		RepoPath:        req.RepoPath,
		DisplayName:     req.DisplayName,
		BaseBranch:      req.BaseBranch,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		Status:          model.SessionCreated,
		SandboxStatus:   model.SandboxPending,
	}
	if err := h.store.CreateSession(sess); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		log.Printf("httpapi: create session: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	f := store.SessionFilter{
		Status: model.SessionStatus(r.URL.Query().Get("status")),
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  queryInt(r, "limit", 100),
	}
	page, err := h.store.ListSessions(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		log.Printf("httpapi: list sessions: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.store.GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.core.DeleteSession(r.Context(), id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		log.Printf("httpapi: delete session %s: %v", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var in session.PromptInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(in.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := h.core.HandleClientPrompt(r.Context(), id, in); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue prompt")
		log.Printf("httpapi: prompt session %s: %v", id, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.core.HandleStopExecution(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stop execution")
		log.Printf("httpapi: stop session %s: %v", id, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.core.ArchiveSession(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to archive session")
		log.Printf("httpapi: archive session %s: %v", id, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.core.UnarchiveSession(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unarchive session")
		log.Printf("httpapi: unarchive session %s: %v", id, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	page, err := h.core.HandleFetchHistory(id, r.URL.Query().Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := h.store.ListArtifacts(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		log.Printf("httpapi: list artifacts %s: %v", id, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Page[*model.Artifact]{Items: items})
}

// handleListRepos derives the distinct set of repositories sessiond has ever
// been pointed at from the session table; there is no separate repository
// registry.
func (h *Handler) handleListRepos(w http.ResponseWriter, r *http.Request) {
	page, err := h.store.ListSessions(store.SessionFilter{Limit: 10000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list repos")
		log.Printf("httpapi: list repos: %v", err)
		return
	}
	seen := map[string]*repoSummary{}
	order := make([]string, 0)
	for _, sess := range page.Items {
		if _, ok := seen[sess.RepoPath]; ok {
			continue
		}
		seen[sess.RepoPath] = &repoSummary{RepoPath: sess.RepoPath, DisplayName: sess.DisplayName}
		order = append(order, sess.RepoPath)
	}
	repos := make([]*repoSummary, 0, len(order))
	for _, repoPath := range order {
		repos = append(repos, seen[repoPath])
	}
	writeJSON(w, http.StatusOK, model.Page[*repoSummary]{Items: repos})
}

// --- settings ---

func (h *Handler) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}
	s, err := h.store.GetSetting(key)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "setting not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get setting")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var s model.Setting
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil || s.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid setting body")
		return
	}
	if err := h.store.PutSetting(&s); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save setting")
		log.Printf("httpapi: put setting %s: %v", s.Key, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- secrets (global scope) ---

func (h *Handler) handleListSecrets(scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secrets, err := h.store.ListSecrets(scope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list secrets")
			log.Printf("httpapi: list secrets %s: %v", scope, err)
			return
		}
		writeJSON(w, http.StatusOK, model.Page[*model.Secret]{Items: secrets})
	}
}

func (h *Handler) handleGetSecret(scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		s, err := h.store.GetSecret(key, scope)
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "secret not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get secret")
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

type putSecretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *Handler) handlePutSecret(scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		var req putSecretRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if key := chi.URLParam(r, "key"); key != "" {
			req.Key = key
		}
		if req.Key == "" {
			writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		s := &model.Secret{Key: req.Key, Value: req.Value, Scope: scope}
		if err := h.store.PutSecret(s); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save secret")
			log.Printf("httpapi: put secret %s/%s: %v", scope, req.Key, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func (h *Handler) handleDeleteSecret(scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if err := h.store.DeleteSecret(key, scope); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete secret")
			log.Printf("httpapi: delete secret %s/%s: %v", scope, key, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- secrets (per-repo scope) ---

func repoScope(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
}

func (h *Handler) handleListRepoSecrets(w http.ResponseWriter, r *http.Request) {
	h.handleListSecrets(repoScope(r))(w, r)
}

func (h *Handler) handleGetRepoSecret(w http.ResponseWriter, r *http.Request) {
	h.handleGetSecret(repoScope(r))(w, r)
}

func (h *Handler) handlePutRepoSecret(w http.ResponseWriter, r *http.Request) {
	h.handlePutSecret(repoScope(r))(w, r)
}

func (h *Handler) handleDeleteRepoSecret(w http.ResponseWriter, r *http.Request) {
	h.handleDeleteSecret(repoScope(r))(w, r)
}

// --- websocket ---

// clientFrame is the union of incoming client frame shapes (§6): ping,
// subscribe, prompt, stop, fetch_history. typing/presence are accepted and
// ignored.
type clientFrame struct {
	Type            string          `json:"type"`
	Content         string          `json:"content,omitempty"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort string          `json:"reasoningEffort,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	Cursor          string          `json:"cursor,omitempty"`
	Limit           int             `json:"limit,omitempty"`
}

// handleSocket upgrades either a client connection or, when the request
// carries ?type=sandbox, a sandbox bridge connection, and runs its frame
// loop. Grounded on wingedpig-trellis's serveSession: a read goroutine
// feeding a buffered channel so the dispatch loop never blocks on a slow
// peer, and read-deadline extension on every received frame for liveness
// instead of a server-driven ping ticker, since this boundary's ping/pong
// is an application-level frame pair, not a websocket control frame pair.
func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if r.URL.Query().Get("type") == "sandbox" {
		h.serveBridge(conn, sessionID)
		return
	}
	h.serveClient(conn, sessionID)
}

func (h *Handler) serveClient(conn *websocket.Conn, sessionID string) {
	defer conn.Close()

	if err := h.core.HandleClientSubscribe(sessionID, conn); err != nil {
		// HandleClientSubscribe already closed the socket with the
		// appropriate close code when the session doesn't exist.
		return
	}
	defer h.core.HandleClientDisconnect(sessionID, conn)

	type readResult struct {
		frame clientFrame
		err   error
	}
	readCh := make(chan readResult, 8)
	go func() {
		for {
			var f clientFrame
			err := conn.ReadJSON(&f)
			readCh <- readResult{f, err}
			if err != nil {
				return
			}
		}
	}()

	for res := range readCh {
		if res.err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(clientReadTimeout))

		switch res.frame.Type {
		case "ping":
			h.registry.SendToClient(sessionID, conn, map[string]any{
				"type": "pong", "timestamp": time.Now().UnixMilli(),
			})
		case "subscribe":
			_ = h.core.HandleClientSubscribe(sessionID, conn)
		case "prompt":
			in := session.PromptInput{
				Content:         res.frame.Content,
				Model:           res.frame.Model,
				ReasoningEffort: res.frame.ReasoningEffort,
				Attachments:     res.frame.Attachments,
			}
			if err := h.core.HandleClientPrompt(context.Background(), sessionID, in); err != nil {
				log.Printf("httpapi: prompt session %s: %v", sessionID, err)
			}
		case "stop":
			if err := h.core.HandleStopExecution(sessionID); err != nil {
				log.Printf("httpapi: stop session %s: %v", sessionID, err)
			}
		case "fetch_history":
			page, err := h.core.HandleFetchHistory(sessionID, res.frame.Cursor, res.frame.Limit)
			if err != nil {
				h.registry.SendToClient(sessionID, conn, map[string]any{"type": "error", "code": "bad_cursor"})
				continue
			}
			h.registry.SendToClient(sessionID, conn, page)
		case "typing", "presence":
			// Ignored per the external interface contract.
		default:
			log.Printf("httpapi: session %s: unrecognized client frame type %q", sessionID, res.frame.Type)
		}
	}
}

func (h *Handler) serveBridge(conn *websocket.Conn, sessionID string) {
	defer conn.Close()
	h.core.HandleBridgeConnect(sessionID, conn)
	defer h.core.HandleBridgeDisconnect(sessionID, conn)

	for {
		var ev session.SandboxEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if err := h.core.IngestSandboxEvent(sessionID, ev); err != nil {
			log.Printf("httpapi: session %s: ingesting sandbox event %s: %v", sessionID, ev.Type, err)
		}
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
