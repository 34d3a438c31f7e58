// Package registry implements the ConnectionRegistry contract (spec
// component C4): the process-wide map from session id to its connected
// client sockets and its single sandbox bridge socket.
package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socket pairs a websocket connection with the mutex that must guard every
// write to it, so broadcast and direct-send never interleave frames.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

type sessionConns struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]*socket
	sandbox *socket
}

// Registry is the process-wide ConnectionRegistry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionConns
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*sessionConns)}
}

func (r *Registry) entry(sessionID string) *sessionConns {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &sessionConns{clients: make(map[*websocket.Conn]*socket)}
		r.sessions[sessionID] = s
	}
	return s
}

// RegisterClient adds a client socket for a session.
func (r *Registry) RegisterClient(sessionID string, conn *websocket.Conn) {
	s := r.entry(sessionID)
	s.mu.Lock()
	s.clients[conn] = &socket{conn: conn}
	s.mu.Unlock()
}

// UnregisterClient removes a client socket for a session, cleaning up the
// session entry entirely if it now has no clients and no sandbox bridge.
func (r *Registry) UnregisterClient(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.clients, conn)
	empty := len(s.clients) == 0 && s.sandbox == nil
	s.mu.Unlock()
	if empty {
		delete(r.sessions, sessionID)
	}
}

// RegisterSandbox installs conn as the session's sandbox bridge. Idempotent:
// if a previous bridge exists it is displaced (its connection is left for
// the caller to close) and the new one wins.
func (r *Registry) RegisterSandbox(sessionID string, conn *websocket.Conn) {
	s := r.entry(sessionID)
	s.mu.Lock()
	s.sandbox = &socket{conn: conn}
	s.mu.Unlock()
}

// UnregisterSandbox removes the session's sandbox bridge, but only if conn
// still matches the currently registered one — a stale goroutine racing a
// newer bridge connection must not clear it out from under the winner.
func (r *Registry) UnregisterSandbox(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	matches := s.sandbox != nil && s.sandbox.conn == conn
	if matches {
		s.sandbox = nil
	}
	empty := len(s.clients) == 0 && s.sandbox == nil
	s.mu.Unlock()
	if matches && empty {
		delete(r.sessions, sessionID)
	}
}

// HasSandbox reports whether a session currently has a registered sandbox
// bridge.
func (r *Registry) HasSandbox(sessionID string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandbox != nil
}

// Broadcast fans msg out to every connected client of a session. Individual
// socket write failures are swallowed — a slow or dead client must never
// block or fail delivery to the rest.
func (r *Registry) Broadcast(sessionID string, msg any) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	targets := make([]*socket, 0, len(s.clients))
	for _, sock := range s.clients {
		targets = append(targets, sock)
	}
	s.mu.Unlock()

	for _, sock := range targets {
		_ = sock.writeJSON(msg)
	}
}

// SendToSandbox writes msg to the session's sandbox bridge, returning false
// if there is no bridge registered or the write fails.
func (r *Registry) SendToSandbox(sessionID string, msg any) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	bridge := s.sandbox
	s.mu.Unlock()
	if bridge == nil {
		return false
	}

	return bridge.writeJSON(msg) == nil
}

// SendToClient writes msg to one specific client socket of a session,
// returning false if that socket is not registered or the write fails.
func (r *Registry) SendToClient(sessionID string, conn *websocket.Conn, msg any) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	sock, ok := s.clients[conn]
	s.mu.Unlock()
	if !ok {
		return false
	}

	return sock.writeJSON(msg) == nil
}

// Close gracefully closes every socket registered for a session — every
// client and the sandbox bridge, if any — with the given close code and
// reason, and removes the session entry.
func (r *Registry) Close(sessionID string, code int, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	closeMsg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		_ = conn.Close()
	}
	if s.sandbox != nil {
		_ = s.sandbox.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		_ = s.sandbox.conn.Close()
	}
}

// ClientCount returns the number of connected client sockets for a session.
func (r *Registry) ClientCount(sessionID string) int {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
