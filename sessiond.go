// Package sessiond is the top-level entry point for the session manager
// control plane. It composes the store, sandbox driver, worktree manager,
// connection registry, session core, and HTTP boundary into one runnable
// App.
//
//	app, err := sessiond.New(cfg)
//	app.Start(ctx)
package sessiond

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sessiond/sessiond/internal/config"
	"github.com/sessiond/sessiond/internal/httpapi"
	"github.com/sessiond/sessiond/internal/registry"
	"github.com/sessiond/sessiond/internal/sandbox"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/store/sqlite"
	"github.com/sessiond/sessiond/internal/worktree"
)

// App is a running sessiond control plane.
type App struct {
	config  *config.Config
	store   *sqlite.Store
	core    *session.Core
	handler *httpapi.Handler
	wtWatch *worktree.Watcher
}

// New composes an App from configuration. The returned App owns the
// sqlite.Store and closes it on Start's return.
func New(cfg *config.Config) (*App, error) {
	st, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	drv := sandbox.NewDriver()

	wt, err := worktree.NewManager(cfg.WorktreesDir)
	if err != nil {
		return nil, fmt.Errorf("creating worktree manager: %w", err)
	}

	reg := registry.New()

	port, err := listenPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("determining listen port: %w", err)
	}

	sessionCfg := session.Config{
		Port:                   port,
		SandboxImage:           cfg.SandboxImage,
		SandboxNetwork:         cfg.SandboxNetwork,
		SandboxCPULimit:        cfg.SandboxCPULimit,
		SandboxMemoryLimitMB:   cfg.SandboxMemoryLimitMB,
		SandboxCredDir:         cfg.SandboxCredDir,
		DefaultModel:           "claude-sonnet-4",
		DefaultReasoningEffort: "medium",
		EnvOverlay:             cfg.LLMAPIKeys,
		InactivityTimeout:      cfg.InactivityTimeout,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		HeartbeatTimeout:       cfg.HeartbeatTimeout,
	}
	core := session.New(sessionCfg, st, drv, wt, reg)

	handler := httpapi.New(core, st, reg)

	wtWatch, err := worktree.NewWatcher(wt, func(sessionID string) (string, bool) {
		s, err := st.GetSession(sessionID)
		if err != nil {
			return "", false
		}
		return s.RepoPath, true
	})
	if err != nil {
		return nil, fmt.Errorf("starting worktree watcher: %w", err)
	}

	return &App{config: cfg, store: st, core: core, handler: handler, wtWatch: wtWatch}, nil
}

// listenPort extracts the numeric port sessiond binds to from its listen
// address, so it can be forwarded to sandboxes as SESSIOND_SERVER_PORT and
// baked into their bridge dial URL.
func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully and closes the store.
func (a *App) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.config.Addr,
		Handler: a.handler.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("sessiond: shutdown: %v", err)
		}
	}()

	log.Printf("sessiond listening on %s", a.config.Addr)
	serveErr := srv.ListenAndServe()

	if err := a.wtWatch.Stop(); err != nil {
		log.Printf("sessiond: stopping worktree watcher: %v", err)
	}

	closeErr := a.store.Close()
	if serveErr != nil && serveErr != http.ErrServerClosed {
		return serveErr
	}
	return closeErr
}
