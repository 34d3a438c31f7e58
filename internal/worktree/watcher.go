package worktree

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pruneDebounce coalesces bursts of removal events (e.g. `rm -rf` on a
// worktree directory fires one event per descendant) into a single prune.
const pruneDebounce = 500 * time.Millisecond

// Watcher watches worktreesDir for out-of-band removals (an operator or a
// crashed sandbox deleting a worktree directory directly, bypassing
// Manager.Remove) and prunes git's worktree registry in response, so List
// and GetPath never surface a worktree git still believes exists.
type Watcher struct {
	fsw    *fsnotify.Watcher
	repoOf func(sessionID string) (string, bool)
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher starts watching worktreesDir for removals. repoOf resolves a
// session ID (the directory's base name) to the repo path its worktree was
// registered under, so the prune runs `git -C <repoPath> worktree prune`;
// sessions the caller no longer knows about are skipped.
func NewWatcher(mgr *Manager, repoOf func(sessionID string) (string, bool)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(mgr.worktreesDir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:    fsw,
		repoOf: repoOf,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var pending string
	var timer *time.Timer
	fire := make(chan struct{})

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = ev.Name
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(pruneDebounce, func() { fire <- struct{}{} })

		case <-fire:
			w.pruneFor(pending)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("worktree: watcher error: %v", err)
		}
	}
}

func (w *Watcher) pruneFor(path string) {
	sessionID := sessionIDFromPath(path)
	repoPath, ok := w.repoOf(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := runGit(ctx, "-C", repoPath, "worktree", "prune"); err != nil {
		log.Printf("worktree: self-heal prune for session %s failed: %v", sessionID, err)
	}
}

// Stop stops the watcher and releases the underlying inotify handle.
func (w *Watcher) Stop() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
	return w.fsw.Close()
}
