package claude

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type latchState struct {
	notified bool
	viewedAt *time.Time
}

// Watcher owns per-session notification state and keeps it current by
// watching the transcript root for writes. Reads from the gateway go
// through SessionsForProject/ActiveSession; the latch mutates only
// here and in MarkViewed.
type Watcher struct {
	root string
	log  *slog.Logger

	mu           sync.Mutex
	notification map[string]latchState
	prevStatus   map[string]string

	// test seam
	now func() time.Time
}

func NewWatcher(root string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		root:         root,
		log:          log.With("component", "claude"),
		notification: make(map[string]latchState),
		prevStatus:   make(map[string]string),
		now:          time.Now,
	}
}

// MarkViewed clears the latch and records the view time.
func (w *Watcher) MarkViewed(sessionID string) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notification[sessionID] = latchState{notified: false, viewedAt: &now}
}

// Notified reports the current latch value for a session.
func (w *Watcher) Notified(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.notification[sessionID].notified
}

// checkAndNotify runs the latch transition for one transcript.
//
// thinking -> done sets the latch; done with neither a latch nor a
// recorded view also sets it (covers sessions first observed already
// done); leaving done clears viewedAt so the next completion can
// notify again.
func (w *Watcher) checkAndNotify(sessionID, jsonlPath string) {
	status := string(SessionStatus(jsonlPath, w.now()))

	w.mu.Lock()
	defer w.mu.Unlock()

	prev, hadPrev := w.prevStatus[sessionID]
	state := w.notification[sessionID]

	if hadPrev && prev == "done" && status != "done" {
		state.viewedAt = nil
	}
	if hadPrev && prev == "thinking" && status == "done" {
		w.log.Info("assistant session completed", "session", sessionID)
		state.notified = true
	}
	if status == "done" && !state.notified && state.viewedAt == nil {
		state.notified = true
	}

	w.notification[sessionID] = state
	w.prevStatus[sessionID] = status
}

// Run watches the transcript root recursively until ctx is cancelled.
// The root may not exist yet (no assistant installed); in that case
// Run retries until it appears, and restarts the watch if the root is
// recreated underneath it.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if err := w.watchOnce(ctx); err != nil {
			w.log.Warn("transcript watch stopped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	if _, err := os.Stat(w.root); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// fsnotify is not recursive: watch the root plus every project dir.
	if err := fsw.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = fsw.Add(filepath.Join(w.root, e.Name()))
		}
	}
	w.log.Info("watching assistant transcripts", "root", w.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// fsnotify drops the watch silently when the watched dir
			// itself goes away; bail out so Run reinstalls it once the
			// root reappears.
			if ev.Name == w.root && (ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)) {
				return errors.New("transcript root removed")
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("transcript watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			_ = fsw.Add(ev.Name)
			return
		}
	}
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}
	if !strings.HasSuffix(ev.Name, ".jsonl") {
		return
	}
	sessionID := strings.TrimSuffix(filepath.Base(ev.Name), ".jsonl")
	w.checkAndNotify(sessionID, ev.Name)
}
