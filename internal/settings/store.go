// Package settings provides the versioned, hot-reloadable settings
// record. A single schema table drives the default record, the
// generated defaults.jsonc, and user-override merging.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Store struct {
	dir      string
	debounce time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	settings Settings
	version  int64
}

func NewStore(dir string, debounce time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{dir: dir, debounce: debounce, log: log.With("component", "settings")}
}

func (s *Store) settingsFile() string { return filepath.Join(s.dir, "settings.json") }
func (s *Store) defaultsFile() string { return filepath.Join(s.dir, "defaults.jsonc") }

// Get returns the current record and its version. The version
// strictly increases on every successful reload, so consumers can
// cheaply detect change.
func (s *Store) Get() (Settings, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.version
}

// Load reads settings.json, merges it over the schema defaults, clamps
// ranges, and bumps the version. Missing or unreadable files yield the
// defaults.
func (s *Store) Load() {
	loaded := s.loadMerged()
	s.mu.Lock()
	s.settings = loaded
	s.version++
	version := s.version
	s.mu.Unlock()
	s.log.Info("settings loaded", "version", version)
}

// defaultTree builds the nested default record from the flat schema.
func defaultTree() map[string]any {
	tree := map[string]any{}
	for _, st := range Schema {
		insertDotKey(tree, st.Key, st.Default)
	}
	return tree
}

func insertDotKey(tree map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	cur := tree
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
}

// expandDotKeys lets users write either nested objects or flat
// "a.b.c" keys in settings.json.
func expandDotKeys(obj map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range obj {
		if strings.Contains(key, ".") {
			insertDotKey(out, key, value)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = expandDotKeys(nested)
			continue
		}
		out[key] = value
	}
	return out
}

// deepMerge overlays user values on defaults; nested objects merge
// recursively, everything else replaces.
func deepMerge(defaults, user map[string]any) map[string]any {
	out := make(map[string]any, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, uv := range user {
		if dv, ok := out[k].(map[string]any); ok {
			if um, ok := uv.(map[string]any); ok {
				out[k] = deepMerge(dv, um)
				continue
			}
		}
		out[k] = uv
	}
	return out
}

func (s *Store) loadMerged() Settings {
	merged := defaultTree()
	if raw, err := os.ReadFile(s.settingsFile()); err == nil {
		var user map[string]any
		if err := json.Unmarshal(raw, &user); err == nil {
			merged = deepMerge(merged, expandDotKeys(user))
		} else {
			s.log.Warn("settings.json is not valid JSON, using defaults", "error", err)
		}
	}

	var out Settings
	raw, err := json.Marshal(merged)
	if err == nil {
		err = json.Unmarshal(raw, &out)
	}
	if err != nil {
		s.log.Warn("settings merge failed, using defaults", "error", err)
		out = Settings{}
		rawDefaults, _ := json.Marshal(defaultTree())
		_ = json.Unmarshal(rawDefaults, &out)
	}
	clamp(&out)
	return out
}

func clamp(st *Settings) {
	if st.Projects.MaxDepth < 1 {
		st.Projects.MaxDepth = 1
	}
	if st.Background.Opacity < 0 {
		st.Background.Opacity = 0
	}
	if st.Background.Opacity > 1 {
		st.Background.Opacity = 1
	}
	if st.Terminal.FontSize < 1 {
		st.Terminal.FontSize = 14
	}
	if st.Window.Padding < 0 {
		st.Window.Padding = 0
	}
}

// WriteDefaults regenerates defaults.jsonc in the config dir. The file
// is documentation only and is rewritten on every startup.
func (s *Store) WriteDefaults() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var b strings.Builder
	b.WriteString("// MuxTunnel settings reference. Generated on startup; edits here are ignored.\n")
	b.WriteString("// Override values in settings.json next to this file, using either nested\n")
	b.WriteString("// objects or flat dot-notation keys.\n")
	b.WriteString("{\n")
	for i, st := range Schema {
		b.WriteString("  // " + st.Description + "\n")
		raw, err := json.Marshal(st.Default)
		if err != nil {
			return fmt.Errorf("marshal default for %s: %w", st.Key, err)
		}
		fmt.Fprintf(&b, "  %q: %s", st.Key, raw)
		if i < len(Schema)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return os.WriteFile(s.defaultsFile(), []byte(b.String()), 0o644)
}

// BackgroundImagePath resolves the configured background image to a
// local file. Remote URLs and missing files resolve to "".
func (s *Store) BackgroundImagePath() string {
	st, _ := s.Get()
	if st.Background.Image == nil {
		return ""
	}
	image := *st.Background.Image
	if image == "" || strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return ""
	}
	if strings.HasPrefix(image, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		image = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(image, "~"), "/"))
	}
	if st, err := os.Stat(image); err != nil || st.IsDir() {
		return ""
	}
	return image
}

// Watch reloads on settings.json changes until ctx is cancelled.
// Events are debounced: editors produce bursts of writes and renames.
// The watch is reinstalled if the config dir itself is removed and
// recreated.
func (s *Store) Watch(ctx context.Context) {
	for {
		if err := s.watchOnce(ctx); err != nil {
			s.log.Warn("settings watch stopped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *Store) watchOnce(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(s.dir); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// A removed config dir kills the watch silently; bail out
			// so the outer loop recreates dir and watch.
			if ev.Name == s.dir && (ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)) {
				return errors.New("config dir removed")
			}
			if filepath.Base(ev.Name) != "settings.json" {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				timerC = timer.C
			} else {
				timer.Reset(s.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			s.Load()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("settings watch error", "error", err)
		}
	}
}
