// Package order persists the user's sidebar session ordering.
package order

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/muxtunnel/muxtunneld/internal/model"
)

type Store struct {
	path string
	log  *slog.Logger

	mu    sync.Mutex
	order []string
}

func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log.With("component", "order")}
}

// Load reads the saved order; a missing or unreadable file is an
// empty order.
func (s *Store) Load() {
	var order []string
	if raw, err := os.ReadFile(s.path); err == nil {
		if err := json.Unmarshal(raw, &order); err != nil {
			order = nil
		}
	}
	s.mu.Lock()
	s.order = order
	s.mu.Unlock()
}

func (s *Store) Get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Save replaces the order, rejecting duplicate names, and rewrites the
// file.
func (s *Store) Save(order []string) error {
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if seen[name] {
			return fmt.Errorf("duplicate session name in order: %q", name)
		}
		seen[name] = true
	}

	s.mu.Lock()
	s.order = append([]string(nil), order...)
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	raw, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		s.log.Error("save session order failed", "error", err)
		return err
	}
	return nil
}

// Apply reorders sessions: names present in the saved order come
// first, in that order; everything else follows in server order. The
// result is always a permutation of the input.
func (s *Store) Apply(sessions []model.Session) []model.Session {
	saved := s.Get()
	if len(saved) == 0 {
		return sessions
	}
	byName := make(map[string]int, len(sessions))
	for i, session := range sessions {
		byName[session.Name] = i
	}
	used := make(map[string]bool, len(sessions))
	out := make([]model.Session, 0, len(sessions))
	for _, name := range saved {
		if i, ok := byName[name]; ok && !used[name] {
			out = append(out, sessions[i])
			used[name] = true
		}
	}
	for _, session := range sessions {
		if !used[session.Name] {
			out = append(out, session)
		}
	}
	return out
}
