package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

type historyEntry struct {
	Rank         float64 `json:"rank"`
	LastAccessed int64   `json:"lastAccessed"`
}

type historyDB map[string]historyEntry

const (
	hour = 3600
	day  = 86400
	week = 604800
)

// discoveredScore ranks projects found on disk but never selected.
const discoveredScore = 0.1

// frecencyScore weights rank by recency of last selection.
func frecencyScore(e historyEntry, now int64) float64 {
	elapsed := now - e.LastAccessed
	switch {
	case elapsed < hour:
		return e.Rank * 4
	case elapsed < day:
		return e.Rank * 2
	case elapsed < week:
		return e.Rank * 0.5
	default:
		return e.Rank * 0.25
	}
}

func loadHistory(path string) historyDB {
	raw, err := os.ReadFile(path)
	if err != nil {
		return historyDB{}
	}
	var db historyDB
	if err := json.Unmarshal(raw, &db); err != nil {
		return historyDB{}
	}
	return db
}

// saveHistory rewrites the whole file; the store is small and the
// rewrite keeps it trivially consistent.
func saveHistory(path string, db historyDB) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// RecordSelection bumps the rank for a selected project path, or
// inserts it with rank 1. The external strategy keeps its own history.
func (r *Resolver) RecordSelection(path string) {
	if r.activeStrategy() != strategyBuiltin {
		return
	}
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	db := loadHistory(r.historyFile)
	e := db[path]
	e.Rank++
	e.LastAccessed = time.Now().Unix()
	db[path] = e
	if err := saveHistory(r.historyFile, db); err != nil {
		r.log.Error("save history failed", "error", err)
	}
}
