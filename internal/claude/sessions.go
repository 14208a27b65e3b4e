package claude

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/muxtunnel/muxtunneld/internal/model"
)

type indexEntry struct {
	SessionID   string `json:"sessionId"`
	FullPath    string `json:"fullPath"`
	Summary     string `json:"summary"`
	ProjectPath string `json:"projectPath"`
}

type sessionsIndex struct {
	Entries []indexEntry `json:"entries"`
}

// ProjectSlug maps a project path to its transcript directory name.
func ProjectSlug(projectPath string) string {
	return strings.ReplaceAll(projectPath, "/", "-")
}

type transcript struct {
	sessionID string
	fullPath  string
	summary   string
	modTime   time.Time
}

// transcriptsForProject enumerates transcripts for one project, via
// sessions-index.json when present, otherwise by scanning *.jsonl.
func (w *Watcher) transcriptsForProject(projectPath string) []transcript {
	projectDir := filepath.Join(w.root, ProjectSlug(projectPath))
	if _, err := os.Stat(projectDir); err != nil {
		return nil
	}

	var entries []transcript
	if raw, err := os.ReadFile(filepath.Join(projectDir, "sessions-index.json")); err == nil {
		var idx sessionsIndex
		if err := json.Unmarshal(raw, &idx); err == nil {
			for _, e := range idx.Entries {
				if e.ProjectPath != "" && e.ProjectPath != projectPath {
					continue
				}
				entries = append(entries, transcript{
					sessionID: e.SessionID,
					fullPath:  e.FullPath,
					summary:   e.Summary,
				})
			}
		}
	}
	if entries == nil {
		dirEntries, err := os.ReadDir(projectDir)
		if err != nil {
			return nil
		}
		for _, de := range dirEntries {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
				continue
			}
			entries = append(entries, transcript{
				sessionID: strings.TrimSuffix(de.Name(), ".jsonl"),
				fullPath:  filepath.Join(projectDir, de.Name()),
			})
		}
	}

	for i := range entries {
		if st, err := os.Stat(entries[i].fullPath); err == nil {
			entries[i].modTime = st.ModTime()
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.After(entries[j].modTime)
	})
	return entries
}

// SessionsForProject returns every known assistant session for a
// project, most recently modified first, running the latch transition
// for each as a side effect.
func (w *Watcher) SessionsForProject(projectPath string) []model.ClaudeSession {
	entries := w.transcriptsForProject(projectPath)
	sessions := make([]model.ClaudeSession, 0, len(entries))
	for _, e := range entries {
		w.checkAndNotify(e.sessionID, e.fullPath)
		status := SessionStatus(e.fullPath, w.now())
		sessions = append(sessions, model.ClaudeSession{
			SessionID: e.sessionID,
			Summary:   e.summary,
			Status:    status,
			Notified:  w.Notified(e.sessionID),
		})
	}
	return sessions
}

// ActiveSession returns the most recently modified session for a
// project, or nil when the project has no transcripts.
func (w *Watcher) ActiveSession(projectPath string) *model.ClaudeSession {
	sessions := w.SessionsForProject(projectPath)
	if len(sessions) == 0 {
		return nil
	}
	return &sessions[0]
}
