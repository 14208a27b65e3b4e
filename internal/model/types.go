package model

import (
	"fmt"
	"regexp"
)

// Status is the derived activity state of an assistant session.
type Status string

const (
	StatusThinking Status = "thinking"
	StatusDone     Status = "done"
	StatusIdle     Status = "idle"
)

// ClaudeSession ties a pane to an assistant transcript and its
// notification latch. Status is derived from the transcript tail;
// Notified is a one-shot latch cleared only by an explicit view.
type ClaudeSession struct {
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary"`
	Status    Status `json:"status"`
	Notified  bool   `json:"notified"`
}

// Pane is one tmux pane as observed in a snapshot. Target is the
// stable "session:window.pane" address.
type Pane struct {
	SessionName   string         `json:"sessionName"`
	WindowIndex   int            `json:"windowIndex"`
	WindowName    string         `json:"windowName"`
	PaneIndex     int            `json:"paneIndex"`
	PaneID        string         `json:"paneId"`
	Target        string         `json:"target"`
	Active        bool           `json:"active"`
	Cols          int            `json:"cols"`
	Rows          int            `json:"rows"`
	Left          int            `json:"left"`
	Top           int            `json:"top"`
	PID           int            `json:"pid"`
	Process       string         `json:"process"`
	ClaudeSession *ClaudeSession `json:"claudeSession,omitempty"`
}

type Window struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Panes []Pane `json:"panes"`
}

type SessionDimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Session is an immutable projection of one tmux session. Windows are
// sorted by index ascending, panes within a window by pane index.
type Session struct {
	Name       string             `json:"name"`
	Windows    []Window           `json:"windows"`
	Dimensions *SessionDimensions `json:"dimensions,omitempty"`
	Activity   int64              `json:"activity,omitempty"`
	Path       string             `json:"path,omitempty"`
}

// ProjectEntry is a ranked resolver result.
type ProjectEntry struct {
	Name  string  `json:"name"`
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

var sessionNameRe = regexp.MustCompile(`^[^/?#]+$`)

// reservedNames are path segments owned by the gateway; a session with
// one of these names would be unroutable from the SPA.
var reservedNames = map[string]struct{}{
	"api":        {},
	"ws":         {},
	"health":     {},
	"assets":     {},
	"index.html": {},
}

// ValidateSessionName rejects names that cannot round-trip through a
// URL path segment or that collide with gateway routes.
func ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if !sessionNameRe.MatchString(name) {
		return fmt.Errorf("invalid session name: %q", name)
	}
	if _, reserved := reservedNames[name]; reserved {
		return fmt.Errorf("session name is reserved: %q", name)
	}
	return nil
}
