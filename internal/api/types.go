// Package api declares the JSON wire types shared by the gateway and
// its clients.
package api

import (
	"github.com/muxtunnel/muxtunneld/internal/model"
	"github.com/muxtunnel/muxtunneld/internal/settings"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	TmuxRunning bool   `json:"tmuxRunning"`
}

type CreateSessionRequest struct {
	Name string `json:"name"`
	Cwd  string `json:"cwd"`
}

type PaneInputRequest struct {
	Text string `json:"text"`
}

type SessionOrderRequest struct {
	Order []string `json:"order"`
}

type SettingsResponse struct {
	Version  int64             `json:"version"`
	Settings settings.Settings `json:"settings"`
}

// PaneInfoMessage is the first text frame on every stream, sent before
// any pty bytes.
type PaneInfoMessage struct {
	Type string     `json:"type"`
	Pane model.Pane `json:"pane"`
}

// SessionChangedMessage tells a streaming client its tmux client
// switched sessions.
type SessionChangedMessage struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}
