package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/muxtunnel/muxtunneld/internal/api"
	"github.com/muxtunnel/muxtunneld/internal/model"
	"github.com/muxtunnel/muxtunneld/internal/tmux"
)

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	case http.MethodPost:
		s.createSession(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions := s.tmux.Snapshot(ctx)
	s.attachAssistantState(ctx, sessions)
	sessions = s.order.Apply(sessions)
	s.writeJSON(w, http.StatusOK, sessions)
}

// attachAssistantState links every pane running the assistant to its
// most recent transcript. The transcript is authoritative for the
// notification latch; live pane output can only promote the status to
// thinking, covering the gap before the first transcript write lands.
func (s *Server) attachAssistantState(ctx context.Context, sessions []model.Session) {
	for si := range sessions {
		for wi := range sessions[si].Windows {
			panes := sessions[si].Windows[wi].Panes
			for pi := range panes {
				pane := &panes[pi]
				if pane.Process != "claude" {
					continue
				}
				cwd := s.tmux.PaneCwd(ctx, pane.Target)
				if cwd == "" {
					continue
				}
				cs := s.watcher.ActiveSession(cwd)
				if cs == nil {
					continue
				}
				if cs.Status != model.StatusThinking && s.tmux.IsPaneProcessing(ctx, pane.Target) {
					cs.Status = model.StatusThinking
				}
				pane.ClaudeSession = cs
			}
		}
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.tmux.CreateSession(r.Context(), req.Name, req.Cwd); err != nil {
		s.writeCommandError(w, err)
		return
	}
	if req.Cwd != "" {
		s.resolver.RecordSelection(req.Cwd)
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) sessionByNameHandler(w http.ResponseWriter, r *http.Request) {
	name, ok := pathTail(r.URL.Path, "/api/sessions/")
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}
	if err := s.tmux.KillSession(r.Context(), name); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) paneHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/api/panes/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "pane not found")
		return
	}
	target, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid pane target encoding")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.tmux.KillPane(r.Context(), target); err != nil {
			s.writeCommandError(w, err)
			return
		}
	case len(parts) == 2 && parts[1] == "input" && r.Method == http.MethodPost:
		var req api.PaneInputRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.tmux.SendKeys(r.Context(), target, req.Text); err != nil {
			s.writeCommandError(w, err)
			return
		}
	case len(parts) == 2 && parts[1] == "interrupt" && r.Method == http.MethodPost:
		if err := s.tmux.SendInterrupt(r.Context(), target); err != nil {
			s.writeCommandError(w, err)
			return
		}
	default:
		s.writeError(w, http.StatusNotFound, "pane route not found")
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) projectsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	entries := s.resolver.List(r.Context(), r.URL.Query().Get("query"))
	if entries == nil {
		entries = []model.ProjectEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) resolveProjectHandler(w http.ResponseWriter, r *http.Request) {
	name, ok := pathTail(r.URL.Path, "/api/projects/resolve/")
	if !ok {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	entry := s.resolver.ResolveOne(r.Context(), name)
	if entry == nil {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) claudeSessionHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/api/claude-sessions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "viewed" {
		s.writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	id, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid session id encoding")
		return
	}
	s.watcher.MarkViewed(id)
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) sessionOrderHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		orderList := s.order.Get()
		if orderList == nil {
			orderList = []string{}
		}
		s.writeJSON(w, http.StatusOK, orderList)
	case http.MethodPut:
		var req api.SessionOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.order.Save(req.Order); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, struct{}{})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	record, version := s.settings.Get()
	s.writeJSON(w, http.StatusOK, api.SettingsResponse{Version: version, Settings: record})
}

func (s *Server) backgroundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	path := s.settings.BackgroundImagePath()
	if path == "" {
		s.writeError(w, http.StatusNotFound, "no background image configured")
		return
	}
	http.ServeFile(w, r, path)
}

// sessionChangedHandler is the tmux hook callback: find the stream
// whose attach child is the reporting tmux client and forward the
// switch as a control frame.
func (s *Server) sessionChangedHandler(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.URL.Query().Get("pid"))
	session := r.URL.Query().Get("session")
	if err != nil || pid <= 0 || session == "" {
		s.writeError(w, http.StatusBadRequest, "pid and session are required")
		return
	}
	if client := s.ptys.ByClientPID(pid); client != nil {
		if st := s.streamByClientID(client.ID); st != nil {
			st.sendSessionChanged(session)
		}
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

// writeCommandError maps tmux failures onto the RPC error contract: a
// failed tmux command almost always means the referenced target is
// gone.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	var cmdErr *tmux.CommandError
	if errors.As(err, &cmdErr) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusBadRequest, err.Error())
}

func pathTail(path, prefix string) (string, bool) {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" || strings.Contains(tail, "/") {
		return "", false
	}
	name, err := url.PathUnescape(tail)
	if err != nil {
		return "", false
	}
	return name, true
}
