package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muxtunnel/muxtunneld/internal/claude"
	"github.com/muxtunnel/muxtunneld/internal/config"
	"github.com/muxtunnel/muxtunneld/internal/model"
	"github.com/muxtunnel/muxtunneld/internal/order"
	"github.com/muxtunnel/muxtunneld/internal/ptymux"
	"github.com/muxtunnel/muxtunneld/internal/resolver"
	"github.com/muxtunnel/muxtunneld/internal/settings"
	"github.com/muxtunnel/muxtunneld/internal/tmux"
)

// fakeRunner answers tmux and ps invocations from canned responses and
// records every command line.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(name string, args []string) ([]byte, []byte, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if f.respond == nil {
		return []byte("ok"), nil, nil
	}
	return f.respond(name, args)
}

func (f *fakeRunner) callLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		lines = append(lines, strings.Join(c, " "))
	}
	return lines
}

const snapshotFixture = "" +
	"alpha:0:shell:0:%1:1:80:24:0:0:101:zsh:1700000300:/home/u/code/alpha\n" +
	"beta:0:shell:0:%2:1:80:24:0:0:201:zsh:1700000400:/home/u/code/beta\n"

const psFixture = "101 1 zsh\n201 1 zsh\n"

func tmuxRunner() *fakeRunner {
	return &fakeRunner{respond: func(name string, args []string) ([]byte, []byte, error) {
		switch {
		case name == "ps":
			return []byte(psFixture), nil, nil
		case name == "tmux" && args[0] == "list-panes":
			return []byte(snapshotFixture), nil, nil
		case name == "tmux" && args[0] == "display-message":
			return []byte("80:24\n"), nil, nil
		default:
			return []byte("ok"), nil, nil
		}
	}}
}

type harness struct {
	server  *Server
	base    string
	runner  *fakeRunner
	watcher *claude.Watcher
	ptys    *ptymux.Mux
	spawned *spawnLog
	home    string
}

type spawnLog struct {
	mu   sync.Mutex
	cmds []*exec.Cmd
}

func (l *spawnLog) add(c *exec.Cmd) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, c)
}

func (l *spawnLog) first() *exec.Cmd {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cmds) == 0 {
		return nil
	}
	return l.cmds[0]
}

func startHarness(t *testing.T, runner *fakeRunner, shellScript string, cfgOpts ...func(*config.Config)) *harness {
	t.Helper()
	home := t.TempDir()
	configDir := filepath.Join(home, ".muxtunnel")
	claudeRoot := filepath.Join(home, ".claude", "projects")

	cfg := config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		ConfigDir:         configDir,
		ClaudeRoot:        claudeRoot,
		CommandTimeout:    2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		SettingsDebounce:  50 * time.Millisecond,
	}
	for _, opt := range cfgOpts {
		opt(&cfg)
	}

	st := settings.NewStore(configDir, cfg.SettingsDebounce, nil)
	st.Load()
	record, _ := st.Get()
	opts := func() resolver.Options {
		return resolver.Options{
			Strategy: record.Resolver,
			MaxDepth: record.Projects.MaxDepth,
			Ignore:   record.Projects.Ignore,
		}
	}

	watcher := claude.NewWatcher(claudeRoot, nil)
	spawned := &spawnLog{}
	ptys := ptymux.NewMuxWithCommand(nil, func(string) *exec.Cmd {
		c := exec.Command("/bin/sh", "-c", shellScript)
		spawned.add(c)
		return c
	})

	ordStore := order.NewStore(cfg.OrderFile(), nil)
	ordStore.Load()

	s := NewServer(cfg, Deps{
		Tmux:     tmux.NewClientWithRunner(cfg.CommandTimeout, runner),
		Watcher:  watcher,
		Resolver: resolver.New(home, cfg.HistoryFile(), opts, nil),
		Settings: st,
		Order:    ordStore,
		Ptys:     ptys,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return &harness{
		server:  s,
		base:    "http://" + s.Addr(),
		runner:  runner,
		watcher: watcher,
		ptys:    ptys,
		spawned: spawned,
		home:    home,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.base+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealthReportsTmuxState(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	resp, body := h.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var health struct {
		Status      string `json:"status"`
		TmuxRunning bool   `json:"tmuxRunning"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || !health.TmuxRunning {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestListSessionsAppliesSavedOrder(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	if resp, body := h.do(t, http.MethodPut, "/api/session-order", map[string]any{"order": []string{"beta", "alpha"}}); resp.StatusCode != http.StatusOK {
		t.Fatalf("save order: %d %s", resp.StatusCode, body)
	}

	resp, body := h.do(t, http.MethodGet, "/api/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var sessions []model.Session
	if err := json.Unmarshal(body, &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 2 || sessions[0].Name != "beta" || sessions[1].Name != "alpha" {
		t.Fatalf("order not applied: %+v", sessions)
	}
	if sessions[0].Path != "/home/u/code/beta" {
		t.Fatalf("session path lost: %+v", sessions[0])
	}
}

func TestSessionOrderRejectsDuplicates(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	resp, _ := h.do(t, http.MethodPut, "/api/session-order", map[string]any{"order": []string{"a", "a"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateSessionRecordsSelection(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	cwd := filepath.Join(h.home, "code", "acme")
	resp, body := h.do(t, http.MethodPost, "/api/sessions", map[string]string{"name": "acme", "cwd": cwd})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}

	historyFile := filepath.Join(h.home, ".muxtunnel", "history.json")
	raw, err := os.ReadFile(historyFile)
	if err != nil {
		t.Fatalf("selection not recorded: %v", err)
	}
	if !strings.Contains(string(raw), cwd) {
		t.Fatalf("history missing cwd: %s", raw)
	}
}

func TestCreateSessionRejectsInvalidName(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	resp, _ := h.do(t, http.MethodPost, "/api/sessions", map[string]string{"name": "bad/name", "cwd": "/tmp"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPaneInputSendsLiteralKeysThenEnter(t *testing.T) {
	runner := tmuxRunner()
	h := startHarness(t, runner, "cat")
	resp, body := h.do(t, http.MethodPost, "/api/panes/alpha:0.0/input", map[string]string{"text": "ls -la"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("input: %d %s", resp.StatusCode, body)
	}
	lines := strings.Join(runner.callLines(), "\n")
	if !strings.Contains(lines, "tmux send-keys -t alpha:0.0 -l ls -la") {
		t.Fatalf("literal send-keys missing:\n%s", lines)
	}
	if !strings.Contains(lines, "tmux send-keys -t alpha:0.0 Enter") {
		t.Fatalf("enter send-keys missing:\n%s", lines)
	}
}

func TestDeleteVanishedSessionIs404(t *testing.T) {
	runner := &fakeRunner{respond: func(name string, args []string) ([]byte, []byte, error) {
		if name == "tmux" && args[0] == "kill-session" {
			return nil, []byte("can't find session: ghost"), fmt.Errorf("exit status 1")
		}
		return []byte("ok"), nil, nil
	}}
	h := startHarness(t, runner, "cat")
	resp, body := h.do(t, http.MethodDelete, "/api/sessions/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "can't find session") {
		t.Fatalf("stderr tail not surfaced: %s", body)
	}
}

func TestResolveUnknownProjectIs404(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	resp, body := h.do(t, http.MethodGet, "/api/projects/resolve/nonexistent", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.StatusCode, body)
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		t.Fatalf("error shape: %s", body)
	}
}

func TestResolveKnownProject(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	dir := filepath.Join(h.home, "code", "acme")
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	resp, body := h.do(t, http.MethodGet, "/api/projects/resolve/acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", resp.StatusCode, body)
	}
	var entry model.ProjectEntry
	if err := json.Unmarshal(body, &entry); err != nil || entry.Path != dir {
		t.Fatalf("unexpected entry: %s", body)
	}
}

func TestMarkViewedClearsLatch(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	resp, body := h.do(t, http.MethodPost, "/api/claude-sessions/abc/viewed", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("viewed: %d %s", resp.StatusCode, body)
	}
	if h.watcher.Notified("abc") {
		t.Fatalf("latch not cleared")
	}
}

func TestSettingsEndpointReturnsVersionedRecord(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	resp, body := h.do(t, http.MethodGet, "/api/settings", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settings: %d %s", resp.StatusCode, body)
	}
	var out struct {
		Version  int64             `json:"version"`
		Settings settings.Settings `json:"settings"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Version < 1 || out.Settings.Terminal.FontSize != 14 {
		t.Fatalf("unexpected settings payload: %s", body)
	}
}

func TestBackgroundWithoutImageIs404(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	resp, _ := h.do(t, http.MethodGet, "/api/settings/background", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := startHarness(t, tmuxRunner(), "cat")
	req, _ := http.NewRequest(http.MethodOptions, h.base+"/api/sessions", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS header missing")
	}
}

func TestStaticFallsBackToIndex(t *testing.T) {
	staticDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("<html>app</html>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := startHarness(t, tmuxRunner(), "cat", func(cfg *config.Config) {
		cfg.StaticDir = staticDir
	})

	resp, body := h.do(t, http.MethodGet, "/some/client/route", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "app") {
		t.Fatalf("index fallback failed: %d %s", resp.StatusCode, body)
	}

	// A missing dotted asset is a clean 404, never index.html.
	resp, body = h.do(t, http.MethodGet, "/assets/app.js", nil)
	if resp.StatusCode != http.StatusNotFound || strings.Contains(string(body), "app") {
		t.Fatalf("missing asset not a 404: %d %s", resp.StatusCode, body)
	}

	// Traversal attempts never escape the static dir.
	resp, body = h.do(t, http.MethodGet, "/..%2f..%2fetc%2fpasswd", nil)
	if resp.StatusCode != http.StatusOK || strings.Contains(string(body), "root:") {
		t.Fatalf("traversal escaped: %d %s", resp.StatusCode, body)
	}
}
