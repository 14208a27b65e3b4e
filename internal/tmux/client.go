// Package tmux drives the tmux CLI and projects its state into
// immutable session snapshots. All operations shell out; none of them
// block the caller beyond the subprocess itself.
package tmux

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/muxtunnel/muxtunneld/internal/model"
	"github.com/muxtunnel/muxtunneld/internal/proctree"
)

type Client struct {
	runner  Runner
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	return &Client{runner: OSRunner{}, timeout: timeout}
}

func NewClientWithRunner(timeout time.Duration, runner Runner) *Client {
	return &Client{runner: runner, timeout: timeout}
}

func (c *Client) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, stderr, err := c.runner.Run(runCtx, name, args...)
	if err != nil {
		return nil, newCommandError(name+" "+strings.Join(args, " "), stderr, err)
	}
	return out, nil
}

// IsRunning probes the tmux server.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.run(ctx, "tmux", "list-sessions")
	return err == nil
}

// CreateSession creates a detached session rooted at cwd. Creating a
// session that already exists is a no-op.
func (c *Client) CreateSession(ctx context.Context, name, cwd string) error {
	if err := model.ValidateSessionName(name); err != nil {
		return err
	}
	if _, err := c.run(ctx, "tmux", "has-session", "-t", name); err == nil {
		return nil
	}
	if _, err := c.run(ctx, "tmux", "new-session", "-d", "-s", name, "-c", cwd); err != nil {
		return fmt.Errorf("create session %q: %w", name, err)
	}
	return nil
}

func (c *Client) KillSession(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "tmux", "kill-session", "-t", name); err != nil {
		return fmt.Errorf("kill session %q: %w", name, err)
	}
	return nil
}

func (c *Client) KillPane(ctx context.Context, target string) error {
	if _, err := c.run(ctx, "tmux", "kill-pane", "-t", target); err != nil {
		return fmt.Errorf("kill pane %q: %w", target, err)
	}
	return nil
}

// SendKeys sends literal text to a pane followed by Enter.
func (c *Client) SendKeys(ctx context.Context, target, text string) error {
	if _, err := c.run(ctx, "tmux", "send-keys", "-t", target, "-l", text); err != nil {
		return fmt.Errorf("send keys to %q: %w", target, err)
	}
	if _, err := c.run(ctx, "tmux", "send-keys", "-t", target, "Enter"); err != nil {
		return fmt.Errorf("send enter to %q: %w", target, err)
	}
	return nil
}

func (c *Client) SendInterrupt(ctx context.Context, target string) error {
	if _, err := c.run(ctx, "tmux", "send-keys", "-t", target, "C-c"); err != nil {
		return fmt.Errorf("send interrupt to %q: %w", target, err)
	}
	return nil
}

// PaneCwd returns the pane's current working directory, or "" when the
// pane is gone.
func (c *Client) PaneCwd(ctx context.Context, target string) string {
	out, err := c.run(ctx, "tmux", "display-message", "-t", target, "-p", "#{pane_current_path}")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// SessionDimensions reports the extent of a session's current window.
func (c *Client) SessionDimensions(ctx context.Context, sessionName string) *model.SessionDimensions {
	out, err := c.run(ctx, "tmux", "display-message", "-t", sessionName, "-p", "#{window_width}:#{window_height}")
	if err != nil {
		return nil
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), ":", 2)
	if len(parts) != 2 {
		return nil
	}
	width, werr := strconv.Atoi(parts[0])
	height, herr := strconv.Atoi(parts[1])
	if werr != nil || herr != nil || width < 1 || height < 1 {
		return nil
	}
	return &model.SessionDimensions{Width: width, Height: height}
}

// CapturePane returns the pane content with escape sequences, starting
// startLine lines back from the visible bottom.
func (c *Client) CapturePane(ctx context.Context, target string, startLine int) (string, error) {
	out, err := c.run(ctx, "tmux", "capture-pane", "-t", target, "-p", "-e", "-S", strconv.Itoa(startLine))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// thinkingColorRe matches the truecolor SGR range the assistant uses
// for its animated thinking indicator (orange/salmon band).
var thinkingColorRe = regexp.MustCompile(`\x1b\[38;2;(2[0-3][0-9]);(1[0-5][0-9]);([89][0-9]|1[0-2][0-9])m`)

// IsPaneProcessing inspects recent pane output for the assistant's
// thinking indicator: the orange color band plus the ellipsis glyph.
func (c *Client) IsPaneProcessing(ctx context.Context, target string) bool {
	out, err := c.CapturePane(ctx, target, -10)
	if err != nil {
		return false
	}
	return thinkingColorRe.MatchString(out) && strings.Contains(out, "…")
}

// InstallSessionChangedHook makes every tmux client report session
// switches back to the gateway. The hook survives until uninstalled,
// so shutdown must pair this with UninstallSessionChangedHook.
func (c *Client) InstallSessionChangedHook(ctx context.Context, callbackURL string) error {
	hook := fmt.Sprintf(
		`run-shell -b "curl -s '%s?pid=#{client_pid}&session=#{hook_session_name}' >/dev/null 2>&1 || true"`,
		callbackURL,
	)
	if _, err := c.run(ctx, "tmux", "set-hook", "-g", "client-session-changed", hook); err != nil {
		return fmt.Errorf("install session-changed hook: %w", err)
	}
	return nil
}

func (c *Client) UninstallSessionChangedHook(ctx context.Context) error {
	if _, err := c.run(ctx, "tmux", "set-hook", "-gu", "client-session-changed"); err != nil {
		return fmt.Errorf("uninstall session-changed hook: %w", err)
	}
	return nil
}

// snapshotFormat lists every field the snapshot needs from one
// list-panes call. session_path may itself contain colons, so it must
// stay last and the parser rejoins the tail.
const snapshotFormat = "#{session_name}:#{window_index}:#{window_name}:#{pane_index}:#{pane_id}:#{pane_active}:#{pane_width}:#{pane_height}:#{pane_left}:#{pane_top}:#{pane_pid}:#{pane_current_command}:#{session_activity}:#{session_path}"

const paneInfoFormat = "#{session_name}:#{window_index}:#{window_name}:#{pane_index}:#{pane_id}:#{pane_active}:#{pane_width}:#{pane_height}:#{pane_left}:#{pane_top}:#{pane_pid}:#{pane_current_command}"

// Snapshot lists every pane in one tmux call, reads the process table
// in parallel, resolves effective commands, and groups the result into
// ordered sessions. An unavailable tmux server yields an empty slice.
func (c *Client) Snapshot(ctx context.Context) []model.Session {
	var (
		wg       sync.WaitGroup
		tmuxOut  []byte
		tmuxErr  error
		psTable  *proctree.Table
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		tmuxOut, tmuxErr = c.run(ctx, "tmux", "list-panes", "-a", "-F", snapshotFormat)
	}()
	go func() {
		defer wg.Done()
		out, err := c.run(ctx, "ps", proctree.PsArgs...)
		if err != nil {
			psTable = proctree.Parse("")
			return
		}
		psTable = proctree.Parse(string(out))
	}()
	wg.Wait()

	if tmuxErr != nil {
		return []model.Session{}
	}

	sessions := parseSnapshot(string(tmuxOut), psTable)

	// Window extents, one display-message per session, in parallel.
	wg.Add(len(sessions))
	for i := range sessions {
		go func(s *model.Session) {
			defer wg.Done()
			s.Dimensions = c.SessionDimensions(ctx, s.Name)
		}(&sessions[i])
	}
	wg.Wait()
	return sessions
}

// PaneInfo resolves a single pane by target, including its effective
// process. Returns nil when the pane does not exist.
func (c *Client) PaneInfo(ctx context.Context, target string) *model.Pane {
	out, err := c.run(ctx, "tmux", "display-message", "-t", target, "-p", paneInfoFormat)
	if err != nil {
		return nil
	}
	line := strings.TrimSpace(string(out))
	parts := strings.SplitN(line, ":", 12)
	if len(parts) < 12 {
		return nil
	}
	pane := parsePaneFields(parts)
	pane.Target = target

	psOut, err := c.run(ctx, "ps", proctree.PsArgs...)
	table := proctree.Parse("")
	if err == nil {
		table = proctree.Parse(string(psOut))
	}
	pane.Process = table.EffectiveProcess(pane.PID, parts[11])
	return &pane
}
