// Package ptymux owns the per-client pseudo-terminals. Each client
// gets one child process ("tmux attach-session") on its own pty; the
// mux tracks child PIDs so control-plane callers can find the client
// that owns a given tmux client process.
package ptymux

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// Client is one attached pseudo-terminal. Reads and writes go straight
// to the pty; bytes are never re-chunked or decoded here.
type Client struct {
	ID     string
	Target string

	cmd  *exec.Cmd
	ptmx *os.File
	log  *slog.Logger

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	exitErr   error
}

type Mux struct {
	log *slog.Logger

	mu    sync.Mutex
	byPID map[int]*Client

	command func(target string) *exec.Cmd
}

func NewMux(log *slog.Logger) *Mux {
	return NewMuxWithCommand(log, attachCommand)
}

// NewMuxWithCommand overrides the child command; tests swap in a shell
// so the pty plumbing runs without a tmux server.
func NewMuxWithCommand(log *slog.Logger, command func(target string) *exec.Cmd) *Mux {
	if log == nil {
		log = slog.Default()
	}
	return &Mux{
		log:     log.With("component", "ptymux"),
		byPID:   make(map[int]*Client),
		command: command,
	}
}

func attachCommand(target string) *exec.Cmd {
	return exec.Command("tmux", "attach-session", "-t", target)
}

// attachEnv sets the terminal identity the browser emulator renders
// against. TERM and COLORTERM are forced: the daemon may have been
// launched from a dumb terminal or a service manager, and the child
// must not inherit that. The locale is only filled in when absent.
func attachEnv(env []string) []string {
	has := func(key string) bool {
		for _, kv := range env {
			if strings.HasPrefix(kv, key+"=") {
				return true
			}
		}
		return false
	}
	out := make([]string, 0, len(env)+4)
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") || strings.HasPrefix(kv, "COLORTERM=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "TERM=xterm-256color", "COLORTERM=truecolor")
	if !has("LANG") {
		out = append(out, "LANG=en_US.UTF-8")
	}
	if !has("LC_ALL") {
		out = append(out, "LC_ALL=en_US.UTF-8")
	}
	return out
}

// Open spawns the attach child on a new pty at the requested size and
// registers its PID. The caller owns the returned client and must
// Close it.
func (m *Mux) Open(target string, cols, rows uint16) (*Client, error) {
	cmd := m.command(target)
	cmd.Env = attachEnv(os.Environ())

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("spawn attach for %q: %w", target, err)
	}

	c := &Client{
		ID:     uuid.NewString(),
		Target: target,
		cmd:    cmd,
		ptmx:   ptmx,
		done:   make(chan struct{}),
	}
	c.log = m.log.With("client", c.ID, "target", target, "pid", cmd.Process.Pid)

	m.mu.Lock()
	m.byPID[cmd.Process.Pid] = c
	m.mu.Unlock()

	go func() {
		c.exitErr = cmd.Wait()
		close(c.done)
		m.mu.Lock()
		delete(m.byPID, cmd.Process.Pid)
		m.mu.Unlock()
		c.log.Info("attach client exited", "error", c.exitErr)
	}()

	c.log.Info("attach client opened", "cols", cols, "rows", rows)
	return c, nil
}

// ByClientPID finds the client owning a child PID, or nil. Used by the
// session-changed hook to route control frames.
func (m *Mux) ByClientPID(pid int) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byPID[pid]
}

func (c *Client) PID() int { return c.cmd.Process.Pid }

// Read delegates to the pty; chunks come out exactly as the kernel
// delivered them.
func (c *Client) Read(p []byte) (int, error) {
	return c.ptmx.Read(p)
}

// Write applies input in call order.
func (c *Client) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ptmx.Write(p)
}

// Resize is best-effort; a dead pty is not an error worth surfacing.
func (c *Client) Resize(cols, rows uint16) {
	if err := pty.Setsize(c.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		c.log.Debug("resize failed", "error", err)
	}
}

// Done is closed once the child has been reaped.
func (c *Client) Done() <-chan struct{} { return c.done }

// ExitErr is valid after Done is closed.
func (c *Client) ExitErr() error {
	<-c.done
	return c.exitErr
}

// Close hangs up the pty, gives the child a moment to detach cleanly,
// then kills it. Safe to call more than once and after child exit.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.ptmx.Close()
		_ = c.cmd.Process.Signal(syscall.SIGHUP)
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			_ = c.cmd.Process.Kill()
			<-c.done
		}
	})
}
