// Package resolver maps human project names to filesystem paths,
// ranked by frecency, using either a built-in $HOME scan or an
// external frecency tool.
package resolver

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/muxtunnel/muxtunneld/internal/model"
)

const (
	strategyBuiltin = "projects"
	strategyZoxide  = "zoxide"
)

// Options are the live settings the resolver honors; a callback keeps
// them current across settings reloads without an import cycle.
type Options struct {
	Strategy string
	MaxDepth int
	Ignore   []string
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type Resolver struct {
	home        string
	historyFile string
	opts        func() Options
	runner      Runner
	log         *slog.Logger

	zoxideAvailable bool

	mu         sync.Mutex
	discovered []string
	lastScan   time.Time

	historyMu sync.Mutex
}

const rescanInterval = 5 * time.Minute

func New(home, historyFile string, opts func() Options, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		home:        home,
		historyFile: historyFile,
		opts:        opts,
		runner:      OSRunner{},
		log:         log.With("component", "resolver"),
	}
}

func NewWithRunner(home, historyFile string, opts func() Options, runner Runner, log *slog.Logger) *Resolver {
	r := New(home, historyFile, opts, log)
	r.runner = runner
	return r
}

// Init probes external tool availability. The zoxide strategy silently
// falls back to the built-in scan when the binary is missing.
func (r *Resolver) Init(ctx context.Context) {
	_, err := r.runner.Run(ctx, "zoxide", "--version")
	r.zoxideAvailable = err == nil
	r.log.Info("resolver ready", "strategy", r.activeStrategy(), "zoxideAvailable", r.zoxideAvailable)
}

func (r *Resolver) activeStrategy() string {
	if r.opts().Strategy == strategyZoxide && r.zoxideAvailable {
		return strategyZoxide
	}
	return strategyBuiltin
}

// List returns projects matching query (case-insensitive substring on
// basename or path), best score first.
func (r *Resolver) List(ctx context.Context, query string) []model.ProjectEntry {
	if r.activeStrategy() == strategyZoxide {
		return r.listZoxide(ctx, query)
	}
	return r.listBuiltin(query)
}

// ResolveOne returns the best match for a name, or nil.
func (r *Resolver) ResolveOne(ctx context.Context, name string) *model.ProjectEntry {
	if r.activeStrategy() == strategyZoxide {
		return r.resolveOneZoxide(ctx, name)
	}
	entries := r.listBuiltin(name)
	if len(entries) == 0 {
		return nil
	}
	return &entries[0]
}

func (r *Resolver) listBuiltin(query string) []model.ProjectEntry {
	history := func() historyDB {
		r.historyMu.Lock()
		defer r.historyMu.Unlock()
		return loadHistory(r.historyFile)
	}()
	now := time.Now().Unix()
	lq := strings.ToLower(query)

	matches := func(name, path string) bool {
		if lq == "" {
			return true
		}
		return strings.Contains(strings.ToLower(name), lq) ||
			strings.Contains(strings.ToLower(path), lq)
	}

	seen := map[string]bool{}
	entries := make([]model.ProjectEntry, 0)

	for path, he := range history {
		seen[path] = true
		name := filepath.Base(path)
		if !matches(name, path) {
			continue
		}
		entries = append(entries, model.ProjectEntry{
			Name:  name,
			Path:  path,
			Score: frecencyScore(he, now),
		})
	}

	for _, path := range r.discoveredProjects() {
		if seen[path] {
			continue
		}
		name := filepath.Base(path)
		if !matches(name, path) {
			continue
		}
		entries = append(entries, model.ProjectEntry{Name: name, Path: path, Score: discoveredScore})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	return entries
}

// discoveredProjects returns the cached scan, refreshing it when stale.
func (r *Resolver) discoveredProjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.discovered) == 0 || time.Since(r.lastScan) > rescanInterval {
		start := time.Now()
		r.discovered = r.scan()
		r.lastScan = time.Now()
		r.log.Info("project scan complete", "projects", len(r.discovered), "took", time.Since(start))
	}
	return r.discovered
}

// Rescan forces a fresh walk; the daemon runs this on a timer so List
// rarely pays the scan cost inline.
func (r *Resolver) Rescan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := time.Now()
	r.discovered = r.scan()
	r.lastScan = time.Now()
	r.log.Info("project scan complete", "projects", len(r.discovered), "took", time.Since(start))
}

// scan walks $HOME up to maxDepth levels. A directory containing .git
// is a project and is not descended into. Hidden directories other
// than .config and ignored basenames are skipped.
func (r *Resolver) scan() []string {
	opts := r.opts()
	maxDepth := opts.MaxDepth
	if maxDepth < 1 {
		maxDepth = 1
	}
	ignore := make(map[string]bool, len(opts.Ignore))
	for _, name := range opts.Ignore {
		ignore[name] = true
	}

	var projects []string
	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		if depth > maxDepth {
			return
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			projects = append(projects, dir)
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			if strings.HasPrefix(name, ".") && name != ".config" {
				continue
			}
			if ignore[name] {
				continue
			}
			walk(filepath.Join(dir, name), depth+1)
		}
	}
	walk(r.home, 0)
	return projects
}
