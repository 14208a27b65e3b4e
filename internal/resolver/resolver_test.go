package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func builtinOpts(maxDepth int, ignore ...string) func() Options {
	return func() Options {
		return Options{Strategy: strategyBuiltin, MaxDepth: maxDepth, Ignore: ignore}
	}
}

func mkProject(t *testing.T, root string, rel string) string {
	t.Helper()
	dir := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir project %s: %v", rel, err)
	}
	return dir
}

func TestScanFindsGitProjects(t *testing.T) {
	home := t.TempDir()
	acme := mkProject(t, home, "code/acme")
	// Nested repo inside a project must not be reported separately.
	mkProject(t, home, "code/acme/third_party/nested")
	beta := mkProject(t, home, "work/beta")

	r := New(home, filepath.Join(home, "history.json"), builtinOpts(3), nil)
	entries := r.List(context.Background(), "")
	paths := map[string]bool{}
	for _, e := range entries {
		paths[e.Path] = true
	}
	if !paths[acme] || !paths[beta] {
		t.Fatalf("expected both projects, got %+v", entries)
	}
	if len(entries) != 2 {
		t.Fatalf("nested repo leaked into results: %+v", entries)
	}
}

func TestScanHonorsMaxDepthAndIgnore(t *testing.T) {
	home := t.TempDir()
	mkProject(t, home, "a/b/c/deep")             // depth 4 > maxDepth 3
	mkProject(t, home, "node_modules/trap")      // ignored basename
	shallow := mkProject(t, home, "code/shallow") // depth 2

	r := New(home, filepath.Join(home, "history.json"), builtinOpts(3, "node_modules"), nil)
	entries := r.List(context.Background(), "")
	if len(entries) != 1 || entries[0].Path != shallow {
		t.Fatalf("expected only shallow project, got %+v", entries)
	}
}

func TestScanSkipsHiddenExceptConfig(t *testing.T) {
	home := t.TempDir()
	mkProject(t, home, ".secrets/hidden")
	cfg := mkProject(t, home, ".config/tool")

	r := New(home, filepath.Join(home, "history.json"), builtinOpts(3), nil)
	entries := r.List(context.Background(), "")
	if len(entries) != 1 || entries[0].Path != cfg {
		t.Fatalf("expected only .config project, got %+v", entries)
	}
}

func TestListFiltersAndRanks(t *testing.T) {
	home := t.TempDir()
	mkProject(t, home, "code/acme")
	mkProject(t, home, "code/other")
	historyFile := filepath.Join(home, ".muxtunnel", "history.json")

	r := New(home, historyFile, builtinOpts(3), nil)

	// A selection within the hour gets rank*4, far above the flat
	// discovery score.
	selected := filepath.Join(home, "code", "acme")
	r.RecordSelection(selected)

	entries := r.List(context.Background(), "acme")
	if len(entries) != 1 {
		t.Fatalf("filter failed: %+v", entries)
	}
	if entries[0].Path != selected || entries[0].Score != 4 {
		t.Fatalf("unexpected top entry: %+v", entries[0])
	}

	all := r.List(context.Background(), "")
	if len(all) != 2 || all[0].Path != selected {
		t.Fatalf("ranking failed: %+v", all)
	}
	if all[1].Score != discoveredScore {
		t.Fatalf("discovered project score: %+v", all[1])
	}
}

func TestListMatchesPathSubstringCaseInsensitive(t *testing.T) {
	home := t.TempDir()
	mkProject(t, home, "Code/Acme")
	r := New(home, filepath.Join(home, "history.json"), builtinOpts(3), nil)
	if entries := r.List(context.Background(), "aCmE"); len(entries) != 1 {
		t.Fatalf("case-insensitive match failed: %+v", entries)
	}
	if entries := r.List(context.Background(), "code/"); len(entries) != 1 {
		t.Fatalf("path substring match failed: %+v", entries)
	}
}

func TestResolveOneReturnsBestOrNil(t *testing.T) {
	home := t.TempDir()
	acme := mkProject(t, home, "code/acme")
	r := New(home, filepath.Join(home, "history.json"), builtinOpts(3), nil)

	got := r.ResolveOne(context.Background(), "acme")
	if got == nil || got.Path != acme || got.Name != "acme" {
		t.Fatalf("unexpected resolution: %+v", got)
	}
	if miss := r.ResolveOne(context.Background(), "nonexistent"); miss != nil {
		t.Fatalf("expected nil, got %+v", miss)
	}
}

func TestRecordSelectionPersistsAndBumps(t *testing.T) {
	home := t.TempDir()
	historyFile := filepath.Join(home, ".muxtunnel", "history.json")
	r := New(home, historyFile, builtinOpts(3), nil)

	r.RecordSelection("/home/u/code/acme")
	r.RecordSelection("/home/u/code/acme")

	raw, err := os.ReadFile(historyFile)
	if err != nil {
		t.Fatalf("history not written: %v", err)
	}
	var db map[string]struct {
		Rank         float64 `json:"rank"`
		LastAccessed int64   `json:"lastAccessed"`
	}
	if err := json.Unmarshal(raw, &db); err != nil {
		t.Fatalf("history not valid json: %v", err)
	}
	e := db["/home/u/code/acme"]
	if e.Rank != 2 {
		t.Fatalf("expected rank 2, got %v", e.Rank)
	}
	if time.Since(time.Unix(e.LastAccessed, 0)) > time.Minute {
		t.Fatalf("lastAccessed not recent: %d", e.LastAccessed)
	}
}

type scriptRunner struct {
	out map[string][]byte
	err map[string]error
}

func (s scriptRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	if err, ok := s.err[key]; ok {
		return nil, err
	}
	if out, ok := s.out[key]; ok {
		return out, nil
	}
	return nil, errors.New("unexpected command: " + key)
}

func TestZoxideStrategyParsesScoreLines(t *testing.T) {
	home := t.TempDir()
	runner := scriptRunner{out: map[string][]byte{
		"zoxide --version":                  []byte("zoxide 0.9.4"),
		"zoxide query --list --score -- ac": []byte("  12.5 /home/u/code/acme\n   0.5 /home/u/misc/ac\n"),
		"zoxide query -- acme":              []byte("/home/u/code/acme\n"),
	}}
	opts := func() Options { return Options{Strategy: strategyZoxide, MaxDepth: 3} }
	r := NewWithRunner(home, filepath.Join(home, "history.json"), opts, runner, nil)
	r.Init(context.Background())

	entries := r.List(context.Background(), "ac")
	if len(entries) != 2 || entries[0].Score != 12.5 || entries[0].Name != "acme" {
		t.Fatalf("unexpected zoxide entries: %+v", entries)
	}

	one := r.ResolveOne(context.Background(), "acme")
	if one == nil || one.Path != "/home/u/code/acme" {
		t.Fatalf("unexpected zoxide resolution: %+v", one)
	}

	// zoxide manages its own frecency; the JSON store must stay absent.
	r.RecordSelection("/home/u/code/acme")
	if _, err := os.Stat(filepath.Join(home, "history.json")); !os.IsNotExist(err) {
		t.Fatalf("history file written under zoxide strategy")
	}
}

func TestZoxideUnavailableFallsBackToBuiltin(t *testing.T) {
	home := t.TempDir()
	acme := mkProject(t, home, "code/acme")
	runner := scriptRunner{err: map[string]error{
		"zoxide --version": errors.New("not found"),
	}}
	opts := func() Options { return Options{Strategy: strategyZoxide, MaxDepth: 3} }
	r := NewWithRunner(home, filepath.Join(home, "history.json"), opts, runner, nil)
	r.Init(context.Background())

	entries := r.List(context.Background(), "acme")
	if len(entries) != 1 || entries[0].Path != acme {
		t.Fatalf("fallback to builtin failed: %+v", entries)
	}
}
