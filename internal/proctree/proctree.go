// Package proctree resolves the effective foreground command of a pane
// by reading the full process table once and walking child chains past
// shells and launcher wrappers.
package proctree

import (
	"bufio"
	"path"
	"strconv"
	"strings"
)

// maxWalkDepth bounds the ppid->pid descent. Deep wrapper chains
// (login shell -> npm -> node -> tool) fit well within five levels.
const maxWalkDepth = 5

// wrappers are commands that merely host the interesting process.
var wrappers = map[string]struct{}{
	"zsh": {}, "bash": {}, "sh": {}, "fish": {}, "tcsh": {}, "csh": {},
	"-zsh": {}, "-bash": {}, "-sh": {},
	"npm": {}, "npx": {}, "node": {},
}

type entry struct {
	ppid int
	comm string
}

// Table is one immutable parse of the process table.
type Table struct {
	procs    map[int]entry
	children map[int][]int
}

// PsArgs is the argument list for the single ps call that feeds Parse.
var PsArgs = []string{"-eo", "pid=,ppid=,comm="}

// Parse builds a Table from "pid ppid comm" lines. Malformed lines are
// skipped; an empty input yields a table on which resolution degrades
// to returning pane_current_command unchanged.
func Parse(output string) *Table {
	t := &Table{procs: map[int]entry{}, children: map[int][]int{}}
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		comm := strings.Join(fields[2:], " ")
		t.procs[pid] = entry{ppid: ppid, comm: comm}
		t.children[ppid] = append(t.children[ppid], pid)
	}
	return t
}

// IsWrapper reports whether comm is a shell or launcher wrapper,
// including the dash-prefixed login form.
func IsWrapper(comm string) bool {
	_, ok := wrappers[comm]
	return ok
}

// EffectiveProcess returns the basename of the first non-wrapper
// descendant of pid, or currentCommand when pid runs a real command
// already or the branch is wrapper-only.
func (t *Table) EffectiveProcess(pid int, currentCommand string) string {
	if !IsWrapper(currentCommand) {
		return currentCommand
	}

	cur := pid
	for i := 0; i < maxWalkDepth; i++ {
		kids := t.children[cur]
		if len(kids) == 0 {
			if cur != pid {
				if e, ok := t.procs[cur]; ok {
					if cmd := commandBasename(e.comm); cmd != "" {
						return cmd
					}
				}
			}
			return currentCommand
		}

		child := kids[0]
		e, ok := t.procs[child]
		if !ok {
			return currentCommand
		}
		cmd := commandBasename(e.comm)
		if !IsWrapper(cmd) && !IsWrapper("-"+cmd) {
			return cmd
		}
		cur = child
	}
	return currentCommand
}

// commandBasename strips any path prefix and arguments from a ps comm
// field ("/usr/local/bin/node --flag" -> "node").
func commandBasename(comm string) string {
	first := comm
	if i := strings.IndexFunc(comm, func(r rune) bool { return r == ' ' || r == '\t' }); i >= 0 {
		first = comm[:i]
	}
	return path.Base(first)
}
