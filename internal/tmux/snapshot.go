package tmux

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/muxtunnel/muxtunneld/internal/model"
	"github.com/muxtunnel/muxtunneld/internal/proctree"
)

// parsePaneFields decodes the first 12 colon-separated pane fields
// shared by the snapshot and pane-info formats. Process resolution is
// left to the caller.
func parsePaneFields(parts []string) model.Pane {
	windowIndex, _ := strconv.Atoi(parts[1])
	paneIndex, _ := strconv.Atoi(parts[3])
	pid, _ := strconv.Atoi(parts[10])
	return model.Pane{
		SessionName: parts[0],
		WindowIndex: windowIndex,
		WindowName:  parts[2],
		PaneIndex:   paneIndex,
		PaneID:      parts[4],
		Active:      parts[5] == "1",
		Cols:        atoiOr(parts[6], 80),
		Rows:        atoiOr(parts[7], 24),
		Left:        atoiOr(parts[8], 0),
		Top:         atoiOr(parts[9], 0),
		PID:         pid,
		Process:     parts[11],
	}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// parseSnapshot groups list-panes lines into sessions in first-seen
// order, windows sorted by index, panes by pane index within a window.
func parseSnapshot(output string, table *proctree.Table) []model.Session {
	sessions := make([]model.Session, 0)
	index := map[string]int{}

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 14)
		if len(parts) < 12 {
			continue
		}

		pane := parsePaneFields(parts)
		pane.Process = table.EffectiveProcess(pane.PID, parts[11])
		pane.Target = fmt.Sprintf("%s:%d.%d", pane.SessionName, pane.WindowIndex, pane.PaneIndex)

		var activity int64
		if len(parts) > 12 {
			activity, _ = strconv.ParseInt(parts[12], 10, 64)
		}
		// session_path is the rejoined tail: SplitN keeps any colons
		// inside the path intact in the final part.
		sessionPath := ""
		if len(parts) > 13 {
			sessionPath = parts[13]
		}

		si, ok := index[pane.SessionName]
		if !ok {
			si = len(sessions)
			index[pane.SessionName] = si
			sessions = append(sessions, model.Session{
				Name:     pane.SessionName,
				Windows:  []model.Window{},
				Activity: activity,
				Path:     sessionPath,
			})
		}

		session := &sessions[si]
		var window *model.Window
		for wi := range session.Windows {
			if session.Windows[wi].Index == pane.WindowIndex {
				window = &session.Windows[wi]
				break
			}
		}
		if window == nil {
			session.Windows = append(session.Windows, model.Window{
				Index: pane.WindowIndex,
				Name:  pane.WindowName,
			})
			window = &session.Windows[len(session.Windows)-1]
		}
		window.Panes = append(window.Panes, pane)
	}

	for si := range sessions {
		windows := sessions[si].Windows
		sort.Slice(windows, func(i, j int) bool { return windows[i].Index < windows[j].Index })
		for wi := range windows {
			panes := windows[wi].Panes
			sort.Slice(panes, func(i, j int) bool { return panes[i].PaneIndex < panes[j].PaneIndex })
		}
	}
	return sessions
}
