package resolver

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/muxtunnel/muxtunneld/internal/model"
)

// listZoxide queries the external tool and parses "score<WS>path"
// lines. Failures yield an empty list; zoxide owns its own ranking.
func (r *Resolver) listZoxide(ctx context.Context, query string) []model.ProjectEntry {
	args := []string{"query", "--list", "--score"}
	if query != "" {
		args = append(args, "--", query)
	}
	out, err := r.runner.Run(ctx, "zoxide", args...)
	if err != nil {
		return []model.ProjectEntry{}
	}

	entries := make([]model.ProjectEntry, 0)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		score, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		path := strings.Join(fields[1:], " ")
		entries = append(entries, model.ProjectEntry{
			Name:  filepath.Base(path),
			Path:  path,
			Score: score,
		})
	}
	return entries
}

func (r *Resolver) resolveOneZoxide(ctx context.Context, name string) *model.ProjectEntry {
	out, err := r.runner.Run(ctx, "zoxide", "query", "--", name)
	if err != nil {
		return nil
	}
	path := strings.TrimSpace(string(out))
	if path == "" {
		return nil
	}
	return &model.ProjectEntry{Name: filepath.Base(path), Path: path, Score: 1}
}
