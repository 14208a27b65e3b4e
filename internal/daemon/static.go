package daemon

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// staticHandler serves the SPA bundle. Unknown paths fall back to
// index.html so client-side routes deep-link; ".." is stripped before
// the path ever touches the filesystem.
func (s *Server) staticHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.methodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	if s.cfg.StaticDir == "" {
		s.writeError(w, http.StatusNotFound, "no static assets configured")
		return
	}

	clean := path.Clean("/" + strings.ReplaceAll(r.URL.Path, "..", ""))
	full := filepath.Join(s.cfg.StaticDir, filepath.FromSlash(clean))
	if st, err := os.Stat(full); err == nil && !st.IsDir() {
		http.ServeFile(w, r, full)
		return
	}
	// A dotted final segment is a concrete asset; serving index.html in
	// its place would hand the browser HTML where it expects JS or CSS.
	if strings.Contains(path.Base(clean), ".") {
		s.writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, "index.html"))
}
