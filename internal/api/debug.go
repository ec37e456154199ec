package api

import (
    "net/http"
    "runtime"

    "wastenav/internal/buildinfo"
)

// DebugInfoHandler handles GET /debug/info.
func (s *Server) DebugInfoHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    writeJSON(w, http.StatusOK, map[string]any{
        "version":    buildinfo.Version,
        "commit":     buildinfo.Commit,
        "go":         runtime.Version(),
        "goroutines": runtime.NumGoroutine(),
    })
}
