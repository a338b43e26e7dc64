// Package handlers holds raepkgd's HTTP handlers: the repository index,
// its signature, content-addressed archives, and the health probe.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raeenos/raepkg/internal/storage"
)

// HealthHandler reports whether the daemon can serve its repository.
type HealthHandler struct {
	dir    *storage.Dir
	logger *slog.Logger
}

// NewHealthHandler creates a health handler over the repository directory.
func NewHealthHandler(dir *storage.Dir, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{dir: dir, logger: logger}
}

// HealthResponse is the health check wire format.
type HealthResponse struct {
	Status     string          `json:"status"`
	Repository storage.Summary `json:"repository"`
}

// GetHealth handles GET /health. A repository without an index yet is
// degraded but serviceable; an unreadable one is unhealthy.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := h.dir.Summarize()
	if err != nil {
		h.logger.Error("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:     "unhealthy",
			Repository: summary,
		})
		return
	}

	status := "healthy"
	if !summary.HasIndex {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: status, Repository: summary})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
