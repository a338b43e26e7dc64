package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/raeenos/raepkg/internal/apierrors"
	"github.com/raeenos/raepkg/internal/storage"
)

// ArchiveHandler serves package archives by their content-addressed name.
type ArchiveHandler struct {
	dir    *storage.Dir
	logger *slog.Logger
}

// NewArchiveHandler creates an archive handler over the repository
// directory.
func NewArchiveHandler(dir *storage.Dir, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{dir: dir, logger: logger}
}

// GetArchive handles GET /archives/{archive}. Only content-addressed
// <sha256-hex>.pkg names resolve; anything else is rejected before
// touching the filesystem.
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "archive")

	path, err := h.dir.ArchivePath(name)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBadArchiveName):
			h.logger.Warn("Rejected archive request",
				"name", name,
				"remote_addr", r.RemoteAddr)
		case errors.Is(err, storage.ErrNotFound):
			h.logger.Debug("Archive not found", "name", name)
		default:
			h.logger.Error("Failed to resolve archive",
				"name", name,
				"error", err)
			apierrors.WriteError(w, apierrors.ErrCodeInternal, "Failed to resolve archive", http.StatusInternalServerError, nil)
			return
		}
		code, msg, status := apierrors.MapError(err)
		apierrors.WriteError(w, code, msg, status, nil)
		return
	}

	h.logger.Info("Archive served",
		"archive", name,
		"remote_addr", r.RemoteAddr)

	// ServeFile brings range and conditional request support; archives are
	// immutable, so caching aggressively is safe.
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}
