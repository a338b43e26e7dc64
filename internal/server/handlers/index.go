package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/raeenos/raepkg/internal/apierrors"
	"github.com/raeenos/raepkg/internal/storage"
)

// IndexHandler serves the published index and its detached signature as
// raw bytes. The bytes are never re-encoded; the signature verifies only
// over the exact published form.
type IndexHandler struct {
	dir    *storage.Dir
	logger *slog.Logger
}

// NewIndexHandler creates an index handler over the repository directory.
func NewIndexHandler(dir *storage.Dir, logger *slog.Logger) *IndexHandler {
	return &IndexHandler{dir: dir, logger: logger}
}

// GetIndex handles GET /index.json.
func (h *IndexHandler) GetIndex(w http.ResponseWriter, r *http.Request) {
	h.serve(w, h.dir.Index, storage.IndexFile)
}

// GetSignature handles GET /index.json.sig.
func (h *IndexHandler) GetSignature(w http.ResponseWriter, r *http.Request) {
	h.serve(w, h.dir.IndexSignature, storage.IndexSigFile)
}

// HandleOptions handles OPTIONS /index.json; CORS headers come from
// middleware.
func (h *IndexHandler) HandleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *IndexHandler) serve(w http.ResponseWriter, load func() ([]byte, error), name string) {
	data, err := load()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			code, msg, status := apierrors.MapError(err)
			apierrors.WriteError(w, code, msg, status, map[string]string{"file": name})
			return
		}
		h.logger.Error("Failed to load repository file", "file", name, "error", err)
		apierrors.WriteError(w, apierrors.ErrCodeInternal, "Failed to load "+name, http.StatusInternalServerError, nil)
		return
	}

	h.logger.Debug("Repository file served", "file", name, "bytes", len(data))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
