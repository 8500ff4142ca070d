package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/buildmaster/internal/history"
)

// HistoryHandler serves the history tree and logfile contents.
type HistoryHandler struct {
	history *history.Manager
	logger  *slog.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(mgr *history.Manager, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: mgr,
		logger:  logger,
	}
}

// ElementView is the JSON form of a history element.
type ElementView struct {
	Kind     history.Kind `json:"kind"`
	Key      string       `json:"key"`
	Path     string       `json:"path"`
	Created  time.Time    `json:"created,omitempty"`
	Filename string       `json:"filename,omitempty"`
	Children []string     `json:"children"`
}

// ListProjects handles GET /v1/projects.
func (h *HistoryHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	names, err := h.history.ProjectNames(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"projects": names})
}

// Get handles GET /v1/history/* and describes the addressed element.
func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	path, err := history.ParsePath(chi.URLParam(r, "*"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	elt, err := h.history.ElementByIDPath(r.Context(), path)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	view := ElementView{
		Kind:     elt.Kind(),
		Key:      elt.Key(),
		Path:     path.String(),
		Children: []string{},
	}
	if c, ok := elt.(interface{ Created() time.Time }); ok {
		view.Created = c.Created()
	}
	if lf, ok := elt.(*history.Logfile); ok {
		view.Filename = lf.Filename()
	} else {
		keys, err := elt.ChildKeys(r.Context())
		if err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
		view.Children = append(view.Children, keys...)
	}

	WriteJSON(w, http.StatusOK, view)
}

// Delete handles DELETE /v1/history/* and removes the addressed subtree.
func (h *HistoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	path, err := history.ParsePath(chi.URLParam(r, "*"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	if len(path) == 1 {
		err = h.history.DeleteProject(r.Context(), path[0])
	} else {
		err = h.deleteChild(r, path)
	}
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("history deleted", "path", path.String())
	w.WriteHeader(http.StatusNoContent)
}

func (h *HistoryHandler) deleteChild(r *http.Request, path history.Path) error {
	parent, err := h.history.ElementByIDPath(r.Context(), path.Parent())
	if err != nil {
		return err
	}
	container, ok := history.AsContainer(parent)
	if !ok {
		return fmt.Errorf("%w: %s", history.ErrNotFound, path)
	}
	return container.DeleteChild(r.Context(), path[len(path)-1])
}

// Log handles GET /v1/logs/* and streams the logfile content as text.
func (h *HistoryHandler) Log(w http.ResponseWriter, r *http.Request) {
	path, err := history.ParsePath(chi.URLParam(r, "*"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	elt, err := h.history.ElementByIDPath(r.Context(), path)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	lf, ok := elt.(*history.Logfile)
	if !ok {
		WriteBadRequest(w, r, path.String()+" is a "+string(elt.Kind())+", not a logfile")
		return
	}

	rc, err := lf.Open(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("logfile copy interrupted", "path", path.String(), "error", err)
	}
}
