package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/buildmaster/internal/scheduler"
	"github.com/narvanalabs/buildmaster/internal/source"
)

// triggerer is implemented by schedulers that fire on request.
type triggerer interface {
	Trigger(ctx context.Context, stamp source.Stamp) error
}

// SchedulersHandler reports scheduler status and fires triggerable schedulers.
type SchedulersHandler struct {
	schedulers map[string]scheduler.Scheduler
	logger     *slog.Logger
}

// NewSchedulersHandler creates a new schedulers handler.
func NewSchedulersHandler(schedulers []scheduler.Scheduler, logger *slog.Logger) *SchedulersHandler {
	byName := make(map[string]scheduler.Scheduler, len(schedulers))
	for _, s := range schedulers {
		byName[s.Name()] = s
	}
	return &SchedulersHandler{
		schedulers: byName,
		logger:     logger,
	}
}

// List handles GET /v1/schedulers.
func (h *SchedulersHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses := make([]scheduler.Status, 0, len(h.schedulers))
	for _, s := range h.schedulers {
		statuses = append(statuses, s.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	WriteJSON(w, http.StatusOK, map[string]any{"schedulers": statuses})
}

// Trigger handles POST /v1/schedulers/{name}/trigger. The build runs
// against the current stamp of the scheduler's source.
func (h *SchedulersHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, ok := h.schedulers[name]
	if !ok {
		WriteNotFound(w, r, fmt.Sprintf("scheduler %q not found", name))
		return
	}
	t, ok := s.(triggerer)
	if !ok {
		WriteNotImplemented(w, r, fmt.Sprintf("scheduler %q is not triggerable", name))
		return
	}

	if err := t.Trigger(r.Context(), nil); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("scheduler triggered", "scheduler", name)
	WriteJSON(w, http.StatusAccepted, s.Status())
}
