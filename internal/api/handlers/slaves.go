package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/buildmaster/internal/slave"
)

// SlavesHandler reports the slaves known to the registry.
type SlavesHandler struct {
	registry *slave.Registry
	logger   *slog.Logger
}

// NewSlavesHandler creates a new slaves handler.
func NewSlavesHandler(registry *slave.Registry, logger *slog.Logger) *SlavesHandler {
	return &SlavesHandler{
		registry: registry,
		logger:   logger,
	}
}

// List handles GET /v1/slaves.
func (h *SlavesHandler) List(w http.ResponseWriter, r *http.Request) {
	slaves := h.registry.Slaves()
	sort.Slice(slaves, func(i, j int) bool { return slaves[i].Name < slaves[j].Name })
	if slaves == nil {
		slaves = []slave.Info{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"slaves":    slaves,
		"connected": h.registry.ConnectionCount(),
	})
}

// Get handles GET /v1/slaves/{name}.
func (h *SlavesHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, info := range h.registry.Slaves() {
		if info.Name == name {
			WriteJSON(w, http.StatusOK, info)
			return
		}
	}
	WriteNotFound(w, r, fmt.Sprintf("slave %q not found", name))
}
