package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	apierrors "github.com/narvanalabs/buildmaster/internal/api/errors"
	"github.com/narvanalabs/buildmaster/internal/source"
)

const (
	watchWriteTimeout = 10 * time.Second
	watchPingInterval = 30 * time.Second
	watchBuffer       = 64
)

// SourcesHandler exposes source managers, their stamps and the change hook.
type SourcesHandler struct {
	sources map[string]source.Manager
	logger  *slog.Logger
}

// NewSourcesHandler creates a new sources handler.
func NewSourcesHandler(managers []source.Manager, logger *slog.Logger) *SourcesHandler {
	sources := make(map[string]source.Manager, len(managers))
	for _, m := range managers {
		sources[m.Name()] = m
	}
	return &SourcesHandler{
		sources: sources,
		logger:  logger,
	}
}

// StampView is the JSON form of a source stamp.
type StampView struct {
	Description string `json:"description"`
	Filename    string `json:"filename"`
}

func newStampView(s source.Stamp) *StampView {
	if s == nil {
		return nil
	}
	return &StampView{Description: s.Description(), Filename: s.Filename()}
}

// SourceView is the JSON form of a source manager.
type SourceView struct {
	Name        string     `json:"name"`
	Backend     string     `json:"backend,omitempty"`
	Subscribers int        `json:"subscribers"`
	LastStamp   *StampView `json:"last_stamp,omitempty"`
	AcceptsPush bool       `json:"accepts_push"`
}

// ChangeEvent is pushed to watchers for every detected change.
type ChangeEvent struct {
	Type   string     `json:"type"`
	Source string     `json:"source"`
	Stamp  *StampView `json:"stamp,omitempty"`
	Time   time.Time  `json:"time"`
}

// ChangeRequest is the body of a change hook call.
type ChangeRequest struct {
	Version string          `json:"version"`
	Changes []source.Change `json:"changes"`
}

func (h *SourcesHandler) lookup(w http.ResponseWriter, r *http.Request) (source.Manager, bool) {
	name := chi.URLParam(r, "name")
	m, ok := h.sources[name]
	if !ok {
		WriteNotFound(w, r, fmt.Sprintf("source %q not found", name))
	}
	return m, ok
}

// manualBackend returns the push target behind m, if any.
func manualBackend(m source.Manager) (*source.ManualBackend, bool) {
	bm, ok := m.(interface{ Backend() source.Backend })
	if !ok {
		return nil, false
	}
	mb, ok := bm.Backend().(*source.ManualBackend)
	return mb, ok
}

func (h *SourcesHandler) view(m source.Manager) SourceView {
	v := SourceView{Name: m.Name()}
	if bm, ok := m.(interface{ Backend() source.Backend }); ok {
		v.Backend = fmt.Sprintf("%T", bm.Backend())
	}
	if c, ok := m.(interface{ SubscriberCount() int }); ok {
		v.Subscribers = c.SubscriberCount()
	}
	if ls, ok := m.(interface{ LastStamp() (source.Stamp, bool) }); ok {
		if stamp, ok := ls.LastStamp(); ok {
			v.LastStamp = newStampView(stamp)
		}
	}
	_, v.AcceptsPush = manualBackend(m)
	return v
}

// List handles GET /v1/sources.
func (h *SourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.sources))
	for name := range h.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	views := make([]SourceView, 0, len(names))
	for _, name := range names {
		views = append(views, h.view(h.sources[name]))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sources": views})
}

// Get handles GET /v1/sources/{name}.
func (h *SourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, h.view(m))
}

// Stamp handles GET /v1/sources/{name}/stamp. It asks the repository for
// its current state and never answers from the last known stamp.
func (h *SourcesHandler) Stamp(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}

	stamp, err := m.CurrentStamp(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newStampView(stamp))
}

// NotifyChanges handles POST /v1/sources/{name}/changes. Only sources
// backed by a manual backend accept pushed versions.
func (h *SourcesHandler) NotifyChanges(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	mb, ok := manualBackend(m)
	if !ok {
		WriteNotImplemented(w, r, fmt.Sprintf("source %q does not accept pushed changes", m.Name()))
		return
	}

	var req ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	var verrs apierrors.ValidationErrors
	if req.Version == "" {
		verrs.Add("version", "version is required")
	}
	for i, c := range req.Changes {
		for _, f := range c.Files {
			if f == "" {
				verrs.Add(fmt.Sprintf("changes[%d].files", i), "file names must not be empty")
				break
			}
		}
	}
	if verrs.HasErrors() {
		WriteError(w, r, h.logger, verrs.ToAPIError())
		return
	}

	if err := mb.Push(req.Version, req.Changes...); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("source change pushed",
		"source", m.Name(),
		"version", req.Version,
		"changes", len(req.Changes),
	)
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"source":  m.Name(),
		"version": req.Version,
	})
}

// Watch handles GET /v1/sources/{name}/watch. It upgrades to a websocket,
// sends a "subscribed" event once the subscription is in place and then one
// "change" event per detected change.
func (h *SourcesHandler) Watch(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan ChangeEvent, watchBuffer)
	done := make(chan struct{})
	defer close(done)

	sub := m.SubscribeToChanges(func(mgr source.Manager, stamp source.Stamp) {
		ev := ChangeEvent{
			Type:   "change",
			Source: mgr.Name(),
			Stamp:  newStampView(stamp),
			Time:   time.Now().UTC(),
		}
		select {
		case events <- ev:
		case <-done:
		}
	})
	defer sub.Cancel()

	h.logger.Info("source watch started", "source", m.Name(), "remote_addr", r.RemoteAddr)
	defer h.logger.Info("source watch ended", "source", m.Name(), "remote_addr", r.RemoteAddr)

	// The reader only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		return conn.WriteJSON(v)
	}

	if err := write(ChangeEvent{Type: "subscribed", Source: m.Name(), Time: time.Now().UTC()}); err != nil {
		return
	}

	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-events:
			if err := write(ev); err != nil {
				h.logger.Debug("watch write failed", "source", m.Name(), "error", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(watchWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
