package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/narvanalabs/buildmaster/internal/history"
	"github.com/narvanalabs/buildmaster/internal/logs"
)

// LogFollower streams logfile appends as they happen.
type LogFollower interface {
	Follow(ctx context.Context, filename string) ([]byte, *logs.Subscriber, error)
	Broker() *logs.Broker
}

// TailEvent is a message on the tail websocket. The first event is a
// "snapshot" of the content so far, followed by one "append" per write and
// a final "removed" when the logfile is deleted.
type TailEvent struct {
	Type string    `json:"type"`
	Path string    `json:"path"`
	Data string    `json:"data,omitempty"`
	Time time.Time `json:"time"`
}

// LogsHandler serves live logfile output.
type LogsHandler struct {
	history  *history.Manager
	follower LogFollower
	logger   *slog.Logger
}

// NewLogsHandler creates a new logs handler. A nil follower disables tailing.
func NewLogsHandler(mgr *history.Manager, follower LogFollower, logger *slog.Logger) *LogsHandler {
	return &LogsHandler{
		history:  mgr,
		follower: follower,
		logger:   logger,
	}
}

// Tail handles GET /v1/tail/* by upgrading to a websocket that streams the
// addressed logfile.
func (h *LogsHandler) Tail(w http.ResponseWriter, r *http.Request) {
	if h.follower == nil {
		WriteNotImplemented(w, r, "log tailing is not enabled")
		return
	}

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

	snapshot, sub, err := h.follower.Follow(r.Context(), lf.Filename())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	defer h.follower.Broker().Unsubscribe(sub)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	h.logger.Debug("log tail started", "path", path.String(), "remote_addr", r.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(ev TailEvent) error {
		ev.Path = path.String()
		conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		return conn.WriteJSON(ev)
	}

	if err := write(TailEvent{Type: "snapshot", Data: string(snapshot), Time: time.Now().UTC()}); err != nil {
		return
	}

	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()

	for {
		select {
		case chunk, ok := <-sub.Ch:
			if !ok {
				write(TailEvent{Type: "removed", Time: time.Now().UTC()})
				return
			}
			if err := write(TailEvent{Type: "append", Data: string(chunk.Data), Time: chunk.Time}); err != nil {
				h.logger.Debug("tail write failed", "path", path.String(), "error", err)
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
