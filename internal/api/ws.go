package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/deepresearch-engine/core/internal/progress"
)

const (
	wsWriteTimeout = 10 * time.Second

	// wsKeepaliveInterval is the server-side ping cadence used to detect
	// half-open transports.
	wsKeepaliveInterval = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The progress stream is read-only public task state; no origin gating.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleProgressWS subscribes the client to the task's live progress stream.
// Events arrive as JSON text frames in publication order; the connection
// closes cleanly after the terminal event. A client attaching after the task
// already ended gets an immediate clean close with no events.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	// Subscribe before upgrading so no event published during the handshake
	// is missed. A bus that no longer exists means the task is already
	// terminal; subscribing to a closed bus yields a closed channel, which
	// the write pump turns into an immediate clean close either way.
	var sub *progress.Subscription
	if bus, ok := s.buses.Get(id); ok {
		sub = bus.Subscribe()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		s.logger.Warn(r.Context(), "websocket upgrade failed", "task_id", id, "error", err.Error())
		return
	}

	if sub == nil || task.Status.Terminal() {
		if sub != nil {
			sub.Unsubscribe()
		}
		closeClean(conn)
		return
	}
	defer sub.Unsubscribe()

	// Read pump: drain client frames. Text "ping" is answered with "pong";
	// everything else is ignored. A read error ends the subscription.
	pongs := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && string(data) == "ping" {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	keepalive := time.NewTicker(wsKeepaliveInterval)
	defer keepalive.Stop()
	defer conn.Close()

	for {
		select {
		case event, open := <-sub.Events():
			if !open {
				// Terminal event delivered (or this observer was dropped as
				// too slow); either way the stream is over.
				closeClean(conn)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(progress.Wire(event)); err != nil {
				return
			}
		case <-pongs:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case <-keepalive.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func closeClean(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}
