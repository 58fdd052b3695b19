package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/deepresearch-engine/core/internal/persistence/memory"
	"github.com/deepresearch-engine/core/internal/progress"
	"github.com/deepresearch-engine/core/internal/research/domain"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// seedRunningTask creates a running task record plus its live bus, the state
// a task is in while its orchestrator executes.
func seedRunningTask(t *testing.T, srv *Server, store *memory.Store, id string) *progress.Bus {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateTask(context.Background(), domain.ResearchTask{
		ID: id, Query: "q", Kind: domain.TaskKindDeep,
		Status: domain.TaskStatusRunning, CreatedAt: now, UpdatedAt: now,
	}))
	return srv.buses.Create(id)
}

func publish(bus *progress.Bus, kind domain.ProgressEventKind, msg string) {
	bus.Publish(domain.ProgressEvent{
		TaskID:    bus.TaskID(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Message:   msg,
	})
}

func readEvent(t *testing.T, conn *websocket.Conn) progress.WireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev progress.WireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWSDeliversEventsInPublicationOrderAndClosesCleanly(t *testing.T) {
	srv, store, _ := newTestStack(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	bus := seedRunningTask(t, srv, store, "ws1")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/progress/ws1"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	publish(bus, domain.EventIteration, "iteration 1 of 3")
	publish(bus, domain.EventEvidence, "3 new evidence items")
	publish(bus, domain.EventCompleted, "research completed")

	first := readEvent(t, conn)
	require.Equal(t, "iteration", first.EventType)
	require.Equal(t, "ws1", first.TaskID)
	_, err = time.Parse(time.RFC3339Nano, first.Timestamp)
	require.NoError(t, err, "timestamps are RFC-3339")

	require.Equal(t, "evidence", readEvent(t, conn).EventType)
	require.Equal(t, "completed", readEvent(t, conn).EventType)

	// After the terminal event the server closes cleanly.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected a normal close, got %v", err)
}

func TestWSLateJoinerSkipsEarlierEvents(t *testing.T) {
	srv, store, _ := newTestStack(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	bus := seedRunningTask(t, srv, store, "ws2")

	connA, respA, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/progress/ws2"), nil)
	require.NoError(t, err)
	respA.Body.Close()
	defer connA.Close()

	publish(bus, domain.EventStarted, "research started")
	publish(bus, domain.EventPlanning, "planned 3 sub-tasks")

	// A must have consumed the early events before B attaches, otherwise
	// the join point is ambiguous.
	require.Equal(t, "started", readEvent(t, connA).EventType)
	require.Equal(t, "planning", readEvent(t, connA).EventType)

	connB, respB, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/progress/ws2"), nil)
	require.NoError(t, err)
	respB.Body.Close()
	defer connB.Close()

	// B's subscription is registered before the handshake response is
	// written, so once Dial returns the next publish reaches it.
	publish(bus, domain.EventIteration, "iteration 1 of 3")
	publish(bus, domain.EventCompleted, "research completed")

	require.Equal(t, "iteration", readEvent(t, connA).EventType)
	require.Equal(t, "iteration", readEvent(t, connB).EventType, "late joiner starts at the next published event")
	require.Equal(t, "completed", readEvent(t, connA).EventType)
	require.Equal(t, "completed", readEvent(t, connB).EventType)
}

func TestWSAttachAfterTerminalClosesImmediately(t *testing.T) {
	srv, store, _ := newTestStack(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	now := time.Now().UTC()
	require.NoError(t, store.CreateTask(context.Background(), domain.ResearchTask{
		ID: "done", Query: "q", Kind: domain.TaskKindSimple,
		Status: domain.TaskStatusCompleted, CreatedAt: now, UpdatedAt: now,
	}))

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/progress/done"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"no events, just a clean close, got %v", err)
}

func TestWSUnknownTaskRejectsHandshake(t *testing.T) {
	srv, _, _ := newTestStack(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/progress/nope"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 404, resp.StatusCode)
	resp.Body.Close()
}

func TestWSAnswersClientTextPing(t *testing.T) {
	srv, store, _ := newTestStack(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	seedRunningTask(t, srv, store, "ws3")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/progress/ws3"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	require.Equal(t, "pong", string(data))
}
