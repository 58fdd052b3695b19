package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepresearch-engine/core/internal/research/domain"
)

func event(kind domain.ProgressEventKind, msg string) domain.ProgressEvent {
	return domain.ProgressEvent{TaskID: "t1", Timestamp: time.Now(), Kind: kind, Message: msg}
}

func TestBusDeliversInOrderToEachObserver(t *testing.T) {
	bus := New("t1")
	subA := bus.Subscribe()
	subB := bus.Subscribe()

	bus.Publish(event(domain.EventStarted, "start"))
	bus.Publish(event(domain.EventPlanning, "planning"))

	require.Equal(t, "start", (<-subA.Events()).Message)
	require.Equal(t, "planning", (<-subA.Events()).Message)
	require.Equal(t, "start", (<-subB.Events()).Message)
	require.Equal(t, "planning", (<-subB.Events()).Message)
}

func TestBusTerminalEventClosesChannel(t *testing.T) {
	bus := New("t1")
	sub := bus.Subscribe()

	bus.Publish(event(domain.EventStarted, "start"))
	bus.Publish(event(domain.EventCompleted, "done"))

	first, ok := <-sub.Events()
	require.True(t, ok)
	require.Equal(t, domain.EventStarted, first.Kind)

	second, ok := <-sub.Events()
	require.True(t, ok)
	require.Equal(t, domain.EventCompleted, second.Kind)

	_, ok = <-sub.Events()
	require.False(t, ok, "channel must close after the terminal event")
}

func TestBusLateJoinDoesNotReceiveHistory(t *testing.T) {
	bus := New("t1")
	bus.Publish(event(domain.EventStarted, "start"))

	late := bus.Subscribe()
	bus.Publish(event(domain.EventIteration, "iter 1"))

	got := <-late.Events()
	require.Equal(t, domain.EventIteration, got.Kind, "late joiners skip events published before Subscribe")
}

func TestBusDropsSlowObserverOnBufferOverflow(t *testing.T) {
	bus := NewWithBuffer("t1", 1)
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	bus.Publish(event(domain.EventStarted, "1"))
	// fast drains its buffer before the next publish; slow does not.
	require.Equal(t, "1", (<-fast.Events()).Message)
	bus.Publish(event(domain.EventPlanning, "2")) // slow's buffer is still full of "1"; slow is dropped

	first := <-slow.Events()
	require.Equal(t, "1", first.Message)
	_, ok := <-slow.Events()
	require.False(t, ok, "a slow observer's channel is closed, not merely skipped, on overflow")

	// fast keeps receiving normally.
	require.Equal(t, "2", (<-fast.Events()).Message)
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	bus := New("t1")
	bus.Publish(event(domain.EventFailed, "boom"))

	sub := bus.Subscribe()
	_, ok := <-sub.Events()
	require.False(t, ok)
}

func TestUnsubscribeStopsFutureDelivery(t *testing.T) {
	bus := New("t1")
	sub := bus.Subscribe()
	sub.Unsubscribe()

	bus.Publish(event(domain.EventStarted, "start"))

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok, "unsubscribed observer's channel receives nothing further")
	default:
	}
}

func TestRegistryCreateGetRemove(t *testing.T) {
	reg := NewRegistry()
	bus := reg.Create("t1")

	got, ok := reg.Get("t1")
	require.True(t, ok)
	require.Same(t, bus, got)

	reg.Remove("t1")
	_, ok = reg.Get("t1")
	require.False(t, ok)
}
