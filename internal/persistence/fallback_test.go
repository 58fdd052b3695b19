package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepresearch-engine/core/internal/persistence"
	"github.com/deepresearch-engine/core/internal/persistence/memory"
	"github.com/deepresearch-engine/core/internal/research/domain"
)

// failingStore wraps a memory store and fails every call once tripped,
// standing in for a durable backend that went away mid-process.
type failingStore struct {
	*memory.Store
	down bool
}

var errDown = errors.New("connection refused")

func (f *failingStore) Backend() string { return "durable" }

func (f *failingStore) CreateTask(ctx context.Context, task domain.ResearchTask) error {
	if f.down {
		return errDown
	}
	return f.Store.CreateTask(ctx, task)
}

func (f *failingStore) GetTask(ctx context.Context, id string) (domain.ResearchTask, error) {
	if f.down {
		return domain.ResearchTask{}, errDown
	}
	return f.Store.GetTask(ctx, id)
}

func (f *failingStore) AppendLog(ctx context.Context, taskID string, level domain.LogLevel, message string, ts time.Time) error {
	if f.down {
		return errDown
	}
	return f.Store.AppendLog(ctx, taskID, level, message, ts)
}

func newTask(id string) domain.ResearchTask {
	return domain.ResearchTask{ID: id, Query: "q", Kind: domain.TaskKindSimple, Status: domain.TaskStatusAccepted, CreatedAt: time.Now()}
}

func TestFallbackUsesDurableUntilItFails(t *testing.T) {
	durable := &failingStore{Store: memory.New()}
	fb := persistence.NewFallback(durable, memory.New(), nil)

	require.NoError(t, fb.CreateTask(context.Background(), newTask("t1")))
	require.False(t, fb.Degraded())
	require.Equal(t, "durable", fb.Backend())

	got, err := fb.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)
}

func TestFallbackDegradesOnBackendFailureAndStaysDegraded(t *testing.T) {
	durable := &failingStore{Store: memory.New()}
	fb := persistence.NewFallback(durable, memory.New(), nil)

	durable.down = true
	// The failing call retries against the memory store, so it succeeds.
	require.NoError(t, fb.CreateTask(context.Background(), newTask("t1")))
	require.True(t, fb.Degraded())
	require.Equal(t, "memory", fb.Backend())

	// Durable recovery does not swap back; the degradation is one-way.
	durable.down = false
	require.NoError(t, fb.AppendLog(context.Background(), "t1", domain.LogInfo, "still degraded", time.Now()))
	require.True(t, fb.Degraded())

	got, err := fb.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID, "reads come from the memory store after the swap")
}

func TestFallbackSentinelErrorsDoNotDegrade(t *testing.T) {
	durable := &failingStore{Store: memory.New()}
	fb := persistence.NewFallback(durable, memory.New(), nil)

	require.NoError(t, fb.CreateTask(context.Background(), newTask("t1")))
	require.ErrorIs(t, fb.CreateTask(context.Background(), newTask("t1")), persistence.ErrTaskExists)
	require.False(t, fb.Degraded(), "uniqueness violations are contract results, not backend failures")

	_, err := fb.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, persistence.ErrTaskNotFound)
	require.False(t, fb.Degraded())
}
