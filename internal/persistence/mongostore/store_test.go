package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepresearch-engine/core/internal/persistence"
	"github.com/deepresearch-engine/core/internal/research/domain"
)

// fakeClient is a hand-written stand-in for a real Mongo connection; full
// coverage of the Client implementation requires a live cluster, so Store's
// delegation is verified directly against the Client interface instead.
type fakeClient struct {
	createTaskErr error
	task          domain.ResearchTask
	pingErr       error
}

func (f *fakeClient) Name() string { return "fake" }
func (f *fakeClient) Ping(context.Context) error { return f.pingErr }

func (f *fakeClient) CreateTask(_ context.Context, task domain.ResearchTask) error {
	f.task = task
	return f.createTaskErr
}
func (f *fakeClient) UpdateTaskStatus(context.Context, string, domain.TaskStatus, persistence.TaskExtras) error {
	return nil
}
func (f *fakeClient) GetTask(context.Context, string) (domain.ResearchTask, error) { return f.task, nil }
func (f *fakeClient) ListTasks(context.Context, persistence.TaskFilter) ([]domain.ResearchTask, error) {
	return []domain.ResearchTask{f.task}, nil
}
func (f *fakeClient) CreateReport(context.Context, string, domain.Report) error { return nil }
func (f *fakeClient) GetReport(context.Context, string) (domain.Report, error) { return domain.Report{}, nil }
func (f *fakeClient) AppendLog(context.Context, string, domain.LogLevel, string, time.Time) error {
	return nil
}
func (f *fakeClient) ListLogs(context.Context, string, *time.Time) ([]domain.LogRecord, error) {
	return nil, nil
}

func TestNewStoreRejectsNilClient(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
}

func TestStoreBackendLabelIsDurable(t *testing.T) {
	store, err := NewStore(&fakeClient{})
	require.NoError(t, err)
	require.Equal(t, "durable", store.Backend())
}

func TestStoreDelegatesCreateTask(t *testing.T) {
	fc := &fakeClient{}
	store, err := NewStore(fc)
	require.NoError(t, err)

	task := domain.ResearchTask{ID: "t1", Query: "q"}
	require.NoError(t, store.CreateTask(context.Background(), task))
	require.Equal(t, "t1", fc.task.ID)
}

func TestStorePingSurfacesClientError(t *testing.T) {
	fc := &fakeClient{pingErr: context.DeadlineExceeded}
	store, err := NewStore(fc)
	require.NoError(t, err)
	require.ErrorIs(t, store.Ping(context.Background()), context.DeadlineExceeded)
}
