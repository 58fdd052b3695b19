package mongostore

import (
	"context"
	"errors"
	"time"

	"github.com/deepresearch-engine/core/internal/persistence"
	"github.com/deepresearch-engine/core/internal/research/domain"
)

// Store implements persistence.Store by delegating to a Client. Store
// exists so its method set matches the abstract interface exactly, while
// Client is free to also expose health.Pinger.
type Store struct {
	client Client
}

// NewStore wraps client as a persistence.Store.
func NewStore(client Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	return &Store{client: client}, nil
}

// Backend implements persistence.Store.
func (s *Store) Backend() string { return "durable" }

// Ping exposes the underlying client's health check. The /health handler
// does not call it; it reports Backend() only.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

func (s *Store) CreateTask(ctx context.Context, task domain.ResearchTask) error {
	return s.client.CreateTask(ctx, task)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, extras persistence.TaskExtras) error {
	return s.client.UpdateTaskStatus(ctx, id, status, extras)
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.ResearchTask, error) {
	return s.client.GetTask(ctx, id)
}

func (s *Store) ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]domain.ResearchTask, error) {
	return s.client.ListTasks(ctx, filter)
}

func (s *Store) CreateReport(ctx context.Context, taskID string, report domain.Report) error {
	return s.client.CreateReport(ctx, taskID, report)
}

func (s *Store) GetReport(ctx context.Context, taskID string) (domain.Report, error) {
	return s.client.GetReport(ctx, taskID)
}

func (s *Store) AppendLog(ctx context.Context, taskID string, level domain.LogLevel, message string, timestamp time.Time) error {
	return s.client.AppendLog(ctx, taskID, level, message, timestamp)
}

func (s *Store) ListLogs(ctx context.Context, taskID string, since *time.Time) ([]domain.LogRecord, error) {
	return s.client.ListLogs(ctx, taskID, since)
}
