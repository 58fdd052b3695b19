// Package persistence defines the abstract persistence contract for tasks,
// reports, and logs, plus the error kinds shared by its durable (mongostore)
// and in-memory (memory) implementations. The interface lives in this leaf
// package with concrete backends in sibling packages.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/deepresearch-engine/core/internal/research/domain"
)

// TaskFilter narrows list-tasks queries. A zero-value filter matches every
// task.
type TaskFilter struct {
	Status domain.TaskStatus // empty matches any status
	Limit  int               // 0 means no limit
}

// TaskExtras carries the optional fields update-task-status may set
// alongside the new status.
type TaskExtras struct {
	StartedAt       *time.Time
	CompletedAt     *time.Time
	EvidenceCount   *int
	SourcesSummary  []string
	CompletionScore *float64
	FailureReason   *string
}

// Store is the abstract Persistence Layer used by the orchestrator and the
// intake API. Both the durable and in-memory backends implement this single
// interface; callers never branch on which backend is active except to
// report it on the health endpoint.
type Store interface {
	CreateTask(ctx context.Context, task domain.ResearchTask) error
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, extras TaskExtras) error
	GetTask(ctx context.Context, id string) (domain.ResearchTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]domain.ResearchTask, error)

	CreateReport(ctx context.Context, taskID string, report domain.Report) error
	GetReport(ctx context.Context, taskID string) (domain.Report, error)

	AppendLog(ctx context.Context, taskID string, level domain.LogLevel, message string, timestamp time.Time) error
	ListLogs(ctx context.Context, taskID string, since *time.Time) ([]domain.LogRecord, error)

	// Backend reports a short, health-endpoint-friendly label for the active
	// backend ("durable" or "memory") for the /health endpoint.
	Backend() string
}

// Sentinel errors shared by every Store implementation. Concrete backends
// must return these exact values (or wrap them so errors.Is succeeds) so
// callers can branch on error kind without knowing which backend is active.
var (
	// ErrTaskExists is returned by CreateTask when the task ID already exists.
	ErrTaskExists = errors.New("persistence: task already exists")
	// ErrTaskNotFound is returned by GetTask/UpdateTaskStatus when the task ID is unknown.
	ErrTaskNotFound = errors.New("persistence: task not found")
	// ErrReportExists is returned by CreateReport when a report already exists for the task.
	ErrReportExists = errors.New("persistence: report already exists")
	// ErrReportNotFound is returned by GetReport when no report has been created for the task.
	ErrReportNotFound = errors.New("persistence: report not found")
)
