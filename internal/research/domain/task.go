// Package domain defines the core data model shared by every stage of the
// research orchestrator: ResearchTask, SubTask, Evidence, EvaluationResult,
// ProgressEvent, Report, and LogRecord.
package domain

import "time"

// TaskKind distinguishes a one-iteration request from an iterative one.
type TaskKind string

const (
	TaskKindSimple TaskKind = "simple"
	TaskKindDeep   TaskKind = "deep"
)

// TaskStatus is the lifecycle state of a ResearchTask. Transitions only move
// forward; terminal states (Completed, Failed) are immutable.
type TaskStatus string

const (
	TaskStatusAccepted TaskStatus = "accepted"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusCompletedDegraded marks a task that completed while the
	// durable persistence backend was unreachable.
	TaskStatusCompletedDegraded TaskStatus = "completed-degraded"
	TaskStatusFailed TaskStatus = "failed"
)

// Terminal reports whether s is a state from which no further transition is
// permitted.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCompletedDegraded || s == TaskStatusFailed
}

// TaskConfig is the configuration snapshot captured at task creation. It
// never changes after the task is accepted.
type TaskConfig struct {
	MaxIterations      int
	MinCompletionScore float64
	Budget             int
}

// ResearchTask is the durable unit of work tracked by the orchestrator.
type ResearchTask struct {
	ID     string
	Query  string
	Kind   TaskKind
	Config TaskConfig

	Status TaskStatus

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	EvidenceCount   int
	SourcesSummary  []string
	CompletionScore float64
	FailureReason   string
}

// SubTask is one decomposition leaf of the original query produced by the
// Planner or by the Evaluator's refinement step. SubTasks never persist
// beyond a single orchestration run.
type SubTask struct {
	ID          string
	Priority    float64
	Description string
	Iteration   int
}
