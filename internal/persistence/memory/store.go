// Package memory implements persistence.Store with process-local maps,
// matching the semantics of the durable backend exactly except for
// durability: a mutex-guarded map per collection, defensive copies on
// every read, and sentinel errors shared with the durable sibling.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deepresearch-engine/core/internal/persistence"
	"github.com/deepresearch-engine/core/internal/research/domain"
)

// Store is an in-memory persistence.Store implementation. It is safe for
// concurrent use across many tasks.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string]domain.ResearchTask
	reports map[string]domain.Report
	logs    map[string][]domain.LogRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:   make(map[string]domain.ResearchTask),
		reports: make(map[string]domain.Report),
		logs:    make(map[string][]domain.LogRecord),
	}
}

// Backend implements persistence.Store.
func (s *Store) Backend() string { return "memory" }

// CreateTask implements persistence.Store.
func (s *Store) CreateTask(_ context.Context, task domain.ResearchTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return persistence.ErrTaskExists
	}
	s.tasks[task.ID] = task
	return nil
}

// UpdateTaskStatus implements persistence.Store.
func (s *Store) UpdateTaskStatus(_ context.Context, id string, status domain.TaskStatus, extras persistence.TaskExtras) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return persistence.ErrTaskNotFound
	}

	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if extras.StartedAt != nil {
		task.StartedAt = extras.StartedAt
	}
	if extras.CompletedAt != nil {
		task.CompletedAt = extras.CompletedAt
	}
	if extras.EvidenceCount != nil {
		task.EvidenceCount = *extras.EvidenceCount
	}
	if extras.SourcesSummary != nil {
		task.SourcesSummary = append([]string(nil), extras.SourcesSummary...)
	}
	if extras.CompletionScore != nil {
		task.CompletionScore = *extras.CompletionScore
	}
	if extras.FailureReason != nil {
		task.FailureReason = *extras.FailureReason
	}

	s.tasks[id] = task
	return nil
}

// GetTask implements persistence.Store.
func (s *Store) GetTask(_ context.Context, id string) (domain.ResearchTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.ResearchTask{}, persistence.ErrTaskNotFound
	}
	return task, nil
}

// ListTasks implements persistence.Store.
func (s *Store) ListTasks(_ context.Context, filter persistence.TaskFilter) ([]domain.ResearchTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ResearchTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CreateReport implements persistence.Store.
func (s *Store) CreateReport(_ context.Context, taskID string, report domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[taskID]; ok {
		return persistence.ErrReportExists
	}
	report.TaskID = taskID
	s.reports[taskID] = report
	return nil
}

// GetReport implements persistence.Store.
func (s *Store) GetReport(_ context.Context, taskID string) (domain.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[taskID]
	if !ok {
		return domain.Report{}, persistence.ErrReportNotFound
	}
	return report, nil
}

// AppendLog implements persistence.Store.
func (s *Store) AppendLog(_ context.Context, taskID string, level domain.LogLevel, message string, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[taskID] = append(s.logs[taskID], domain.LogRecord{
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Timestamp: timestamp,
	})
	return nil
}

// ListLogs implements persistence.Store.
func (s *Store) ListLogs(_ context.Context, taskID string, since *time.Time) ([]domain.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.logs[taskID]
	out := make([]domain.LogRecord, 0, len(all))
	for _, rec := range all {
		if since != nil && !rec.Timestamp.After(*since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
