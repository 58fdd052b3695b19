package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepresearch-engine/core/internal/apperrors"
	"github.com/deepresearch-engine/core/internal/research/domain"
	"github.com/deepresearch-engine/core/internal/telemetry"
)

// Fallback wraps a durable Store and degrades to an in-memory one when the
// durable backend fails mid-process. The swap is one-way for the process
// lifetime: once a durable call fails with a backend error, every
// subsequent call goes to the memory store and a warning is logged at the
// moment of degradation. Sentinel errors (ErrTaskExists and friends) are
// contract results, not backend failures, and never trigger the swap.
type Fallback struct {
	durable Store
	memory  Store
	logger  telemetry.Logger

	degraded atomic.Bool
	swapOnce sync.Once
}

// NewFallback wraps durable with the one-way degradation policy. memory is
// the store used after degradation; it must be empty at construction.
func NewFallback(durable, memory Store, logger telemetry.Logger) *Fallback {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Fallback{durable: durable, memory: memory, logger: logger}
}

// Degraded reports whether the one-way swap to the memory store has
// happened. The orchestrator uses this to mark tasks completed-degraded.
func (f *Fallback) Degraded() bool { return f.degraded.Load() }

// Backend implements Store, reporting the currently active backend.
func (f *Fallback) Backend() string { return f.active().Backend() }

func (f *Fallback) active() Store {
	if f.degraded.Load() {
		return f.memory
	}
	return f.durable
}

// sentinel reports whether err is a contract-level result every backend can
// return, as opposed to a backend availability failure.
func sentinel(err error) bool {
	return errors.Is(err, ErrTaskExists) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrReportExists) ||
		errors.Is(err, ErrReportNotFound)
}

func (f *Fallback) degrade(ctx context.Context, err error) {
	f.swapOnce.Do(func() {
		f.degraded.Store(true)
		perr := &apperrors.PersistenceError{Cause: err}
		f.logger.Warn(ctx, "durable persistence backend failed; degrading to in-memory store for the remainder of the process",
			"error", perr.Error())
	})
}

// call runs op against the active store, swapping to memory on a durable
// backend failure and retrying the operation there once.
func (f *Fallback) call(ctx context.Context, op func(Store) error) error {
	if f.degraded.Load() {
		return op(f.memory)
	}
	err := op(f.durable)
	if err == nil || sentinel(err) {
		return err
	}
	f.degrade(ctx, err)
	return op(f.memory)
}

// CreateTask implements Store.
func (f *Fallback) CreateTask(ctx context.Context, task domain.ResearchTask) error {
	return f.call(ctx, func(s Store) error { return s.CreateTask(ctx, task) })
}

// UpdateTaskStatus implements Store.
func (f *Fallback) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, extras TaskExtras) error {
	return f.call(ctx, func(s Store) error { return s.UpdateTaskStatus(ctx, id, status, extras) })
}

// GetTask implements Store.
func (f *Fallback) GetTask(ctx context.Context, id string) (domain.ResearchTask, error) {
	var task domain.ResearchTask
	err := f.call(ctx, func(s Store) error {
		var e error
		task, e = s.GetTask(ctx, id)
		return e
	})
	return task, err
}

// ListTasks implements Store.
func (f *Fallback) ListTasks(ctx context.Context, filter TaskFilter) ([]domain.ResearchTask, error) {
	var tasks []domain.ResearchTask
	err := f.call(ctx, func(s Store) error {
		var e error
		tasks, e = s.ListTasks(ctx, filter)
		return e
	})
	return tasks, err
}

// CreateReport implements Store.
func (f *Fallback) CreateReport(ctx context.Context, taskID string, report domain.Report) error {
	return f.call(ctx, func(s Store) error { return s.CreateReport(ctx, taskID, report) })
}

// GetReport implements Store.
func (f *Fallback) GetReport(ctx context.Context, taskID string) (domain.Report, error) {
	var report domain.Report
	err := f.call(ctx, func(s Store) error {
		var e error
		report, e = s.GetReport(ctx, taskID)
		return e
	})
	return report, err
}

// AppendLog implements Store.
func (f *Fallback) AppendLog(ctx context.Context, taskID string, level domain.LogLevel, message string, timestamp time.Time) error {
	return f.call(ctx, func(s Store) error { return s.AppendLog(ctx, taskID, level, message, timestamp) })
}

// ListLogs implements Store.
func (f *Fallback) ListLogs(ctx context.Context, taskID string, since *time.Time) ([]domain.LogRecord, error) {
	var logs []domain.LogRecord
	err := f.call(ctx, func(s Store) error {
		var e error
		logs, e = s.ListLogs(ctx, taskID, since)
		return e
	})
	return logs, err
}
