// Package orchestrator implements the iterative research orchestrator:
// the bounded state machine that drives one task from Init through
// Planning, Iteration, Evaluating, GapAnalysis/Refinement, and Writing to a
// terminal state, plus the worker pool that runs many such machines
// concurrently (manager.go).
//
// One Orchestrator instance is shared by all tasks; all per-task state lives
// in the runContext built at the top of Run. Within a task every stage runs
// sequentially; only the Researcher parallelizes internally.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepresearch-engine/core/internal/apperrors"
	"github.com/deepresearch-engine/core/internal/evidence"
	"github.com/deepresearch-engine/core/internal/persistence"
	"github.com/deepresearch-engine/core/internal/progress"
	"github.com/deepresearch-engine/core/internal/research/domain"
	"github.com/deepresearch-engine/core/internal/research/researcher"
	"github.com/deepresearch-engine/core/internal/research/writer"
	"github.com/deepresearch-engine/core/internal/telemetry"
)

// DefaultMaxRefinements caps the refinement sub-queries taken from one
// evaluation round.
const DefaultMaxRefinements = 4

// Stage interfaces. The concrete planner/researcher/evaluator/writer
// packages satisfy these; tests substitute stubs.
type (
	Planner interface {
		Plan(ctx context.Context, query string) ([]domain.SubTask, error)
	}

	Researcher interface {
		Run(ctx context.Context, queries []string, budget int, store *evidence.Store) researcher.Result
	}

	Evaluator interface {
		Evaluate(ctx context.Context, query string, snapshot []evidence.Evidence) (domain.EvaluationResult, error)
	}

	Writer interface {
		Write(ctx context.Context, in writer.Input) (writer.Output, error)
	}
)

// degradable is satisfied by persistence.Fallback; plain backends that can
// never degrade simply don't implement it.
type degradable interface {
	Degraded() bool
}

// Orchestrator drives research tasks to completion.
type Orchestrator struct {
	planner    Planner
	researcher Researcher
	evaluator  Evaluator
	writer     Writer

	store  persistence.Store
	buses  *progress.Registry
	scorer evidence.Scorer

	maxRefinements int

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Options configures an Orchestrator.
type Options struct {
	// MaxRefinements caps the refinement sub-queries taken per gap-analysis
	// round. Zero selects DefaultMaxRefinements.
	MaxRefinements int

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// New constructs an Orchestrator.
func New(p Planner, r Researcher, e Evaluator, w Writer, store persistence.Store, buses *progress.Registry, scorer evidence.Scorer, opts Options) *Orchestrator {
	if opts.MaxRefinements <= 0 {
		opts.MaxRefinements = DefaultMaxRefinements
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Orchestrator{
		planner:        p,
		researcher:     r,
		evaluator:      e,
		writer:         w,
		store:          store,
		buses:          buses,
		scorer:         scorer,
		maxRefinements: opts.MaxRefinements,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
	}
}

// runContext is the per-task mutable state of one state-machine execution.
type runContext struct {
	task    domain.ResearchTask
	bus     *progress.Bus
	store   *evidence.Store
	queries []string

	iteration int
	budget    int
	score     float64
	gaps      []string

	started time.Time
}

// Run executes the full state machine for task. It never returns an error:
// every failure path, panics included, ends in a terminal `failed` event
// and task status rather than escaping to the worker.
func (o *Orchestrator) Run(ctx context.Context, task domain.ResearchTask) {
	bus, ok := o.buses.Get(task.ID)
	if !ok {
		bus = o.buses.Create(task.ID)
	}

	rc := &runContext{
		task:    task,
		bus:     bus,
		store:   evidence.New(o.scorer),
		budget:  task.Config.Budget,
		started: time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, rc, (&apperrors.InternalError{Cause: fmt.Errorf("%v", r)}).Error())
		}
		o.buses.Remove(task.ID)
	}()

	if err := o.run(ctx, rc); err != nil {
		o.fail(ctx, rc, failureReason(ctx, err))
	}
}

// run walks the state machine; any returned error is mapped to the terminal
// failed path by Run.
func (o *Orchestrator) run(ctx context.Context, rc *runContext) error {
	// Init -> Planning.
	o.emit(ctx, rc, domain.EventStarted, "research started", map[string]any{
		"query": rc.task.Query,
		"kind":  string(rc.task.Kind),
	})
	now := time.Now().UTC()
	o.persistStatus(ctx, rc, domain.TaskStatusRunning, persistence.TaskExtras{StartedAt: &now})

	plan, err := o.planner.Plan(ctx, rc.task.Query)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Planning -> Iteration(1).
	rc.queries = make([]string, 0, len(plan))
	for _, st := range plan {
		rc.queries = append(rc.queries, st.Description)
	}
	o.emit(ctx, rc, domain.EventPlanning, fmt.Sprintf("planned %d sub-tasks", len(plan)), map[string]any{
		"subtasks": len(plan),
	})

	for k := 1; k <= rc.task.Config.MaxIterations; k++ {
		rc.iteration = k

		// A zero or exhausted budget moves straight to Writing; no
		// iteration events are emitted for rounds that cannot search.
		if rc.budget <= 0 {
			break
		}

		o.emit(ctx, rc, domain.EventIteration, fmt.Sprintf("iteration %d of %d", k, rc.task.Config.MaxIterations), map[string]any{
			"iteration":      k,
			"max_iterations": rc.task.Config.MaxIterations,
		})

		res := o.researcher.Run(ctx, rc.queries, rc.budget, rc.store)
		rc.budget -= res.RequestsSpent
		if rc.budget < 0 {
			rc.budget = 0
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		o.emit(ctx, rc, domain.EventEvidence, fmt.Sprintf("%d new evidence items (%d total)", res.EvidenceAdded, rc.store.Count()), map[string]any{
			"new":   res.EvidenceAdded,
			"total": rc.store.Count(),
		})
		o.metrics.RecordGauge("research.evidence.total", float64(rc.store.Count()), "task_id", rc.task.ID)

		if rc.budget <= 0 {
			// BudgetExhausted is a transition, not a failure.
			o.logger.Info(ctx, apperrors.BudgetExhausted{}.Error()+", moving to writing", "task_id", rc.task.ID, "iteration", k)
			break
		}

		// Iteration(k) -> Evaluating(k).
		eval, err := o.evaluator.Evaluate(ctx, rc.task.Query, rc.store.Snapshot())
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rc.score = eval.Score
		o.emit(ctx, rc, domain.EventEvaluation, fmt.Sprintf("completion %.2f (%s)", eval.Score, eval.Level), map[string]any{
			"score": eval.Score,
			"level": string(eval.Level),
		})
		o.metrics.RecordGauge("research.completion.score", eval.Score, "task_id", rc.task.ID)

		// Convergence check: threshold reached, iterations exhausted, or
		// a dry round all end the loop.
		if eval.Score >= rc.task.Config.MinCompletionScore {
			break
		}
		if k == rc.task.Config.MaxIterations {
			break
		}
		if res.Unproductive() {
			o.logger.Info(ctx, "iteration unproductive, moving to writing", "task_id", rc.task.ID, "iteration", k)
			break
		}

		// GapAnalysis(k) -> Refinement(k).
		rc.gaps = eval.Gaps
		o.emit(ctx, rc, domain.EventGapAnalysis, fmt.Sprintf("%d gaps identified", len(eval.Gaps)), map[string]any{
			"gaps": eval.Gaps,
		})

		refinements := eval.Refinements
		if len(refinements) > o.maxRefinements {
			refinements = refinements[:o.maxRefinements]
		}
		if len(refinements) == 0 {
			// Nothing to refine with; another identical iteration cannot
			// close the gaps.
			break
		}
		o.emit(ctx, rc, domain.EventRefinement, fmt.Sprintf("%d refinement queries", len(refinements)), map[string]any{
			"count": len(refinements),
		})
		rc.queries = refinements
	}

	return o.write(ctx, rc)
}

// write runs the terminal Writing state: synthesize, persist, complete.
func (o *Orchestrator) write(ctx context.Context, rc *runContext) error {
	o.emit(ctx, rc, domain.EventReportGeneration, fmt.Sprintf("generating report from %d evidence items", rc.store.Count()), map[string]any{
		"evidence_total": rc.store.Count(),
	})

	duration := time.Since(rc.started)
	summary := &domain.ResearchSummary{
		IterationsCompleted: rc.iteration,
		GapsIdentified:      rc.gaps,
	}
	metrics := &domain.QualityMetrics{
		CompletionScore: rc.score,
		EvidenceCount:   rc.store.Count(),
		ExecutionTime:   duration,
	}

	out, err := o.writer.Write(ctx, writer.Input{
		TaskID:   rc.task.ID,
		Query:    rc.task.Query,
		Snapshot: rc.store.Snapshot(),
		Summary:  summary,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if out.Stripped > 0 {
		msg := fmt.Sprintf("stripped %d unresolved citations from report", out.Stripped)
		o.logger.Warn(ctx, msg, "task_id", rc.task.ID)
		if err := o.store.AppendLog(ctx, rc.task.ID, domain.LogWarning, msg, time.Now().UTC()); err != nil {
			o.logger.Warn(ctx, "log append failed", "task_id", rc.task.ID, "error", err.Error())
		}
	}

	report := domain.Report{
		TaskID:       rc.task.ID,
		MarkdownBody: out.MarkdownBody,
		Bibliography: out.Bibliography,
		Summary:      summary,
		Metrics:      metrics,
	}
	if err := o.store.CreateReport(ctx, rc.task.ID, report); err != nil {
		o.logger.Error(ctx, "persisting report failed", "task_id", rc.task.ID, "error", err.Error())
	}

	status := domain.TaskStatusCompleted
	if d, ok := o.store.(degradable); ok && d.Degraded() {
		status = domain.TaskStatusCompletedDegraded
	}

	now := time.Now().UTC()
	count := rc.store.Count()
	score := rc.score
	o.persistStatus(ctx, rc, status, persistence.TaskExtras{
		CompletedAt:     &now,
		EvidenceCount:   &count,
		SourcesSummary:  rc.store.SourcesSummary(),
		CompletionScore: &score,
	})

	o.emit(ctx, rc, domain.EventCompleted, "research completed", map[string]any{
		"score":          rc.score,
		"evidence_count": count,
		"duration_ms":    duration.Milliseconds(),
	})
	o.metrics.RecordTimer("research.task.duration", duration, "kind", string(rc.task.Kind))
	o.metrics.IncCounter("research.task.completed", 1, "kind", string(rc.task.Kind))
	return nil
}

// fail runs the terminal Failed state.
func (o *Orchestrator) fail(ctx context.Context, rc *runContext, reason string) {
	// The task context may already be cancelled; terminal persistence and
	// event publication must still happen.
	base := context.WithoutCancel(ctx)

	o.logger.Error(base, "task failed", "task_id", rc.task.ID, "reason", reason)

	now := time.Now().UTC()
	o.persistStatus(base, rc, domain.TaskStatusFailed, persistence.TaskExtras{
		CompletedAt:   &now,
		FailureReason: &reason,
	})

	o.emit(base, rc, domain.EventFailed, reason, map[string]any{
		"reason": reason,
	})
	o.metrics.IncCounter("research.task.failed", 1, "kind", string(rc.task.Kind))
}

// failureReason maps a state-machine error to the terminal reason string
// reported in the failed event and task record.
func failureReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperrors.DeadlineExceeded{}.Error()
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return apperrors.Cancelled{}.Error()
	default:
		return err.Error()
	}
}

// emit publishes a progress event to the task's bus and appends its wire
// form to the log collection as a trace line for the /traces export.
// Events are published strictly after the side effect they
// describe; trace persistence is best-effort.
func (o *Orchestrator) emit(ctx context.Context, rc *runContext, kind domain.ProgressEventKind, message string, payload map[string]any) {
	event := domain.ProgressEvent{
		TaskID:    rc.task.ID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Message:   message,
		Payload:   payload,
	}
	rc.bus.Publish(event)

	if line, err := progress.EncodeWire(event); err == nil {
		if err := o.store.AppendLog(ctx, rc.task.ID, domain.LogDebug, string(line), event.Timestamp); err != nil {
			o.logger.Warn(ctx, "trace append failed", "task_id", rc.task.ID, "error", err.Error())
		}
	}
}

// persistStatus writes a status transition. Persistence failures degrade
// the task, never fail it.
func (o *Orchestrator) persistStatus(ctx context.Context, rc *runContext, status domain.TaskStatus, extras persistence.TaskExtras) {
	if err := o.store.UpdateTaskStatus(ctx, rc.task.ID, status, extras); err != nil {
		o.logger.Error(ctx, "status update failed", "task_id", rc.task.ID, "status", string(status), "error", err.Error())
	}
}
