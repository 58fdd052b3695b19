package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepresearch-engine/core/internal/evidence"
	"github.com/deepresearch-engine/core/internal/persistence"
	"github.com/deepresearch-engine/core/internal/persistence/memory"
	"github.com/deepresearch-engine/core/internal/progress"
	"github.com/deepresearch-engine/core/internal/research/domain"
	"github.com/deepresearch-engine/core/internal/research/researcher"
	"github.com/deepresearch-engine/core/internal/research/writer"
)

type stubPlanner struct {
	subtasks []domain.SubTask
	err      error
}

func (s *stubPlanner) Plan(context.Context, string) ([]domain.SubTask, error) {
	return s.subtasks, s.err
}

type stubResearcher struct {
	results []researcher.Result
	queries [][]string
	calls   int
}

func (s *stubResearcher) Run(ctx context.Context, queries []string, budget int, store *evidence.Store) researcher.Result {
	s.queries = append(s.queries, queries)
	res := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	for i := 0; i < res.EvidenceAdded; i++ {
		store.Add(ctx, "q", evidence.Evidence{
			URL:       fmt.Sprintf("https://example.org/%d/%d", s.calls, i),
			Title:     "stub",
			Excerpt:   fmt.Sprintf("excerpt %d %d", s.calls, i),
			FetchedAt: time.Now(),
		})
	}
	return res
}

type stubEvaluator struct {
	results []domain.EvaluationResult
	err     error
	calls   int
}

func (s *stubEvaluator) Evaluate(context.Context, string, []evidence.Evidence) (domain.EvaluationResult, error) {
	if s.err != nil {
		return domain.EvaluationResult{}, s.err
	}
	res := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	return res, nil
}

type stubWriter struct {
	err   error
	calls int
}

func (s *stubWriter) Write(_ context.Context, in writer.Input) (writer.Output, error) {
	s.calls++
	if s.err != nil {
		return writer.Output{}, s.err
	}
	return writer.Output{MarkdownBody: "# Report [S1]", Bibliography: "## Sources"}, nil
}

func plan(n int) []domain.SubTask {
	out := make([]domain.SubTask, n)
	for i := range out {
		out[i] = domain.SubTask{Description: fmt.Sprintf("subtask %d", i+1), Priority: 1.0, Iteration: 1}
	}
	return out
}

func eval(score float64, refinements ...string) domain.EvaluationResult {
	return domain.EvaluationResult{
		Score:       score,
		Level:       domain.LevelForScore(score),
		Gaps:        []string{"depth"},
		Refinements: refinements,
	}
}

type harness struct {
	store   *memory.Store
	buses   *progress.Registry
	orch    *Orchestrator
	planner Planner
	res     *stubResearcher
	eval    *stubEvaluator
	writer  *stubWriter
}

func newHarness(p Planner, r *stubResearcher, e *stubEvaluator, w *stubWriter) *harness {
	store := memory.New()
	buses := progress.NewRegistry()
	orch := New(p, r, e, w, store, buses, evidence.NewDefaultScorer(), Options{})
	return &harness{store: store, buses: buses, orch: orch, planner: p, res: r, eval: e, writer: w}
}

// start creates the task record and subscribes an observer before Run, the
// way the intake layer does.
func (h *harness) start(t *testing.T, task domain.ResearchTask) *progress.Subscription {
	t.Helper()
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	bus := h.buses.Create(task.ID)
	return bus.Subscribe()
}

func task(id string, kind domain.TaskKind, maxIter int, minScore float64, budget int) domain.ResearchTask {
	return domain.ResearchTask{
		ID:        id,
		Query:     "test query",
		Kind:      kind,
		Status:    domain.TaskStatusAccepted,
		CreatedAt: time.Now().UTC(),
		Config: domain.TaskConfig{
			MaxIterations:      maxIter,
			MinCompletionScore: minScore,
			Budget:             budget,
		},
	}
}

func drainKinds(sub *progress.Subscription) []domain.ProgressEventKind {
	var kinds []domain.ProgressEventKind
	for ev := range sub.Events() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func countKind(kinds []domain.ProgressEventKind, k domain.ProgressEventKind) int {
	n := 0
	for _, kind := range kinds {
		if kind == k {
			n++
		}
	}
	return n
}

func TestDeepConvergesOnFirstIteration(t *testing.T) {
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		&stubResearcher{results: []researcher.Result{{RequestsSpent: 5, EvidenceAdded: 4, QueriesSucceeded: 3}}},
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.9)}},
		&stubWriter{},
	)
	tk := task("t1", domain.TaskKindDeep, 3, 0.5, 100)
	sub := h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	kinds := drainKinds(sub)
	require.Equal(t, 1, countKind(kinds, domain.EventIteration), "score above threshold ends after one iteration")
	require.Equal(t, domain.EventCompleted, kinds[len(kinds)-1])

	got, err := h.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCompleted, got.Status)
	require.Equal(t, 4, got.EvidenceCount)
	require.InDelta(t, 0.9, got.CompletionScore, 1e-9)

	report, err := h.store.GetReport(context.Background(), "t1")
	require.NoError(t, err)
	require.NotEmpty(t, report.MarkdownBody)
	require.Equal(t, 1, report.Summary.IterationsCompleted)
}

func TestDeepReachesMaxIterationsWithoutThreshold(t *testing.T) {
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		&stubResearcher{results: []researcher.Result{{RequestsSpent: 5, EvidenceAdded: 2, QueriesSucceeded: 3}}},
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.4, "refine a", "refine b")}},
		&stubWriter{},
	)
	tk := task("t2", domain.TaskKindDeep, 3, 0.99, 100)
	sub := h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	kinds := drainKinds(sub)
	require.Equal(t, 3, countKind(kinds, domain.EventIteration))
	require.Equal(t, 3, countKind(kinds, domain.EventEvaluation))
	require.Equal(t, 2, countKind(kinds, domain.EventRefinement), "no refinement after the final iteration")
	require.Equal(t, 1, countKind(kinds, domain.EventReportGeneration))
	require.Equal(t, domain.EventCompleted, kinds[len(kinds)-1])

	got, _ := h.store.GetTask(context.Background(), "t2")
	require.Equal(t, domain.TaskStatusCompleted, got.Status)
	require.Less(t, got.CompletionScore, 0.99)
}

func TestRefinementReplacesQueries(t *testing.T) {
	res := &stubResearcher{results: []researcher.Result{{RequestsSpent: 5, EvidenceAdded: 2, QueriesSucceeded: 3}}}
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		res,
		&stubEvaluator{results: []domain.EvaluationResult{
			eval(0.4, "refine a", "refine b"),
			eval(0.9),
		}},
		&stubWriter{},
	)
	tk := task("t3", domain.TaskKindDeep, 3, 0.8, 100)
	h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	require.Len(t, res.queries, 2)
	require.Len(t, res.queries[0], 3, "first iteration runs the plan")
	require.Equal(t, []string{"refine a", "refine b"}, res.queries[1], "refinements replace, not augment")
}

func TestRefinementCapAtMaxRefinements(t *testing.T) {
	res := &stubResearcher{results: []researcher.Result{{RequestsSpent: 5, EvidenceAdded: 2, QueriesSucceeded: 3}}}
	many := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		res,
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.4, many...), eval(0.9)}},
		&stubWriter{},
	)
	tk := task("t4", domain.TaskKindDeep, 3, 0.8, 100)
	h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	require.Len(t, res.queries[1], DefaultMaxRefinements)
}

func TestZeroBudgetGoesStraightToWriting(t *testing.T) {
	res := &stubResearcher{results: []researcher.Result{{}}}
	w := &stubWriter{}
	h := newHarness(&stubPlanner{subtasks: plan(3)}, res, &stubEvaluator{results: []domain.EvaluationResult{eval(0.9)}}, w)
	tk := task("t5", domain.TaskKindDeep, 3, 0.8, 0)
	sub := h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	kinds := drainKinds(sub)
	require.Zero(t, countKind(kinds, domain.EventIteration))
	require.Zero(t, res.calls, "no research without budget")
	require.Equal(t, 1, w.calls)
	require.Equal(t, domain.EventCompleted, kinds[len(kinds)-1])

	got, _ := h.store.GetTask(context.Background(), "t5")
	require.Equal(t, domain.TaskStatusCompleted, got.Status)
	require.Zero(t, got.EvidenceCount)
}

func TestBudgetExhaustionSkipsEvaluation(t *testing.T) {
	e := &stubEvaluator{results: []domain.EvaluationResult{eval(0.1)}}
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		&stubResearcher{results: []researcher.Result{{RequestsSpent: 100, EvidenceAdded: 3, QueriesSucceeded: 3}}},
		e,
		&stubWriter{},
	)
	tk := task("t6", domain.TaskKindDeep, 3, 0.99, 100)
	h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	require.Zero(t, e.calls, "budget spent in full moves straight to writing")
	got, _ := h.store.GetTask(context.Background(), "t6")
	require.Equal(t, domain.TaskStatusCompleted, got.Status)
}

func TestUnproductiveIterationShortCircuitsToWriting(t *testing.T) {
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		&stubResearcher{results: []researcher.Result{{RequestsSpent: 3}}},
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.1, "refine a")}},
		&stubWriter{},
	)
	tk := task("t7", domain.TaskKindDeep, 3, 0.99, 100)
	sub := h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	kinds := drainKinds(sub)
	require.Equal(t, 1, countKind(kinds, domain.EventIteration))
	require.Equal(t, domain.EventCompleted, kinds[len(kinds)-1])
}

func TestSimpleTaskRunsExactlyOneIteration(t *testing.T) {
	h := newHarness(
		&stubPlanner{subtasks: plan(4)},
		&stubResearcher{results: []researcher.Result{{RequestsSpent: 10, EvidenceAdded: 5, QueriesSucceeded: 4}}},
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.3, "more")}},
		&stubWriter{},
	)
	tk := task("t8", domain.TaskKindSimple, 1, 0.75, 50)
	sub := h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	kinds := drainKinds(sub)
	require.Equal(t, 1, countKind(kinds, domain.EventIteration))
	require.Zero(t, countKind(kinds, domain.EventRefinement))
	require.Equal(t, domain.EventCompleted, kinds[len(kinds)-1])
}

func TestPlannerFailureFailsTaskWithoutReport(t *testing.T) {
	h := newHarness(
		&stubPlanner{err: errors.New("provider transport error")},
		&stubResearcher{results: []researcher.Result{{}}},
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.9)}},
		&stubWriter{},
	)
	tk := task("t9", domain.TaskKindDeep, 3, 0.8, 100)
	sub := h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	kinds := drainKinds(sub)
	require.Equal(t, domain.EventFailed, kinds[len(kinds)-1])
	require.Equal(t, 1, countKind(kinds, domain.EventFailed), "exactly one terminal failed event")

	got, _ := h.store.GetTask(context.Background(), "t9")
	require.Equal(t, domain.TaskStatusFailed, got.Status)
	require.NotEmpty(t, got.FailureReason)

	_, err := h.store.GetReport(context.Background(), "t9")
	require.ErrorIs(t, err, persistence.ErrReportNotFound, "failed tasks never have a report")
}

func TestWriterFailureFailsTask(t *testing.T) {
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		&stubResearcher{results: []researcher.Result{{RequestsSpent: 5, EvidenceAdded: 2, QueriesSucceeded: 3}}},
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.9)}},
		&stubWriter{err: errors.New("provider shape error")},
	)
	tk := task("t10", domain.TaskKindDeep, 3, 0.5, 100)
	h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	got, _ := h.store.GetTask(context.Background(), "t10")
	require.Equal(t, domain.TaskStatusFailed, got.Status)
	_, err := h.store.GetReport(context.Background(), "t10")
	require.ErrorIs(t, err, persistence.ErrReportNotFound)
}

func TestCancellationFailsTaskWithCancelledReason(t *testing.T) {
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		&stubResearcher{results: []researcher.Result{{RequestsSpent: 5, EvidenceAdded: 2, QueriesSucceeded: 3}}},
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.9)}},
		&stubWriter{},
	)
	tk := task("t11", domain.TaskKindDeep, 3, 0.5, 100)
	sub := h.start(t, tk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.orch.Run(ctx, tk)

	kinds := drainKinds(sub)
	require.Equal(t, domain.EventFailed, kinds[len(kinds)-1])

	got, _ := h.store.GetTask(context.Background(), "t11")
	require.Equal(t, domain.TaskStatusFailed, got.Status)
	require.Equal(t, "cancelled", got.FailureReason)

	_, err := h.store.GetReport(context.Background(), "t11")
	require.ErrorIs(t, err, persistence.ErrReportNotFound)
}

func TestEventOrderIsPublicationOrder(t *testing.T) {
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		&stubResearcher{results: []researcher.Result{{RequestsSpent: 5, EvidenceAdded: 2, QueriesSucceeded: 3}}},
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.9)}},
		&stubWriter{},
	)
	tk := task("t12", domain.TaskKindDeep, 3, 0.5, 100)
	sub := h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	require.Equal(t, []domain.ProgressEventKind{
		domain.EventStarted,
		domain.EventPlanning,
		domain.EventIteration,
		domain.EventEvidence,
		domain.EventEvaluation,
		domain.EventReportGeneration,
		domain.EventCompleted,
	}, drainKinds(sub))
}

func TestTraceLinesRecordEveryEvent(t *testing.T) {
	h := newHarness(
		&stubPlanner{subtasks: plan(3)},
		&stubResearcher{results: []researcher.Result{{RequestsSpent: 5, EvidenceAdded: 2, QueriesSucceeded: 3}}},
		&stubEvaluator{results: []domain.EvaluationResult{eval(0.9)}},
		&stubWriter{},
	)
	tk := task("t13", domain.TaskKindDeep, 3, 0.5, 100)
	h.start(t, tk)

	h.orch.Run(context.Background(), tk)

	logs, err := h.store.ListLogs(context.Background(), "t13", nil)
	require.NoError(t, err)

	var traces int
	for _, rec := range logs {
		if rec.Level == domain.LogDebug {
			traces++
		}
	}
	require.Equal(t, 7, traces, "one trace line per progress event")
}
