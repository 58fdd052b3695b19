package researcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepresearch-engine/core/internal/evidence"
	"github.com/deepresearch-engine/core/internal/gateway"
)

type stubGateway struct {
	mu       sync.Mutex
	searches int
	hits     map[string][]gateway.SearchHit
	failOn   map[string]error
}

func (s *stubGateway) SearchWeb(_ context.Context, query string, _ int) ([]gateway.SearchHit, error) {
	s.mu.Lock()
	s.searches++
	s.mu.Unlock()
	if err, ok := s.failOn[query]; ok {
		return nil, err
	}
	return s.hits[query], nil
}

func (s *stubGateway) CompleteText(_ context.Context, req gateway.TextRequest) (gateway.TextResult, error) {
	return gateway.TextResult{Text: "summary of " + req.Prompt[:20]}, nil
}

func hit(url, title, excerpt string) gateway.SearchHit {
	return gateway.SearchHit{URL: url, Title: title, Excerpt: excerpt}
}

func newStore() *evidence.Store {
	return evidence.New(evidence.NewDefaultScorer())
}

func TestRunCollectsEvidenceAcrossQueries(t *testing.T) {
	gw := &stubGateway{hits: map[string][]gateway.SearchHit{
		"q1": {hit("https://a.example/1", "A", "excerpt one"), hit("https://a.example/2", "B", "excerpt two")},
		"q2": {hit("https://b.example/3", "C", "excerpt three")},
	}}
	store := newStore()

	res := New(gw, Options{}, nil).Run(context.Background(), []string{"q1", "q2"}, 100, store)

	require.Equal(t, 3, res.EvidenceAdded)
	require.Equal(t, 3, store.Count())
	require.Equal(t, 2, res.QueriesSucceeded)
	require.Zero(t, res.QueriesFailed)
	require.Equal(t, 2, res.RequestsSpent, "one search unit per sub-query in the cheap profile")
}

func TestRunDeduplicatesIdenticalHitsAcrossQueries(t *testing.T) {
	same := hit("https://a.example/1", "A", "the same excerpt twice")
	gw := &stubGateway{hits: map[string][]gateway.SearchHit{
		"q1": {same},
		"q2": {same},
	}}
	store := newStore()

	res := New(gw, Options{}, nil).Run(context.Background(), []string{"q1", "q2"}, 100, store)

	require.Equal(t, 1, res.EvidenceAdded, "duplicate content hash must not be retained twice")
	require.Equal(t, 1, store.Count())
	require.Equal(t, 2, res.RequestsSpent, "dedup drops still count toward requests made")
}

func TestRunSkipsFailedSubQuery(t *testing.T) {
	gw := &stubGateway{
		hits:   map[string][]gateway.SearchHit{"ok": {hit("https://a.example/1", "A", "fine")}},
		failOn: map[string]error{"bad": errors.New("boom")},
	}
	store := newStore()

	res := New(gw, Options{}, nil).Run(context.Background(), []string{"bad", "ok"}, 100, store)

	require.Equal(t, 1, res.QueriesFailed)
	require.Equal(t, 1, res.QueriesSucceeded)
	require.Equal(t, 1, store.Count(), "other sub-queries continue after one fails")
}

func TestRunStopsDispatchWhenBudgetBelowOneSearch(t *testing.T) {
	gw := &stubGateway{hits: map[string][]gateway.SearchHit{}}
	queries := make([]string, 10)
	for i := range queries {
		queries[i] = fmt.Sprintf("q%d", i)
	}

	res := New(gw, Options{Concurrency: 1}, nil).Run(context.Background(), queries, 3, newStore())

	require.LessOrEqual(t, res.RequestsSpent, 3)
	require.LessOrEqual(t, gw.searches, 3, "no new sub-query once remaining budget is below one search")
}

func TestRunZeroBudgetIssuesNothing(t *testing.T) {
	gw := &stubGateway{hits: map[string][]gateway.SearchHit{"q": {hit("https://a.example/1", "A", "x")}}}

	res := New(gw, Options{}, nil).Run(context.Background(), []string{"q"}, 0, newStore())

	require.Zero(t, res.RequestsSpent)
	require.Zero(t, gw.searches)
	require.True(t, res.Unproductive())
}

func TestRunSummarizeProfileChargesCompletionCost(t *testing.T) {
	gw := &stubGateway{hits: map[string][]gateway.SearchHit{
		"q": {hit("https://a.example/1", "A", "raw provider excerpt that is long enough to summarize")},
	}}
	store := newStore()

	res := New(gw, Options{SummarizeExcerpts: true}, nil).Run(context.Background(), []string{"q"}, 100, store)

	require.Equal(t, 1+2, res.RequestsSpent, "one search plus one complete-text")
	require.Equal(t, 1, store.Count())
}

func TestUnproductive(t *testing.T) {
	require.True(t, Result{}.Unproductive())
	require.False(t, Result{EvidenceAdded: 1}.Unproductive())
	require.False(t, Result{QueriesSucceeded: 1}.Unproductive())
}
