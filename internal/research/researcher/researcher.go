// Package researcher implements the Researcher: it executes a
// set of sub-queries against the Provider Gateway with bounded concurrency,
// retains resulting hits in a per-task Evidence Store, and tracks the
// budget those calls consume.
//
// The bounded worker pool is a buffered channel of size Concurrency acting
// as the semaphore, with a WaitGroup gating completion.
package researcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deepresearch-engine/core/internal/evidence"
	"github.com/deepresearch-engine/core/internal/gateway"
	"github.com/deepresearch-engine/core/internal/telemetry"
)

const (
	// DefaultConcurrency is the default bound on in-flight sub-queries
	//.
	DefaultConcurrency = 5
	MinConcurrency      = 1
	MaxConcurrency       = 20

	costSearch       = 1
	costCompleteText = 2

	defaultMaxResultsPerQuery = 10
	minMaxResultsPerQuery     = 1
)

// Gateway is the subset of *gateway.Gateway the Researcher depends on.
type Gateway interface {
	SearchWeb(ctx context.Context, query string, maxResults int) ([]gateway.SearchHit, error)
	CompleteText(ctx context.Context, req gateway.TextRequest) (gateway.TextResult, error)
}

// Options configures a Researcher.
type Options struct {
	// Concurrency bounds the number of sub-queries executed at once.
	// Clamped to [MinConcurrency, MaxConcurrency]; zero selects
	// DefaultConcurrency.
	Concurrency int

	// SummarizeExcerpts selects the expensive profile: for
	// every search hit, issue a complete-text(role=researcher) call to
	// normalize its excerpt rather than using the provider-supplied
	// excerpt verbatim. Off by default; each call costs an extra
	// complete-text unit of budget per hit.
	SummarizeExcerpts bool

	// MaxResultsPerQuery caps search-web's max-results per sub-query
	// before budget scaling. Zero selects the default of 10.
	MaxResultsPerQuery int
}

// Result reports what one Run call accomplished: how much budget it spent
// and how evidence/sub-query outcomes broke down. The orchestrator uses it
// both to decrement the task's remaining budget and to decide whether the
// iteration was unproductive.
type Result struct {
	RequestsSpent    int
	EvidenceAdded    int
	QueriesSucceeded int
	QueriesFailed    int
}

// Unproductive reports whether this Run added no evidence and had no
// sub-query succeed, the condition the orchestrator uses to short-circuit
// straight to report writing instead of another refinement round.
func (r Result) Unproductive() bool {
	return r.EvidenceAdded == 0 && r.QueriesSucceeded == 0
}

// Researcher executes sub-queries against the Provider Gateway, feeding
// retained results into a caller-owned per-task Evidence Store.
type Researcher struct {
	gw     Gateway
	opts   Options
	logger telemetry.Logger
}

// New constructs a Researcher.
func New(gw Gateway, opts Options, logger telemetry.Logger) *Researcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Concurrency > MaxConcurrency {
		opts.Concurrency = MaxConcurrency
	}
	if opts.Concurrency < MinConcurrency {
		opts.Concurrency = MinConcurrency
	}
	if opts.MaxResultsPerQuery <= 0 {
		opts.MaxResultsPerQuery = defaultMaxResultsPerQuery
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Researcher{gw: gw, opts: opts, logger: logger}
}

// Run executes queries with bounded concurrency, stopping the dispatch of
// new sub-queries once the remaining budget is less than the cost of one
// search. A single sub-query's failure is logged and skipped;
// Run always returns whatever was collected from the others.
func (r *Researcher) Run(ctx context.Context, queries []string, budget int, store *evidence.Store) Result {
	var (
		mu        sync.Mutex
		result    Result
		remaining = budget
	)

	maxResultsPerQuery := perQueryMaxResults(budget, len(queries), r.opts.MaxResultsPerQuery)

	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup

	for _, q := range queries {
		sem <- struct{}{}

		// Reserve one search's worth of budget at dispatch time so the
		// remaining-budget check stays exact under concurrent spend; the
		// worker settles the difference once its true cost is known.
		mu.Lock()
		if remaining < costSearch {
			mu.Unlock()
			<-sem
			break
		}
		remaining -= costSearch
		mu.Unlock()

		wg.Add(1)
		go func(query string) {
			defer wg.Done()
			defer func() { <-sem }()

			added, spent, err := r.runSubQuery(ctx, query, store, maxResultsPerQuery)

			mu.Lock()
			remaining -= spent - costSearch
			result.RequestsSpent += spent
			result.EvidenceAdded += added
			if err != nil {
				result.QueriesFailed++
			} else {
				result.QueriesSucceeded++
			}
			mu.Unlock()

			if err != nil {
				r.logger.Warn(ctx, "sub-query failed, skipping", "query", query, "error", err.Error())
			}
		}(q)
	}

	wg.Wait()
	return result
}

func (r *Researcher) runSubQuery(ctx context.Context, query string, store *evidence.Store, maxResults int) (added, spent int, err error) {
	hits, serr := r.gw.SearchWeb(ctx, query, maxResults)
	spent += costSearch
	if serr != nil {
		return 0, spent, fmt.Errorf("search-web %q: %w", query, serr)
	}

	for _, hit := range hits {
		excerpt := hit.Excerpt

		if r.opts.SummarizeExcerpts {
			h := hit
			sres, cerr := r.gw.CompleteText(ctx, gateway.TextRequest{
				Prompt: summarizePrompt(query, h),
				Role:   gateway.RoleResearcher,
				MockText: func() string {
					return mockSummary(h)
				},
			})
			spent += costCompleteText
			if cerr == nil && strings.TrimSpace(sres.Text) != "" {
				excerpt = sres.Text
			}
			// A single summarization failure does not discard an otherwise
			// usable hit; the provider-supplied excerpt is kept instead.
		}

		item := evidence.Evidence{
			URL:       hit.URL,
			Title:     hit.Title,
			FetchedAt: time.Now(),
			Published: hit.Published,
			Excerpt:   excerpt,
		}
		if ok, _ := store.Add(ctx, query, item); ok {
			added++
		}
	}

	return added, spent, nil
}

// perQueryMaxResults scales search-web's max-results per sub-query by the
// overall remaining budget, capped at the configured per-sub-query
// ceiling.
func perQueryMaxResults(budget, numQueries, ceiling int) int {
	if numQueries <= 0 {
		numQueries = 1
	}
	share := budget / numQueries
	if share < minMaxResultsPerQuery {
		share = minMaxResultsPerQuery
	}
	if share > ceiling {
		share = ceiling
	}
	return share
}

func summarizePrompt(query string, hit gateway.SearchHit) string {
	var b strings.Builder
	b.WriteString("Summarize the following excerpt into 2-3 sentences that directly address this research query: ")
	b.WriteString(query)
	b.WriteString("\n\nSource: ")
	b.WriteString(hit.Title)
	b.WriteString(" (")
	b.WriteString(hit.URL)
	b.WriteString(")\n\nExcerpt:\n")
	b.WriteString(hit.Excerpt)
	return b.String()
}

func mockSummary(hit gateway.SearchHit) string {
	return fmt.Sprintf("Synthetic summary of %q: %s", hit.Title, truncate(hit.Excerpt, 200))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
