package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreDedupByContentHash(t *testing.T) {
	store := New(NewDefaultScorer())
	ctx := context.Background()

	item := Evidence{URL: "https://example.com/a", Excerpt: "Go is statically typed."}
	added, first := store.Add(ctx, "golang typing", item)
	require.True(t, added)
	require.NotEmpty(t, first.ContentHash)

	added, _ = store.Add(ctx, "golang typing", item)
	require.False(t, added, "duplicate excerpt+url must be dropped")
	require.Equal(t, 1, store.Count())
}

func TestStoreDedupIgnoresTrackingParamsAndCase(t *testing.T) {
	store := New(NewDefaultScorer())
	ctx := context.Background()

	a := Evidence{URL: "https://example.com/a?utm_source=newsletter", Excerpt: "Go Is Statically Typed.  "}
	b := Evidence{URL: "https://example.com/a", Excerpt: "go is statically typed."}

	added, _ := store.Add(ctx, "q", a)
	require.True(t, added)
	added, _ = store.Add(ctx, "q", b)
	require.False(t, added)
	require.Equal(t, 1, store.Count())
}

func TestStoreSnapshotIsDefensiveCopy(t *testing.T) {
	store := New(NewDefaultScorer())
	ctx := context.Background()
	_, _ = store.Add(ctx, "q", Evidence{URL: "https://a.com", Excerpt: "one"})

	snap := store.Snapshot()
	snap[0].Excerpt = "mutated"

	reread := store.Snapshot()
	require.Equal(t, "one", reread[0].Excerpt)
}

func TestScoreNeverZeroOrOneOnMissingSignals(t *testing.T) {
	scorer := NewDefaultScorer()
	score := scorer.Score(context.Background(), "", Evidence{URL: "https://unknown-host.example", Excerpt: ""})
	require.Greater(t, score, 0.0)
	require.Less(t, score, 1.0)
}

func TestRecencyScoreDecaysWithAge(t *testing.T) {
	oneYearAgo := time.Now().Add(-365 * 24 * time.Hour)
	recent := time.Now().Add(-1 * time.Hour)

	old := recencyScore(&oneYearAgo)
	fresh := recencyScore(&recent)

	require.InDelta(t, 0.5, old, 0.05, "one half-life should land near 0.5")
	require.Greater(t, fresh, old)
}

func TestSourcesSummaryDedupsHosts(t *testing.T) {
	store := New(NewDefaultScorer())
	ctx := context.Background()
	_, _ = store.Add(ctx, "q", Evidence{URL: "https://a.com/x", Excerpt: "one"})
	_, _ = store.Add(ctx, "q", Evidence{URL: "https://a.com/y", Excerpt: "two"})
	_, _ = store.Add(ctx, "q", Evidence{URL: "https://b.com/z", Excerpt: "three"})

	require.Equal(t, []string{"a.com", "b.com"}, store.SourcesSummary())
}
