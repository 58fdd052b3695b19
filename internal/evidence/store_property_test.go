package evidence

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestNoTwoRetainedItemsShareAContentHash exercises the invariant named in
// the store's core invariant: no two retained evidence items share a
// content hash, regardless of how many duplicate-ish items are offered.
func TestNoTwoRetainedItemsShareAContentHash(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("dedup holds under arbitrary excerpt/url streams", prop.ForAll(
		func(excerpts []string, urlCount int) bool {
			if urlCount <= 0 {
				urlCount = 1
			}
			store := New(NewDefaultScorer())
			ctx := context.Background()
			for i, excerpt := range excerpts {
				url := fmt.Sprintf("https://source-%d.example/doc", i%urlCount)
				store.Add(ctx, "q", Evidence{URL: url, Excerpt: excerpt})
			}
			seen := make(map[string]struct{})
			for _, item := range store.Snapshot() {
				if _, dup := seen[item.ContentHash]; dup {
					return false
				}
				seen[item.ContentHash] = struct{}{}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("same text", "Same Text", "different text", "  same   text  ")),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}
