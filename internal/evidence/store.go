// Package evidence implements the per-task Evidence Store: an append-only,
// deduplicated collection of domain.Evidence records with insertion-time
// quality scoring. The implementation is a mutex-guarded hash set plus an
// ordered slice rather than anything resembling a SQL table: the store
// lives entirely within one task's lifetime.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Store is a per-task, concurrency-safe collection of evidence. Callers
// construct one Store per ResearchTask and discard it with the task.
type Store struct {
	mu    sync.RWMutex
	items []Evidence
	seen  map[string]struct{}

	scorer      Scorer
	citationSeq int
}

// Evidence mirrors domain.Evidence; it is redeclared here (rather than
// imported) to keep the store importable without a dependency on the
// research/domain package, so leaf packages stay importable without
// pulling in the higher-level research layering. The orchestrator and the
// research stages use this type directly; no conversion helpers exist.
type Evidence struct {
	ID           string
	URL          string
	Title        string
	FetchedAt    time.Time
	Published    *time.Time
	Excerpt      string
	ContentHash  string
	ToolCallID   string
	QualityScore float64
	Tags         []string
	CitationKey  string
}

// New constructs an empty Store. scorer computes quality scores at
// insertion time; pass NewDefaultScorer() for the standard weighting.
func New(scorer Scorer) *Store {
	return &Store{
		seen:   make(map[string]struct{}),
		scorer: scorer,
	}
}

// Add normalizes and hashes item.Excerpt, scores the item, and appends it to
// the store unless an item with the same content hash was already retained.
// It returns added=true only when the item was newly retained. When
// item.CitationKey is empty, Add assigns the next key in the store's closed
// sequence ("S1", "S2", ...) atomically with the dedup check, so concurrent
// callers (the Researcher's sub-query workers) never race on key
// assignment or produce a gap/duplicate in the sequence.
func (s *Store) Add(ctx context.Context, query string, item Evidence) (added bool, stored Evidence) {
	hash := ContentHash(item.Excerpt, item.URL)
	item.ContentHash = hash

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[hash]; dup {
		return false, Evidence{}
	}
	if item.QualityScore == 0 {
		item.QualityScore = s.scorer.Score(ctx, query, item)
	}
	if item.CitationKey == "" {
		s.citationSeq++
		item.CitationKey = fmt.Sprintf("S%d", s.citationSeq)
	}
	s.seen[hash] = struct{}{}
	s.items = append(s.items, item)
	return true, item
}

// Snapshot returns the retained items in insertion order. The returned slice
// is a defensive copy; mutating it does not affect the store.
func (s *Store) Snapshot() []Evidence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Evidence, len(s.items))
	copy(out, s.items)
	return out
}

// Count returns the number of retained evidence items.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// SourcesSummary returns the distinct source hosts represented in the store,
// in first-seen order.
func (s *Store) SourcesSummary() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.items))
	var out []string
	for _, it := range s.items {
		host := hostOf(it.URL)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	trackingQueryRe = regexp.MustCompile(`(?i)(^|[?&])(utm_[a-z]+|ref|fbclid|gclid|source)=[^&]*`)
)

// normalizeExcerpt lowercases and collapses whitespace in text before
// hashing.
func normalizeExcerpt(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	return whitespaceRe.ReplaceAllString(t, " ")
}

// normalizeURL strips tracking query parameters that do not affect content
// identity, along with the separators they leave behind, so
// "https://a/x?utm_source=n" and "https://a/x" normalize alike.
func normalizeURL(url string) string {
	u := trackingQueryRe.ReplaceAllString(url, "$1")
	for strings.Contains(u, "&&") {
		u = strings.ReplaceAll(u, "&&", "&")
	}
	u = strings.Replace(u, "?&", "?", 1)
	return strings.TrimRight(u, "?&")
}

// ContentHash computes the stable dedup key for an excerpt/URL pair: a
// SHA-256 digest of the normalized excerpt concatenated with the
// normalized URL. The algorithm is fixed and stable across runs.
func ContentHash(excerpt, url string) string {
	h := sha256.New()
	h.Write([]byte(normalizeExcerpt(excerpt)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeURL(url)))
	return hex.EncodeToString(h.Sum(nil))
}

func hostOf(rawURL string) string {
	// Minimal scheme-stripping host extraction; avoids pulling in net/url
	// parsing edge cases this store does not need to handle beyond grouping
	// by registrable-ish host for the sources summary.
	u := rawURL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.IndexAny(u, "/?#"); i >= 0 {
		u = u[:i]
	}
	return u
}
