package domain

import "time"

// Source describes where a piece of Evidence came from.
type Source struct {
	URL       string
	Title     string
	FetchedAt time.Time
	Published *time.Time
}

// Evidence is a single retained {source, excerpt, score} record relevant to
// the task's query. Evidence is immutable once created; ContentHash is
// computed once at insertion over the normalized excerpt and URL and is used by the
// EvidenceStore to enforce the no-duplicate-hash invariant.
type Evidence struct {
	ID           string
	Source       Source
	Excerpt      string
	ContentHash  string
	ToolCallID   string
	QualityScore float64
	Tags         []string
	CitationKey  string
}
