package evidence

import (
	"context"
	"math"
	"strings"
	"time"
)

// weightAuthority, weightRelevance, and weightRecency are the fixed
// quality coefficients: quality = 0.6*authority + 0.3*relevance +
// 0.1*recency. They are constant for the lifetime of an orchestration.
const (
	weightAuthority = 0.6
	weightRelevance = 0.3
	weightRecency   = 0.1

	defaultSubScore = 0.5
	recencyHalfLife = 365 * 24 * time.Hour
)

// Scorer computes an Evidence item's quality score at insertion time.
type Scorer interface {
	Score(ctx context.Context, query string, item Evidence) float64
}

// DefaultScorer implements the authority/relevance/recency weighting with
// a bounded host-authority lookup and a lexical-overlap relevance measure
// that needs no embedding provider.
type DefaultScorer struct {
	// Authority maps a URL host to a fixed authority score in [0,1].
	// Hosts absent from the map default to 0.5, never to 0 or 1.
	Authority map[string]float64
}

// NewDefaultScorer returns a DefaultScorer seeded with a small set of
// well-known reference and news domains. Callers may extend Authority after
// construction.
func NewDefaultScorer() *DefaultScorer {
	return &DefaultScorer{
		Authority: map[string]float64{
			"en.wikipedia.org": 0.8,
			"arxiv.org":        0.9,
			"nature.com":       0.95,
			"nih.gov":          0.95,
			"gov":              0.9,
			"edu":              0.85,
		},
	}
}

// Score implements Scorer.
func (s *DefaultScorer) Score(_ context.Context, query string, item Evidence) float64 {
	authority := s.authorityFor(item.URL)
	relevance := lexicalRelevance(query, item.Excerpt)
	recency := recencyScore(item.Published)
	score := weightAuthority*authority + weightRelevance*relevance + weightRecency*recency
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (s *DefaultScorer) authorityFor(rawURL string) float64 {
	host := hostOf(rawURL)
	if host == "" {
		return defaultSubScore
	}
	if v, ok := s.Authority[host]; ok {
		return v
	}
	for suffix, v := range s.Authority {
		if len(suffix) < len(host) && strings.HasSuffix(host, "."+suffix) {
			return v
		}
	}
	return defaultSubScore
}

// lexicalRelevance computes a cosine-like similarity between the query and
// the excerpt using term-frequency vectors over lowercased word tokens. This
// is the lexical fallback used when no embedding
// provider is configured.
func lexicalRelevance(query, excerpt string) float64 {
	qTerms := tokenize(query)
	eTerms := tokenize(excerpt)
	if len(qTerms) == 0 || len(eTerms) == 0 {
		return defaultSubScore
	}

	qVec := termFreq(qTerms)
	eVec := termFreq(eTerms)

	var dot, qNorm, eNorm float64
	for term, qCount := range qVec {
		dot += qCount * eVec[term]
	}
	for _, c := range qVec {
		qNorm += c * c
	}
	for _, c := range eVec {
		eNorm += c * c
	}
	if qNorm == 0 || eNorm == 0 {
		return defaultSubScore
	}
	cosine := dot / (math.Sqrt(qNorm) * math.Sqrt(eNorm))
	if cosine < 0 {
		return 0
	}
	if cosine > 1 {
		return 1
	}
	return cosine
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func termFreq(terms []string) map[string]float64 {
	freq := make(map[string]float64, len(terms))
	for _, t := range terms {
		freq[t]++
	}
	return freq
}

// recencyScore applies exponential decay over days since publication with a
// one-year half-life. A nil published time (unknown) defaults
// to 0.5, never to 0 or 1.
func recencyScore(published *time.Time) float64 {
	if published == nil || published.IsZero() {
		return defaultSubScore
	}
	age := time.Since(*published)
	if age < 0 {
		age = 0
	}
	lambda := math.Ln2 / recencyHalfLife.Hours()
	return math.Exp(-lambda * age.Hours())
}
