package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/deepresearch-engine/core/internal/gateway/providers"
)

// SearchClient is the gateway's transport for search-web. There
// web search providers commonly expose this shape, so it is implemented directly
// against a generic JSON search contract rather than adapted from an
// existing client.
type SearchClient interface {
	SearchWeb(ctx context.Context, query string, maxResults int) ([]SearchHit, error)
}

// HTTPSearchClient calls a JSON search endpoint:
//
//	GET {BaseURL}?q=<query>&count=<maxResults>
//	-> {"results": [{"url","title","excerpt","published"}]}
//
// The concrete provider behind BaseURL is outside this system's scope; only
// the wire shape the Researcher depends on is fixed here.
type HTTPSearchClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewHTTPSearchClient builds an HTTPSearchClient with a bounded-timeout
// default HTTP client.
func NewHTTPSearchClient(baseURL, apiKey string) *HTTPSearchClient {
	return &HTTPSearchClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type searchWireResponse struct {
	Results []struct {
		URL       string  `json:"url"`
		Title     string  `json:"title"`
		Excerpt   string  `json:"excerpt"`
		Published *string `json:"published"`
	} `json:"results"`
}

func (c *HTTPSearchClient) SearchWeb(ctx context.Context, query string, maxResults int) ([]SearchHit, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("search: invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(maxResults))
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: search provider rate limited", providers.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: search provider rejected credentials (%d)", providers.ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("search: server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: search request rejected with status %d", providers.ErrInvalidRequest, resp.StatusCode)
	}

	var parsed searchWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	hits := make([]SearchHit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		hit := SearchHit{URL: r.URL, Title: r.Title, Excerpt: r.Excerpt}
		if r.Published != nil {
			if t, err := time.Parse(time.RFC3339, *r.Published); err == nil {
				hit.Published = &t
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// mockSearchHits returns a small, deterministic set of synthetic hits for
// mock mode: same query, same hits, no network call.
func mockSearchHits(query string, maxResults int) []SearchHit {
	h := sha256.Sum256([]byte(query))
	seed := binary.BigEndian.Uint64(h[:8])

	n := maxResults
	if n > 5 {
		n = 5
	}
	if n < 1 {
		n = 1
	}
	hits := make([]SearchHit, 0, n)
	for i := 0; i < n; i++ {
		id := (seed + uint64(i)) % 100000
		hits = append(hits, SearchHit{
			URL:     fmt.Sprintf("https://example.org/mock/%d", id),
			Title:   fmt.Sprintf("Mock result %d for %q", i+1, query),
			Excerpt: fmt.Sprintf("Synthetic excerpt %d discussing %q for offline gateway testing.", i+1, query),
		})
	}
	return hits
}
