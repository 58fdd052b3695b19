// Package providers adapts the supported text-completion SDKs (Anthropic,
// OpenAI, AWS Bedrock) to a single prompt-in/text-out contract. The gateway package drives retries, rate limiting, and
// structured-output repair; a Client here only knows how to turn one prompt
// into one completion.
//
// The contract is deliberately narrow. This system never issues tool
// calls, never attaches images or documents to a turn, and never streams
// partial output to a caller, so none of that surface exists here. Each
// adapter follows the same conventions: a credential-taking constructor
// (API key, or AWS region plus the default credential chain), per-call
// model override, and status classification (throttled, auth, invalid
// request) via the provider's typed API error.
package providers

import (
	"context"
	"errors"
	"fmt"
)

// Classification sentinels. Every adapter wraps its SDK's typed API error
// in exactly one of these so the gateway can decide, with errors.Is and no
// string matching, whether a retry is worth attempting: rate limiting is
// retryable after backoff, auth and invalid-request failures never are.
var (
	// ErrRateLimited marks a throttling response (HTTP 429 or an
	// equivalent SDK-specific signal).
	ErrRateLimited = errors.New("providers: rate limited")

	// ErrAuth marks an authentication/authorization rejection (HTTP
	// 401/403). Retrying with the same credentials cannot succeed.
	ErrAuth = errors.New("providers: authentication failed")

	// ErrInvalidRequest marks any other 4xx rejection. The request itself
	// is at fault; retrying it unchanged cannot succeed.
	ErrInvalidRequest = errors.New("providers: invalid request")
)

// wrapStatus classifies an HTTP status code from a provider response into
// the sentinel scheme above, returning err unchanged for statuses that
// carry no classification (5xx, transport failures).
func wrapStatus(status int, err error) error {
	switch {
	case status == 429:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case status == 401 || status == 403:
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	default:
		return err
	}
}

// Request is a single text-completion call.
type Request struct {
	// Prompt is the full text sent to the model as a single user turn.
	Prompt string

	// Model overrides the client's configured default model ID for this
	// call. Empty means use the client's default.
	Model string

	// MaxTokens overrides the client's configured default. Zero means use
	// the client's default.
	MaxTokens int

	// Temperature overrides the client's configured default. Zero means
	// use the client's default.
	Temperature float64
}

// Usage reports token accounting for a single completion, when the
// provider's response includes it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the output of a single text-completion call.
type Result struct {
	Text  string
	Usage Usage
}

// Client is satisfied by every concrete provider adapter in this package,
// and by Mock.
type Client interface {
	Complete(ctx context.Context, req Request) (Result, error)
}
