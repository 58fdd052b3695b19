package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

// Mock is a deterministic Client used when no provider credentials are
// configured: given the same prompt it always
// produces the same free-text completion, with no network call. It is
// schema-unaware; callers that need schema-valid mock payloads supply one
// directly via the gateway's TextRequest.MockText instead of going through
// Mock.Complete.
type Mock struct {
	Role string
}

func (m Mock) Complete(_ context.Context, req Request) (Result, error) {
	h := sha256.Sum256([]byte(req.Prompt))
	seed := binary.BigEndian.Uint64(h[:8])
	text := fmt.Sprintf("[mock:%s#%d] synthetic completion for: %s", m.Role, seed%1000, truncate(req.Prompt, 160))
	return Result{
		Text: text,
		Usage: Usage{
			InputTokens:  len(req.Prompt) / 4,
			OutputTokens: len(text) / 4,
		},
	}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
