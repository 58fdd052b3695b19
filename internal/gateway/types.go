package gateway

import (
	"encoding/json"
	"time"
)

// ModelRole selects which configured model family a complete-text call is
// routed to. Researcher exists alongside planner/evaluator/writer so the
// excerpt-summarization path can be mapped to a cheaper model independently
// in configuration.
type ModelRole string

const (
	RolePlanner    ModelRole = "planner"
	RoleResearcher ModelRole = "researcher"
	RoleEvaluator  ModelRole = "evaluator"
	RoleWriter     ModelRole = "writer"
)

func (r ModelRole) valid() bool {
	switch r {
	case RolePlanner, RoleResearcher, RoleEvaluator, RoleWriter:
		return true
	default:
		return false
	}
}

// TextRequest is the input to CompleteText.
type TextRequest struct {
	// Prompt is the full prompt text sent to the model. Must be non-empty.
	Prompt string

	// Role selects the configured model family for this call.
	Role ModelRole

	// Schema, when non-nil, is a JSON Schema document the response must
	// validate against. The first attempt sends Prompt unchanged; when the
	// response fails validation, the gateway re-prompts with the violation
	// and this schema quoted, asking for a single JSON object.
	Schema json.RawMessage

	// MockText, when set, is used verbatim as the free-text mock response
	// when the gateway is operating in mock mode for this capability. It
	// lets a caller that knows the expected shape (Planner, Evaluator,
	// Writer) supply a deterministic, schema-valid synthetic payload rather
	// than have the gateway guess one generically. When nil, mock mode
	// falls back to a small deterministic stub derived from Prompt.
	MockText func() string
}

// TextResult is the output of CompleteText.
type TextResult struct {
	// Text is the raw text the model returned.
	Text string

	// JSON is the validated structured payload when Schema was supplied.
	JSON json.RawMessage

	// Attempts is the number of prompts sent: the original plus any
	// schema-repair re-prompts. Transport retries within one prompt are not
	// counted.
	Attempts int

	// Mock reports whether the result was produced by the gateway's mock
	// mode rather than a real provider call.
	Mock bool
}

// SearchHit is one result from SearchWeb.
type SearchHit struct {
	URL       string
	Title     string
	Excerpt   string
	Published *time.Time
}
