// Package planner implements the Planner: it decomposes a
// normalized query into 3-8 prioritized SubTasks via a single structured
// complete-text call, with one corrective re-prompt and a deterministic
// single-subtask fallback when the model still can't produce a valid
// decomposition.
//
// The Provider Gateway already repairs malformed JSON and schema
// violations (internal/gateway's own re-prompt loop); Planner's re-prompt
// here is one layer up, for the domain invariants a JSON Schema alone
// cannot express (subtask count in range, priorities in [0,1], no
// duplicate descriptions). The Evaluator and the Writer's citation
// enforcement use the same validate-then-re-prompt-then-fallback shape.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/deepresearch-engine/core/internal/gateway"
	"github.com/deepresearch-engine/core/internal/research/domain"
	"github.com/deepresearch-engine/core/internal/telemetry"
)

const (
	minSubTasks  = 3
	maxSubTasks  = 8
	planAttempts = 2
)

// planSchema is the JSON Schema the Provider Gateway validates the model's
// raw structured output against before Planner applies the domain
// invariants (size, priority range, dedup) on top.
var planSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"subtasks": {
			"type": "array",
			"minItems": 1,
			"maxItems": 12,
			"items": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"priority": {"type": "number"}
				},
				"required": ["description", "priority"]
			}
		}
	},
	"required": ["subtasks"]
}`)

type planResponse struct {
	SubTasks []struct {
		Description string  `json:"description"`
		Priority    float64 `json:"priority"`
	} `json:"subtasks"`
}

// Gateway is the subset of *gateway.Gateway the Planner depends on.
type Gateway interface {
	CompleteText(ctx context.Context, req gateway.TextRequest) (gateway.TextResult, error)
}

// Planner decomposes a query into an ordered set of SubTasks.
type Planner struct {
	gw     Gateway
	logger telemetry.Logger
}

// New constructs a Planner.
func New(gw Gateway, logger telemetry.Logger) *Planner {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Planner{gw: gw, logger: logger}
}

// Plan decomposes query into ordered SubTasks, highest priority first.
func (p *Planner) Plan(ctx context.Context, query string) ([]domain.SubTask, error) {
	violation := ""

	for attempt := 0; attempt < planAttempts; attempt++ {
		res, err := p.gw.CompleteText(ctx, gateway.TextRequest{
			Prompt: planPrompt(query, violation),
			Role:   gateway.RolePlanner,
			Schema: planSchema,
			MockText: func() string {
				return mockPlanJSON(query)
			},
		})
		if err != nil {
			return nil, err
		}

		subtasks, verr := parseAndValidate(res.JSON)
		if verr == nil {
			return subtasks, nil
		}

		violation = verr.Error()
		p.logger.Warn(ctx, "planner output failed domain validation, re-prompting",
			"attempt", attempt, "reason", violation)
	}

	p.logger.Warn(ctx, "planner falling back to deterministic single-subtask plan", "query", query)
	return fallbackPlan(query), nil
}

func parseAndValidate(raw json.RawMessage) ([]domain.SubTask, error) {
	var parsed planResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}

	n := len(parsed.SubTasks)
	if n < minSubTasks || n > maxSubTasks {
		return nil, fmt.Errorf("plan must contain between %d and %d subtasks, got %d", minSubTasks, maxSubTasks, n)
	}

	seen := make(map[string]struct{}, n)
	subtasks := make([]domain.SubTask, 0, n)
	for i, raw := range parsed.SubTasks {
		desc := strings.TrimSpace(raw.Description)
		if desc == "" {
			return nil, fmt.Errorf("subtask %d has an empty description", i+1)
		}
		if raw.Priority < 0 || raw.Priority > 1 {
			return nil, fmt.Errorf("subtask %d priority %.3f is outside [0,1]", i+1, raw.Priority)
		}
		key := strings.ToLower(desc)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("subtask %d duplicates an earlier description (case-insensitive)", i+1)
		}
		seen[key] = struct{}{}
		subtasks = append(subtasks, domain.SubTask{
			Priority:    raw.Priority,
			Description: desc,
			Iteration:   1,
		})
	}

	sort.SliceStable(subtasks, func(i, j int) bool { return subtasks[i].Priority > subtasks[j].Priority })
	return subtasks, nil
}

// fallbackPlan returns the deterministic single-subtask plan used after a
// second validation failure.
func fallbackPlan(query string) []domain.SubTask {
	return []domain.SubTask{{
		Priority:    1.0,
		Description: query,
		Iteration:   1,
	}}
}

func planPrompt(query, violation string) string {
	var b strings.Builder
	b.WriteString("Decompose the following research query into 3 to 8 independent, non-overlapping sub-tasks that together cover it.\n\n")
	b.WriteString("Query: ")
	b.WriteString(query)
	b.WriteString("\n\nRespond with a single JSON object shaped {\"subtasks\":[{\"description\":\"...\",\"priority\":0.0}]}. ")
	b.WriteString("priority is a number in [0,1] reflecting relative importance. Every description must be distinct and non-empty.")
	if violation != "" {
		b.WriteString("\n\nYour previous plan was rejected: ")
		b.WriteString(violation)
		b.WriteString(". Correct this and respond again with the same JSON shape.")
	}
	return b.String()
}

func mockPlanJSON(query string) string {
	topics := []string{"Overview", "Key concepts", "Recent developments", "Practical examples", "Common pitfalls"}
	type st struct {
		Description string  `json:"description"`
		Priority    float64 `json:"priority"`
	}
	subtasks := make([]st, 0, len(topics))
	for i, topic := range topics {
		subtasks = append(subtasks, st{
			Description: fmt.Sprintf("%s: %s", topic, query),
			Priority:    1.0 - float64(i)*0.15,
		})
	}
	payload, _ := json.Marshal(struct {
		SubTasks []st `json:"subtasks"`
	}{SubTasks: subtasks})
	return string(payload)
}
