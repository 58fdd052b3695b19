// Package evaluator implements the Evaluator: it scores how
// completely the accumulated evidence answers the original query, names the
// gaps, and proposes refinement sub-queries for the next iteration.
//
// Like Planner, it layers domain validation (score in [0,1], all five
// dimensions present) on top of the Provider Gateway's JSON Schema
// validation, with one corrective re-prompt and a conservative deterministic
// fallback after the second failure.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepresearch-engine/core/internal/evidence"
	"github.com/deepresearch-engine/core/internal/gateway"
	"github.com/deepresearch-engine/core/internal/research/domain"
	"github.com/deepresearch-engine/core/internal/telemetry"
)

const (
	evalAttempts = 2

	// snippetLimit bounds how much of each excerpt is quoted into the
	// evaluation prompt so large stores don't blow up the request.
	snippetLimit = 280

	// fallbackEvidenceTarget is the evidence count treated as "enough" by
	// the conservative fallback score min(count/target, 0.5).
	fallbackEvidenceTarget = 20
)

var evalSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"completion_score": {"type": "number"},
		"dimensions": {
			"type": "object",
			"properties": {
				"factual_coverage": {"type": "number"},
				"source_diversity": {"type": "number"},
				"temporal_coverage": {"type": "number"},
				"perspective_balance": {"type": "number"},
				"depth": {"type": "number"}
			},
			"required": ["factual_coverage", "source_diversity", "temporal_coverage", "perspective_balance", "depth"]
		},
		"gaps": {"type": "array", "items": {"type": "string"}},
		"refinement_queries": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["completion_score", "dimensions"]
}`)

type evalResponse struct {
	CompletionScore float64 `json:"completion_score"`
	Dimensions      struct {
		FactualCoverage    float64 `json:"factual_coverage"`
		SourceDiversity    float64 `json:"source_diversity"`
		TemporalCoverage   float64 `json:"temporal_coverage"`
		PerspectiveBalance float64 `json:"perspective_balance"`
		Depth              float64 `json:"depth"`
	} `json:"dimensions"`
	Gaps              []string `json:"gaps"`
	RefinementQueries []string `json:"refinement_queries"`
}

// Gateway is the subset of *gateway.Gateway the Evaluator depends on.
type Gateway interface {
	CompleteText(ctx context.Context, req gateway.TextRequest) (gateway.TextResult, error)
}

// Evaluator scores evidence completeness for a task.
type Evaluator struct {
	gw     Gateway
	logger telemetry.Logger
}

// New constructs an Evaluator.
func New(gw Gateway, logger telemetry.Logger) *Evaluator {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Evaluator{gw: gw, logger: logger}
}

// Evaluate scores the snapshot. It returns no error when the parsed result
// fails domain validation: after the re-prompt is also rejected it falls
// back to the conservative deterministic result. Every error from the
// gateway, transport errors and the gateway's own ProviderShapeError alike,
// propagates so the orchestrator can fail the task.
func (e *Evaluator) Evaluate(ctx context.Context, query string, snapshot []evidence.Evidence) (domain.EvaluationResult, error) {
	violation := ""

	for attempt := 0; attempt < evalAttempts; attempt++ {
		res, err := e.gw.CompleteText(ctx, gateway.TextRequest{
			Prompt: evalPrompt(query, snapshot, violation),
			Role:   gateway.RoleEvaluator,
			Schema: evalSchema,
			MockText: func() string {
				return mockEvalJSON(query, snapshot)
			},
		})
		if err != nil {
			return domain.EvaluationResult{}, err
		}

		result, verr := parseAndValidate(res.JSON)
		if verr == nil {
			return result, nil
		}

		violation = verr.Error()
		e.logger.Warn(ctx, "evaluator output failed domain validation, re-prompting",
			"attempt", attempt, "reason", violation)
	}

	e.logger.Warn(ctx, "evaluator falling back to conservative deterministic result", "evidence", len(snapshot))
	return fallbackResult(len(snapshot)), nil
}

func parseAndValidate(raw json.RawMessage) (domain.EvaluationResult, error) {
	var parsed evalResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.EvaluationResult{}, fmt.Errorf("unmarshal evaluation: %w", err)
	}

	if parsed.CompletionScore < 0 || parsed.CompletionScore > 1 {
		return domain.EvaluationResult{}, fmt.Errorf("completion_score %.3f is outside [0,1]", parsed.CompletionScore)
	}
	dims := []float64{
		parsed.Dimensions.FactualCoverage,
		parsed.Dimensions.SourceDiversity,
		parsed.Dimensions.TemporalCoverage,
		parsed.Dimensions.PerspectiveBalance,
		parsed.Dimensions.Depth,
	}
	for _, d := range dims {
		if d < 0 || d > 1 {
			return domain.EvaluationResult{}, fmt.Errorf("dimension score %.3f is outside [0,1]", d)
		}
	}

	gaps := trimNonEmpty(parsed.Gaps)
	refinements := trimNonEmpty(parsed.RefinementQueries)

	return domain.EvaluationResult{
		Score: parsed.CompletionScore,
		Level: domain.LevelForScore(parsed.CompletionScore),
		Dimensions: domain.DimensionScores{
			FactualCoverage:    parsed.Dimensions.FactualCoverage,
			SourceDiversity:    parsed.Dimensions.SourceDiversity,
			TemporalCoverage:   parsed.Dimensions.TemporalCoverage,
			PerspectiveBalance: parsed.Dimensions.PerspectiveBalance,
			Depth:              parsed.Dimensions.Depth,
		},
		Gaps:        gaps,
		Refinements: refinements,
	}, nil
}

// fallbackResult is the conservative result used after both attempts
// fail: score = min(evidence-count/target, 0.5), level partial,
// empty gaps, no refinements.
func fallbackResult(evidenceCount int) domain.EvaluationResult {
	score := float64(evidenceCount) / fallbackEvidenceTarget
	if score > 0.5 {
		score = 0.5
	}
	return domain.EvaluationResult{
		Score: score,
		Level: domain.CompletionPartial,
		Dimensions: domain.DimensionScores{
			FactualCoverage:    score,
			SourceDiversity:    score,
			TemporalCoverage:   score,
			PerspectiveBalance: score,
			Depth:              score,
		},
	}
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func evalPrompt(query string, snapshot []evidence.Evidence, violation string) string {
	var b strings.Builder
	b.WriteString("Assess how completely the evidence below answers this research query.\n\nQuery: ")
	b.WriteString(query)
	b.WriteString("\n\nEvidence (")
	fmt.Fprintf(&b, "%d items", len(snapshot))
	b.WriteString("):\n")
	for _, item := range snapshot {
		fmt.Fprintf(&b, "- [%s] %s — %s\n", item.CitationKey, item.Title, truncate(item.Excerpt, snippetLimit))
	}
	b.WriteString("\nRespond with a single JSON object shaped {\"completion_score\":0.0,")
	b.WriteString("\"dimensions\":{\"factual_coverage\":0.0,\"source_diversity\":0.0,\"temporal_coverage\":0.0,\"perspective_balance\":0.0,\"depth\":0.0},")
	b.WriteString("\"gaps\":[\"...\"],\"refinement_queries\":[\"...\"]}. ")
	b.WriteString("All scores are numbers in [0,1]. gaps names the coverage dimensions still lacking; ")
	b.WriteString("refinement_queries proposes concrete new search queries, one per gap, most important first.")
	if violation != "" {
		b.WriteString("\n\nYour previous assessment was rejected: ")
		b.WriteString(violation)
		b.WriteString(". Correct this and respond again with the same JSON shape.")
	}
	return b.String()
}

// mockEvalJSON produces a deterministic, schema-valid assessment whose score
// grows with the evidence count so mock-mode deep tasks converge after a
// couple of iterations instead of always hitting max_iterations.
func mockEvalJSON(query string, snapshot []evidence.Evidence) string {
	n := len(snapshot)
	score := float64(n) / fallbackEvidenceTarget
	if score > 0.95 {
		score = 0.95
	}
	gaps := []string{}
	refinements := []string{}
	if score < 0.75 {
		gaps = append(gaps, "temporal coverage", "perspective balance")
		refinements = append(refinements,
			fmt.Sprintf("recent developments in %s", query),
			fmt.Sprintf("criticisms and limitations of %s", query),
		)
	}
	payload, _ := json.Marshal(map[string]any{
		"completion_score": score,
		"dimensions": map[string]float64{
			"factual_coverage":    score,
			"source_diversity":    score,
			"temporal_coverage":   score * 0.9,
			"perspective_balance": score * 0.9,
			"depth":               score,
		},
		"gaps":               gaps,
		"refinement_queries": refinements,
	})
	return string(payload)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
