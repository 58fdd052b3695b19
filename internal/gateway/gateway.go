package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/deepresearch-engine/core/internal/apperrors"
	"github.com/deepresearch-engine/core/internal/config"
	"github.com/deepresearch-engine/core/internal/gateway/providers"
	"github.com/deepresearch-engine/core/internal/telemetry"
)

// schemaRepairAttempts bounds how many times the gateway re-prompts a model
// that returned text failing schema validation: one original attempt, one
// repair attempt with the violation quoted back to the model.
const schemaRepairAttempts = 1

// Gateway implements the Provider Gateway: the sole path by
// which Planner, Researcher, Evaluator, and Writer reach external text and
// search providers.
type Gateway struct {
	textClients map[ModelRole]providers.Client
	textMock    bool

	search     SearchClient
	searchMock bool

	textLimiter   *rateLimiter
	searchLimiter *rateLimiter

	maxRetries  int
	readTimeout time.Duration

	schemas *schemaCache
	logger  telemetry.Logger
}

// New builds a Gateway from process configuration. When
// cfg.MockModeText()/cfg.MockModeSearch() report true, the corresponding
// capability never makes a network call.
func New(cfg config.Config, logger telemetry.Logger) (*Gateway, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}

	g := &Gateway{
		textClients: make(map[ModelRole]providers.Client),
		schemas:     newSchemaCache(),
		maxRetries:  cfg.ProviderMaxRetries,
		readTimeout: cfg.ProviderConnectTimeout + cfg.ProviderReadTimeout,
		logger:      logger,
	}
	if g.maxRetries <= 0 {
		g.maxRetries = 3
	}

	var dist distributedLimiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("gateway: parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		dist = newRedisDistributedLimiter(client, "gateway:ratelimit", cfg.RateLimitPerMinute)
	}
	g.textLimiter = newRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst, dist)
	g.searchLimiter = newRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst, dist)

	if cfg.MockModeText() {
		g.textMock = true
	} else {
		anthropicClient, err := providers.NewAnthropic(cfg.ProviderAPIKeyText, cfg.ProviderBaseURLText, cfg.ProviderModelAnthropic, 4096, 0.4)
		if err != nil {
			return nil, fmt.Errorf("gateway: anthropic client: %w", err)
		}
		for _, role := range []ModelRole{RolePlanner, RoleResearcher, RoleEvaluator, RoleWriter} {
			g.textClients[role] = anthropicClient
		}

		// Additional roles are routed through OpenAI/Bedrock only when their
		// optional credentials are present, so every role still resolves to
		// a working client (Anthropic) with no further configuration.
		if cfg.ProviderAPIKeyOpenAI != "" {
			openaiClient, err := providers.NewOpenAI(cfg.ProviderAPIKeyOpenAI, cfg.ProviderBaseURLText, cfg.ProviderModelOpenAI, 2048, 0.3)
			if err != nil {
				return nil, fmt.Errorf("gateway: openai client: %w", err)
			}
			g.textClients[RolePlanner] = openaiClient
		}
		if cfg.ProviderAWSRegion != "" {
			bedrockClient, err := providers.NewBedrock(context.Background(), cfg.ProviderAWSRegion, cfg.ProviderModelBedrock, 2048, 0.2)
			if err != nil {
				return nil, fmt.Errorf("gateway: bedrock client: %w", err)
			}
			g.textClients[RoleEvaluator] = bedrockClient
		}
	}

	if cfg.MockModeSearch() {
		g.searchMock = true
	} else if cfg.ProviderBaseURLSearch == "" {
		logger.Warn(context.Background(), "search api key configured without a base url; falling back to mock search")
		g.searchMock = true
	} else {
		g.search = NewHTTPSearchClient(cfg.ProviderBaseURLSearch, cfg.ProviderAPIKeySearch)
	}

	return g, nil
}

// CompleteText implements complete-text.
func (g *Gateway) CompleteText(ctx context.Context, req TextRequest) (TextResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return TextResult{}, &apperrors.InputError{Field: "prompt", Message: "must not be empty"}
	}
	if !req.Role.valid() {
		return TextResult{}, &apperrors.InputError{Field: "role", Message: fmt.Sprintf("unknown model role %q", req.Role)}
	}

	if g.textMock {
		return g.completeMock(ctx, req)
	}

	client, ok := g.textClients[req.Role]
	if !ok {
		return TextResult{}, &apperrors.InputError{Field: "role", Message: fmt.Sprintf("no provider configured for role %q", req.Role)}
	}

	prompt := req.Prompt
	var lastText string
	attempts := 0

	for repair := 0; repair <= schemaRepairAttempts; repair++ {
		if err := g.textLimiter.wait(ctx); err != nil {
			return TextResult{}, err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.readTimeout)
		res, err := g.callWithRetry(callCtx, client, providers.Request{Prompt: prompt})
		cancel()
		attempts++

		rateLimited := errors.Is(err, providers.ErrRateLimited)
		g.textLimiter.observe(rateLimited)

		if err != nil {
			return TextResult{}, g.classifyTextErr(req.Role, err)
		}
		lastText = res.Text

		if len(req.Schema) == 0 {
			return TextResult{Text: res.Text, Attempts: attempts}, nil
		}

		payload, ok := extractJSON(res.Text)
		if ok {
			validated, verr := g.schemas.validateAgainst(req.Schema, payload)
			if verr == nil {
				return TextResult{Text: res.Text, JSON: validated, Attempts: attempts}, nil
			}
			prompt = repairPrompt(req.Prompt, req.Schema, res.Text, verr)
			continue
		}
		prompt = repairPrompt(req.Prompt, req.Schema, res.Text, errors.New("response did not contain a JSON object"))
	}

	return TextResult{}, &apperrors.ProviderShapeError{
		Role:   string(req.Role),
		Detail: fmt.Sprintf("schema validation failed after %d attempts; last output: %s", attempts, truncateForLog(lastText)),
	}
}

// SearchWeb implements search-web.
func (g *Gateway) SearchWeb(ctx context.Context, query string, maxResults int) ([]SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &apperrors.InputError{Field: "query", Message: "must not be empty"}
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	if maxResults > 50 {
		maxResults = 50
	}

	if g.searchMock {
		return mockSearchHits(query, maxResults), nil
	}

	if err := g.searchLimiter.wait(ctx); err != nil {
		return nil, err
	}

	var hits []SearchHit
	boff := g.newBackoff(ctx)
	op := func() error {
		h, err := g.search.SearchWeb(ctx, query, maxResults)
		if err != nil {
			if isContextDone(ctx) || isPermanentProviderErr(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		hits = h
		return nil
	}
	err := backoff.Retry(op, boff)
	g.searchLimiter.observe(errors.Is(err, providers.ErrRateLimited))
	if err != nil {
		kind := classifyKind(err)
		pe := apperrors.NewProviderError("search", "search-web", 0, kind, "", err.Error(), kindRetryable(kind), err)
		return nil, &apperrors.ProviderTransportError{Cause: pe}
	}
	return hits, nil
}

// callWithRetry retries transient failures (network, 5xx, 429) with
// exponential backoff. Auth and other non-429 4xx rejections are permanent:
// the same request cannot succeed, so they fail on the first attempt.
func (g *Gateway) callWithRetry(ctx context.Context, client providers.Client, req providers.Request) (providers.Result, error) {
	var result providers.Result
	boff := g.newBackoff(ctx)
	op := func() error {
		res, err := client.Complete(ctx, req)
		if err == nil {
			result = res
			return nil
		}
		if isContextDone(ctx) || isPermanentProviderErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, boff); err != nil {
		return providers.Result{}, err
	}
	return result, nil
}

func (g *Gateway) newBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.Multiplier = 2
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.maxRetries)), ctx)
}

func (g *Gateway) classifyTextErr(role ModelRole, err error) error {
	kind := classifyKind(err)
	pe := apperrors.NewProviderError(string(role), "complete-text", 0, kind, "", err.Error(), kindRetryable(kind), err)
	return &apperrors.ProviderTransportError{Cause: pe}
}

func classifyKind(err error) apperrors.ProviderErrorKind {
	switch {
	case errors.Is(err, providers.ErrRateLimited):
		return apperrors.ProviderErrorKindRateLimited
	case errors.Is(err, providers.ErrAuth):
		return apperrors.ProviderErrorKindAuth
	case errors.Is(err, providers.ErrInvalidRequest):
		return apperrors.ProviderErrorKindInvalidRequest
	default:
		return apperrors.ProviderErrorKindUnavailable
	}
}

func kindRetryable(kind apperrors.ProviderErrorKind) bool {
	return kind == apperrors.ProviderErrorKindRateLimited || kind == apperrors.ProviderErrorKindUnavailable
}

// isPermanentProviderErr reports whether err is a rejection retrying cannot
// fix: auth failures and non-429 4xx responses.
func isPermanentProviderErr(err error) bool {
	return errors.Is(err, providers.ErrAuth) || errors.Is(err, providers.ErrInvalidRequest)
}

func isContextDone(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (g *Gateway) completeMock(ctx context.Context, req TextRequest) (TextResult, error) {
	var text string
	if req.MockText != nil {
		text = req.MockText()
	} else {
		res, _ := (providers.Mock{Role: string(req.Role)}).Complete(ctx, providers.Request{Prompt: req.Prompt})
		text = res.Text
	}

	if len(req.Schema) == 0 {
		return TextResult{Text: text, Attempts: 1, Mock: true}, nil
	}

	payload, ok := extractJSON(text)
	if !ok {
		return TextResult{}, &apperrors.ProviderShapeError{
			Role:   string(req.Role),
			Detail: "mock response was not valid JSON and no schema-aware MockText was supplied",
		}
	}
	validated, err := g.schemas.validateAgainst(req.Schema, payload)
	if err != nil {
		return TextResult{}, &apperrors.ProviderShapeError{Role: string(req.Role), Detail: err.Error()}
	}
	return TextResult{Text: text, JSON: validated, Attempts: 1, Mock: true}, nil
}

// extractJSON finds the first top-level JSON object or array in text and
// reports whether one was found. Models asked to "respond with a single
// JSON object" sometimes wrap it in prose or a fenced code block; this scans
// past that instead of requiring an exact match.
func extractJSON(text string) (json.RawMessage, bool) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, false
	}
	open, close := byte('{'), byte('}')
	if text[start] == '[' {
		open, close = '[', ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				var probe any
				if json.Unmarshal([]byte(candidate), &probe) == nil {
					return json.RawMessage(candidate), true
				}
				return nil, false
			}
		}
	}
	return nil, false
}

func repairPrompt(original string, schema json.RawMessage, badResponse string, reason error) string {
	var buf bytes.Buffer
	buf.WriteString(original)
	buf.WriteString("\n\nYour previous response could not be used: ")
	buf.WriteString(reason.Error())
	buf.WriteString(".\nPrevious response was:\n")
	buf.WriteString(truncateForLog(badResponse))
	buf.WriteString("\n\nRespond again with a single JSON object that strictly matches this JSON Schema, and nothing else:\n")
	buf.Write(schema)
	return buf.String()
}

func truncateForLog(s string) string {
	const max = 500
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
