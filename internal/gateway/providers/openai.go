package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatClient captures the subset of openai.ChatCompletionService the
// adapter calls.
type chatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI is a Client backed by the OpenAI Chat Completions API, built
// directly against the official openai-go SDK.
type OpenAI struct {
	chat        chatClient
	model       string
	maxTokens   int
	temperature float64
}

// NewOpenAI constructs an OpenAI client from an API key. A non-empty
// baseURL overrides the SDK's default endpoint.
func NewOpenAI(apiKey, baseURL, model string, maxTokens int, temperature float64) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("providers: openai api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("providers: openai model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return &OpenAI{chat: &c.Chat.Completions, model: model, maxTokens: maxTokens, temperature: temperature}, nil
}

func (c *OpenAI) Complete(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.New("providers: prompt is required")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model: modelID,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if temp := firstPositive(req.Temperature, c.temperature); temp > 0 {
		params.Temperature = openai.Float(temp)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Result{}, wrapStatus(apiErr.StatusCode, fmt.Errorf("openai chat.completions.new: %w", err))
		}
		return Result{}, fmt.Errorf("openai chat.completions.new: %w", err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return Result{
		Text: text,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}
