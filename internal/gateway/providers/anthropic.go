package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// messagesClient captures the subset of *sdk.MessageService the adapter
// calls, so tests can substitute a fake without constructing a real SDK
// client.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic is a Client backed by the Anthropic Messages API.
type Anthropic struct {
	msg         messagesClient
	model       string
	maxTokens   int
	temperature float64
}

// NewAnthropic constructs an Anthropic client from an API key. A non-empty
// baseURL overrides the SDK's default endpoint.
func NewAnthropic(apiKey, baseURL, model string, maxTokens int, temperature float64) (*Anthropic, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("providers: anthropic api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("providers: anthropic model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := sdk.NewClient(opts...)
	return &Anthropic{msg: &c.Messages, model: model, maxTokens: maxTokens, temperature: temperature}, nil
}

func (c *Anthropic) Complete(ctx context.Context, req Request) (Result, error) {
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
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if temp := firstPositive(req.Temperature, c.temperature); temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return Result{}, wrapStatus(apiErr.StatusCode, fmt.Errorf("anthropic messages.new: %w", err))
		}
		return Result{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Result{
		Text: text.String(),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
