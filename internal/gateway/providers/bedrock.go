package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// converseClient captures the subset of *bedrockruntime.Client the adapter
// calls.
type converseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock is a Client backed by the Bedrock Runtime Converse API. Failures
// surface as smithy transport errors carrying an HTTP status, or as coded
// API errors; Complete maps both onto the package's classification
// sentinels.
type Bedrock struct {
	client      converseClient
	model       string
	maxTokens   int
	temperature float64
}

// NewBedrock constructs a Bedrock client using the default AWS credential
// chain for the given region.
func NewBedrock(ctx context.Context, region, model string, maxTokens int, temperature float64) (*Bedrock, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("providers: bedrock model is required")
	}
	var optFns []func(*config.LoadOptions) error
	if region != "" {
		optFns = append(optFns, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("providers: load aws config: %w", err)
	}
	return &Bedrock{
		client:      bedrockruntime.NewFromConfig(cfg),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

func (c *Bedrock) Complete(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.New("providers: prompt is required")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := int32(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int32(c.maxTokens)
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	infCfg := &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(maxTokens)}
	if temp := firstPositive(req.Temperature, c.temperature); temp > 0 {
		infCfg.Temperature = aws.Float32(float32(temp))
	}

	out, err := c.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
			},
		},
		InferenceConfig: infCfg,
	})
	if err != nil {
		return Result{}, classifyBedrockErr(fmt.Errorf("bedrock converse: %w", err))
	}

	var text strings.Builder
	if msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msgOut.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text.WriteString(tb.Value)
			}
		}
	}
	usage := Usage{}
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			usage.InputTokens = int(*out.Usage.InputTokens)
		}
		if out.Usage.OutputTokens != nil {
			usage.OutputTokens = int(*out.Usage.OutputTokens)
		}
	}
	return Result{Text: text.String(), Usage: usage}, nil
}

func classifyBedrockErr(err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return wrapStatus(respErr.HTTPStatusCode(), err)
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		case "AccessDeniedException", "UnauthorizedException", "UnrecognizedClientException":
			return fmt.Errorf("%w: %w", ErrAuth, err)
		case "ValidationException":
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	return err
}
