package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const defaultBedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

// converser is the slice of the Bedrock runtime client we use.
type converser interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock calls models through the Bedrock Converse API.
type Bedrock struct {
	client converser
	model  string
}

// NewBedrock loads AWS configuration (environment, shared config, or the
// static keys in cfg) and creates a Bedrock generator.
func NewBedrock(ctx context.Context, cfg Config) (*Bedrock, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: bedrock: load aws config: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultBedrockModel
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(awsCfg), model: model}, nil
}

// Generate sends one Converse request.
func (b *Bedrock) Generate(ctx context.Context, req Request) (*Response, error) {
	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(req.Temperature),
		},
	}
	if req.MaxTokens > 0 {
		in.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}

	out, err := b.client.Converse(ctx, in)
	if err != nil {
		var throttled *types.ThrottlingException
		if errors.As(err, &throttled) {
			return nil, fmt.Errorf("llm: bedrock: %w", ErrRateLimited)
		}
		return nil, fmt.Errorf("llm: bedrock: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, ErrEmptyResponse
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	resp := &Response{Text: text.String(), Model: b.model}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}
