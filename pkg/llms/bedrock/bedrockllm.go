package bedrock

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
)

// InvokeAPI is the subset of the Bedrock runtime client used by this
// package, extracted so tests can substitute a fake.
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// LLM is a Bedrock implementation of the Model interface for Anthropic
// models served through Amazon Bedrock.
type LLM struct {
	modelID string
	client  InvokeAPI
}

var _ llms.Model = (*LLM)(nil)

type options struct {
	modelID string
	client  InvokeAPI
	region  string
}

type Option func(*options)

// WithModel sets the Bedrock model ID, e.g.
// "anthropic.claude-3-5-sonnet-20241022-v2:0" or an inference profile ID.
func WithModel(modelID string) Option {
	return func(o *options) {
		o.modelID = modelID
	}
}

// WithClient sets a pre-built Bedrock runtime client.
func WithClient(client InvokeAPI) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithRegion sets the AWS region used when the client is built from the
// default AWS config chain.
func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// New creates a new Bedrock LLM implementation. If no client is supplied,
// one is built from the default AWS config chain.
func New(opts ...Option) (*LLM, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.modelID == "" {
		return nil, errors.New("bedrock: model is required")
	}

	if o.client == nil {
		var cfgOpts []func(*config.LoadOptions) error
		if o.region != "" {
			cfgOpts = append(cfgOpts, config.WithRegion(o.region))
		}
		cfg, err := config.LoadDefaultConfig(context.Background(), cfgOpts...)
		if err != nil {
			return nil, errors.Wrap(err, "bedrock: failed to load AWS config")
		}
		o.client = bedrockruntime.NewFromConfig(cfg)
	}

	return &LLM{
		modelID: o.modelID,
		client:  o.client,
	}, nil
}

// GetName implements the Model interface.
func (l *LLM) GetName() string {
	return l.modelID
}

// GetProviderType implements the Model interface.
func (l *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderBedrock
}

// IsThrottle reports whether err is a Bedrock throttling response.
func IsThrottle(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException"
}

// GenerateContent implements llms.Model.
func (l *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{
		Model: l.modelID,
	}
	for _, opt := range options {
		opt(&opts)
	}

	body, err := buildAnthropicInput(messages, &opts)
	if err != nil {
		return nil, err
	}

	modelInput := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(opts.Model),
		Accept:      aws.String("*/*"),
		ContentType: aws.String("application/json"),
		Body:        body,
	}
	resp, err := l.client.InvokeModel(ctx, modelInput)
	if err != nil {
		return nil, errors.Wrap(err, "bedrock: failed to invoke model")
	}

	return parseAnthropicOutput(resp.Body)
}
