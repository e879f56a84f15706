//go:build bedrock

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

// Compile-time interface assertion.
var _ domain.ChatProvider = (*BedrockProvider)(nil)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// bedrockEventStream is the subset of the SDK event stream the handle uses.
type bedrockEventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// BedrockProvider implements domain.ChatProvider via the AWS Bedrock
// Converse API. Authentication comes from the default AWS credential chain
// rather than a configured API key.
type BedrockProvider struct {
	name    string
	client  bedrockConverseAPI
	logger  *slog.Logger
	catalog []domain.ModelDescriptor
}

// NewBedrockProvider creates a Bedrock provider using the default AWS
// credential chain.
func NewBedrockProvider(cfg config.VendorConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	catalog := descriptorsFromConfig(cfg.Models)
	if len(catalog) == 0 {
		catalog = builtinBedrockCatalog()
	}

	return &BedrockProvider{
		name:    cfg.Name,
		client:  bedrockruntime.NewFromConfig(awsCfg),
		logger:  logger,
		catalog: catalog,
	}, nil
}

// newBedrockProviderWithClient creates a BedrockProvider with an injected
// client (for testing).
func newBedrockProviderWithClient(name string, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{
		name:    name,
		client:  client,
		logger:  logger,
		catalog: builtinBedrockCatalog(),
	}
}

// Name implements domain.ChatProvider.
func (p *BedrockProvider) Name() string { return p.name }

// Models implements domain.ChatProvider.
func (p *BedrockProvider) Models(_ context.Context) ([]domain.ModelDescriptor, error) {
	return stampVendor(p.catalog, p.name), nil
}

// ChatStream implements domain.ChatProvider.
func (p *BedrockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (domain.Stream, error) {
	input := p.buildConverseInput(req)

	ctx, cancel := context.WithCancel(ctx)
	output, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		cancel()
		return nil, mapBedrockError(err)
	}

	return newBedrockStream(ctx, cancel, output.GetStream()), nil
}

// buildConverseInput converts a chat request to the Converse API shape.
// System handling matches the messages API: the first system message fills
// the dedicated block, extras are dropped with a warning.
func (p *BedrockProvider) buildConverseInput(req domain.ChatRequest) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(req.Model),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			if len(input.System) == 0 {
				input.System = []types.SystemContentBlock{
					&types.SystemContentBlockMemberText{Value: m.Text()},
				}
			} else {
				p.logger.Warn("dropping extra system message", "vendor", p.name, "model", req.Model)
			}
			continue
		}

		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		input.Messages = append(input.Messages, types.Message{
			Role: role,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: m.Text()},
			},
		})
	}

	return input
}

// bedrockStream adapts the SDK event stream to domain.Stream with the same
// teardown discipline as the HTTP handle: cancel and close exactly once.
type bedrockStream struct {
	ch     chan domain.StreamDelta
	cancel context.CancelFunc
	events bedrockEventStream

	teardown sync.Once

	mu  sync.Mutex
	err error
}

var _ domain.Stream = (*bedrockStream)(nil)

func newBedrockStream(ctx context.Context, cancel context.CancelFunc, events bedrockEventStream) *bedrockStream {
	s := &bedrockStream{
		ch:     make(chan domain.StreamDelta, 16),
		cancel: cancel,
		events: events,
	}
	go s.run(ctx)
	return s
}

// Deltas implements domain.Stream.
func (s *bedrockStream) Deltas() <-chan domain.StreamDelta { return s.ch }

// Close implements domain.Stream.
func (s *bedrockStream) Close() error {
	s.cancel()
	return nil
}

// Err implements domain.Stream.
func (s *bedrockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *bedrockStream) run(ctx context.Context) {
	defer close(s.ch)
	defer s.release()

	for evt := range s.events.Events() {
		text, ok := bedrockDeltaText(evt)
		if !ok {
			continue
		}
		select {
		case s.ch <- domain.StreamDelta{Kind: domain.DeltaText, Text: text}:
		case <-ctx.Done():
			return
		}
	}

	if err := s.events.Err(); err != nil && ctx.Err() == nil {
		s.mu.Lock()
		s.err = mapBedrockError(err)
		s.mu.Unlock()
	}
}

func (s *bedrockStream) release() {
	s.teardown.Do(func() {
		s.cancel()
		s.events.Close()
	})
}

// bedrockDeltaText extracts the text fragment from one stream event. Only
// content block deltas carry text; start, metadata and stop events are
// structural.
func bedrockDeltaText(evt types.ConverseStreamOutput) (string, bool) {
	delta, ok := evt.(*types.ConverseStreamOutputMemberContentBlockDelta)
	if !ok {
		return "", false
	}
	text, ok := delta.Value.Delta.(*types.ContentBlockDeltaMemberText)
	if !ok || text.Value == "" {
		return "", false
	}
	return text.Value, true
}

// mapBedrockError translates SDK error codes into the domain taxonomy.
func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException" || code == "ExpiredTokenException":
			return fmt.Errorf("%w: %s", domain.ErrAuthRejected, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException":
			return fmt.Errorf("%w: %s", domain.ErrUpstreamStatus, msg)
		}
	}

	return domain.WrapOp("bedrock", err)
}

// builtinBedrockCatalog is advertised when the vendor config lists no models.
func builtinBedrockCatalog() []domain.ModelDescriptor {
	return []domain.ModelDescriptor{
		{
			ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet (Bedrock)", Family: "claude-sonnet",
			ContextWindow: 200000, MaxOutputTokens: 8192,
			Vision: true, ToolCalling: true, AgentMode: true,
			Default: true, UserSelectable: true,
		},
		{
			ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Name: "Claude 3.5 Haiku (Bedrock)", Family: "claude-haiku",
			ContextWindow: 200000, MaxOutputTokens: 8192,
			Vision: true, ToolCalling: true,
			UserSelectable: true,
		},
		{
			ID: "meta.llama3-1-70b-instruct-v1:0", Name: "Llama 3.1 70B (Bedrock)", Family: "llama-3.1",
			ContextWindow: 131072, MaxOutputTokens: 2048,
			UserSelectable: true,
		},
	}
}
