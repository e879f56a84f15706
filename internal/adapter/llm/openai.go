package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

// Compile-time interface assertion.
var _ domain.ChatProvider = (*OpenAIProvider)(nil)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements domain.ChatProvider for any OpenAI-compatible
// API speaking the SSE chat-completions dialect.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	catalog []domain.ModelDescriptor
}

// NewOpenAIProvider creates a provider with configured transport timeouts
// and model catalog. An empty base URL falls back to the public endpoint.
func NewOpenAIProvider(cfg config.VendorConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	catalog := descriptorsFromConfig(cfg.Models)
	if len(catalog) == 0 {
		catalog = builtinOpenAICatalog()
	}

	return &OpenAIProvider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
		catalog: catalog,
	}
}

// Name implements domain.ChatProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Models implements domain.ChatProvider. The catalog is configuration-fed;
// descriptors are stamped with this vendor's registry name.
func (p *OpenAIProvider) Models(_ context.Context) ([]domain.ModelDescriptor, error) {
	return stampVendor(p.catalog, p.name), nil
}

// ChatStream implements domain.ChatProvider.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (domain.Stream, error) {
	if p.apiKey == "" {
		return nil, domain.NewDomainError("OpenAIProvider.ChatStream", domain.ErrMissingCredential, p.name)
	}

	body, err := json.Marshal(toOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}

	ctx, cancel := context.WithCancel(ctx)
	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		cancel()
		return nil, err
	}

	return newStreamHandle(ctx, cancel, httpResp.Body, dialectSSE, parseOpenAIFrame, p.logger), nil
}

// --- OpenAI wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content string `json:"content,omitempty"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openaiMessage{Role: m.Role, Content: m.Text()})
	}

	oaiReq := openaiRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		oaiReq.Temperature = &req.Temperature
	}
	return oaiReq
}

// parseOpenAIFrame extracts the text delta from one chat-completions
// stream chunk. A literal [DONE] body is the normal termination marker.
// Frames with no choices or empty delta content carry nothing.
func parseOpenAIFrame(frame []byte) (*domain.StreamDelta, bool, error) {
	if bytes.Equal(frame, sseDoneTag) {
		return nil, true, nil
	}

	var chunk openaiStreamChunk
	if err := json.Unmarshal(frame, &chunk); err != nil {
		return nil, false, err
	}
	if len(chunk.Choices) == 0 {
		return nil, false, nil
	}
	if content := chunk.Choices[0].Delta.Content; content != "" {
		return &domain.StreamDelta{Kind: domain.DeltaText, Text: content}, false, nil
	}
	return nil, false, nil
}

// builtinOpenAICatalog is advertised when the vendor config lists no models.
func builtinOpenAICatalog() []domain.ModelDescriptor {
	return []domain.ModelDescriptor{
		{
			ID: "gpt-4o", Name: "GPT-4o", Family: "gpt-4o",
			ContextWindow: 128000, MaxOutputTokens: 16384,
			Vision: true, ToolCalling: true, AgentMode: true,
			Default: true, UserSelectable: true,
		},
		{
			ID: "gpt-4o-mini", Name: "GPT-4o mini", Family: "gpt-4o",
			ContextWindow: 128000, MaxOutputTokens: 16384,
			Vision: true, ToolCalling: true,
			UserSelectable: true,
		},
		{
			ID: "o3-mini", Name: "o3-mini", Family: "o3",
			ContextWindow: 200000, MaxOutputTokens: 100000,
			ToolCalling: true, AgentMode: true,
			UserSelectable: true,
		},
	}
}

// stampVendor copies descriptors with the Vendor field set to the registry
// name, so lists stay fresh per query and callers cannot mutate the catalog.
func stampVendor(models []domain.ModelDescriptor, vendor string) []domain.ModelDescriptor {
	out := make([]domain.ModelDescriptor, len(models))
	for i, m := range models {
		m.Vendor = vendor
		out[i] = m
	}
	return out
}
