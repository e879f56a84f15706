package llm

import (
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
var _ domain.ChatProvider = (*AnthropicProvider)(nil)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultAnthropicVersion = "2023-06-01"

	// The messages API requires max_tokens; used when the request sets none.
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider implements domain.ChatProvider for the Anthropic
// messages API. Unlike the OpenAI dialect, system instructions travel in a
// dedicated request field and streaming events are typed.
type AnthropicProvider struct {
	name    string
	apiKey  string
	baseURL string
	version string
	client  *http.Client
	logger  *slog.Logger
	catalog []domain.ModelDescriptor
}

// NewAnthropicProvider creates a provider with configured transport timeouts
// and model catalog. An empty base URL falls back to the public endpoint.
func NewAnthropicProvider(cfg config.VendorConfig, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	catalog := descriptorsFromConfig(cfg.Models)
	if len(catalog) == 0 {
		catalog = builtinAnthropicCatalog()
	}

	return &AnthropicProvider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		version: defaultAnthropicVersion,
		client:  NewHTTPClient(cfg),
		logger:  logger,
		catalog: catalog,
	}
}

// Name implements domain.ChatProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// Models implements domain.ChatProvider.
func (p *AnthropicProvider) Models(_ context.Context) ([]domain.ModelDescriptor, error) {
	return stampVendor(p.catalog, p.name), nil
}

// ChatStream implements domain.ChatProvider.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (domain.Stream, error) {
	if p.apiKey == "" {
		return nil, domain.NewDomainError("AnthropicProvider.ChatStream", domain.ErrMissingCredential, p.name)
	}

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}

	ctx, cancel := context.WithCancel(ctx)
	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/messages", body, headers)
	if err != nil {
		cancel()
		return nil, err
	}

	return newStreamHandle(ctx, cancel, httpResp.Body, dialectSSE, parseAnthropicFrame, p.logger), nil
}

// --- Anthropic wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string              `json:"type"`
	Delta anthropicEventDelta `json:"delta"`
}

type anthropicEventDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// buildRequest converts a chat request to the messages API shape. System
// messages never enter the messages array: the first one becomes the
// dedicated system field and any further ones are dropped with a warning.
func (p *AnthropicProvider) buildRequest(req domain.ChatRequest) anthropicRequest {
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	system := ""
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			if system == "" {
				system = m.Text()
			} else {
				p.logger.Warn("dropping extra system message", "vendor", p.name, "model", req.Model)
			}
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Text()})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	antReq := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: maxTokens,
		Stream:    true,
		System:    system,
	}
	if req.Temperature > 0 {
		antReq.Temperature = &req.Temperature
	}
	return antReq
}

// parseAnthropicFrame extracts the text delta from one messages-API stream
// event. Only content_block_delta events carry text; every other event type
// (message_start, ping, message_delta, message_stop, ...) is structural and
// yields nothing. The stream ends by connection EOF, not an in-band marker.
func parseAnthropicFrame(frame []byte) (*domain.StreamDelta, bool, error) {
	var evt anthropicStreamEvent
	if err := json.Unmarshal(frame, &evt); err != nil {
		return nil, false, err
	}
	if evt.Type != "content_block_delta" {
		return nil, false, nil
	}
	if evt.Delta.Text == "" {
		return nil, false, nil
	}
	return &domain.StreamDelta{Kind: domain.DeltaText, Text: evt.Delta.Text}, false, nil
}

// builtinAnthropicCatalog is advertised when the vendor config lists no models.
func builtinAnthropicCatalog() []domain.ModelDescriptor {
	return []domain.ModelDescriptor{
		{
			ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", Family: "claude-sonnet",
			ContextWindow: 200000, MaxOutputTokens: 64000,
			Vision: true, ToolCalling: true, AgentMode: true,
			Default: true, UserSelectable: true,
		},
		{
			ID: "claude-opus-4-20250514", Name: "Claude Opus 4", Family: "claude-opus",
			ContextWindow: 200000, MaxOutputTokens: 32000,
			Vision: true, ToolCalling: true, AgentMode: true,
			UserSelectable: true,
		},
		{
			ID: "claude-3-5-haiku-20241022", Name: "Claude Haiku 3.5", Family: "claude-haiku",
			ContextWindow: 200000, MaxOutputTokens: 8192,
			Vision: true, ToolCalling: true,
			UserSelectable: true,
		},
	}
}
