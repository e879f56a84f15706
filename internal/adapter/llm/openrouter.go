package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

// Compile-time interface assertion.
var _ domain.ChatProvider = (*OpenRouterProvider)(nil)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// openrouterTransport is a custom http.RoundTripper that injects
// OpenRouter-specific headers (HTTP-Referer and X-Title) into every request.
type openrouterTransport struct {
	base http.RoundTripper
}

func (t *openrouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid mutating the original.
	clone := req.Clone(req.Context())
	clone.Header.Set("HTTP-Referer", "https://github.com/llm-relay/llm-relay")
	clone.Header.Set("X-Title", "llm-relay")
	return t.base.RoundTrip(clone)
}

// OpenRouterProvider wraps OpenAIProvider to work with the OpenRouter API,
// which speaks the chat-completions dialect behind a model aggregator.
type OpenRouterProvider struct {
	inner *OpenAIProvider
}

// NewOpenRouterProvider creates an OpenRouter provider that delegates to
// OpenAIProvider with a custom transport for OpenRouter-specific headers.
func NewOpenRouterProvider(cfg config.VendorConfig, logger *slog.Logger) *OpenRouterProvider {
	client := NewHTTPClient(cfg)
	// Wrap transport with OpenRouter-specific headers.
	client.Transport = &openrouterTransport{base: client.Transport}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}

	catalog := descriptorsFromConfig(cfg.Models)
	if len(catalog) == 0 {
		catalog = builtinOpenRouterCatalog()
	}

	return &OpenRouterProvider{
		inner: &OpenAIProvider{
			name:    cfg.Name,
			apiKey:  cfg.APIKey,
			baseURL: baseURL,
			client:  client,
			logger:  logger,
			catalog: catalog,
		},
	}
}

// Name implements domain.ChatProvider.
func (p *OpenRouterProvider) Name() string { return p.inner.Name() }

// Models implements domain.ChatProvider.
func (p *OpenRouterProvider) Models(ctx context.Context) ([]domain.ModelDescriptor, error) {
	return p.inner.Models(ctx)
}

// ChatStream implements domain.ChatProvider.
func (p *OpenRouterProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (domain.Stream, error) {
	return p.inner.ChatStream(ctx, req)
}

// builtinOpenRouterCatalog is advertised when the vendor config lists no
// models. OpenRouter namespaces model IDs by upstream vendor.
func builtinOpenRouterCatalog() []domain.ModelDescriptor {
	return []domain.ModelDescriptor{
		{
			ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4 (OpenRouter)", Family: "claude-sonnet",
			ContextWindow: 200000, MaxOutputTokens: 64000,
			Vision: true, ToolCalling: true, AgentMode: true,
			Default: true, UserSelectable: true,
		},
		{
			ID: "openai/gpt-4o", Name: "GPT-4o (OpenRouter)", Family: "gpt-4o",
			ContextWindow: 128000, MaxOutputTokens: 16384,
			Vision: true, ToolCalling: true,
			UserSelectable: true,
		},
		{
			ID: "meta-llama/llama-3.1-70b-instruct", Name: "Llama 3.1 70B", Family: "llama-3.1",
			ContextWindow: 131072, MaxOutputTokens: 8192,
			ToolCalling: true,
			UserSelectable: true,
		},
	}
}
