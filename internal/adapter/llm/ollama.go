package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

// Compile-time interface assertion.
var _ domain.ChatProvider = (*OllamaProvider)(nil)

const (
	defaultOllamaBaseURL = "http://localhost:11434"

	// ollamaProbeTimeout bounds the model discovery probe. A local daemon
	// answers in milliseconds; an absent one should not stall a refresh.
	ollamaProbeTimeout = 5 * time.Second
)

// OllamaProvider implements domain.ChatProvider for a local Ollama daemon.
// The daemon requires no credentials, streams NDJSON instead of SSE, and
// advertises whatever models are pulled locally.
type OllamaProvider struct {
	name    string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllamaProvider creates a provider pointed at a local or remote daemon.
// An empty base URL falls back to the conventional localhost port.
func NewOllamaProvider(cfg config.VendorConfig, logger *slog.Logger) *OllamaProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	return &OllamaProvider{
		name:    cfg.Name,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements domain.ChatProvider.
func (p *OllamaProvider) Name() string { return p.name }

// Models implements domain.ChatProvider by probing the daemon's tag list.
// An unreachable or failing daemon means zero models, not an error: local
// daemons come and go, and the directory treats an empty snapshot as a
// legitimate state.
func (p *OllamaProvider) Models(ctx context.Context) ([]domain.ModelDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, ollamaProbeTimeout)
	defer cancel()

	tags, err := p.fetchTags(ctx)
	if err != nil {
		p.logger.Debug("ollama unreachable, advertising no models", "vendor", p.name, "error", err)
		return nil, nil
	}

	models := make([]domain.ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		family, _, _ := strings.Cut(m.Name, ":")
		models = append(models, domain.ModelDescriptor{
			ID:             m.Name,
			Vendor:         p.name,
			Name:           m.Name,
			Family:         family,
			UserSelectable: true,
		})
	}
	return models, nil
}

// ChatStream implements domain.ChatProvider.
func (p *OllamaProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (domain.Stream, error) {
	body, err := json.Marshal(toOllamaRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"Accept": "application/x-ndjson",
	}

	ctx, cancel := context.WithCancel(ctx)
	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/api/chat", body, headers)
	if err != nil {
		cancel()
		return nil, err
	}

	return newStreamHandle(ctx, cancel, httpResp.Body, dialectNDJSON, parseOllamaFrame, p.logger), nil
}

// --- Ollama wire types ---

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

type ollamaTagsResponse struct {
	Models []ollamaModelInfo `json:"models"`
}

type ollamaModelInfo struct {
	Name string `json:"name"`
}

func toOllamaRequest(req domain.ChatRequest) ollamaChatRequest {
	msgs := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, ollamaMessage{Role: m.Role, Content: m.Text()})
	}

	olReq := ollamaChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		opts := &ollamaOptions{}
		if req.MaxTokens > 0 {
			opts.NumPredict = req.MaxTokens
		}
		if req.Temperature > 0 {
			opts.Temperature = &req.Temperature
		}
		olReq.Options = opts
	}
	return olReq
}

// parseOllamaFrame extracts the text delta from one NDJSON chat chunk.
// The final chunk carries done=true with empty content, so it yields
// nothing and the stream ends at connection EOF.
func parseOllamaFrame(frame []byte) (*domain.StreamDelta, bool, error) {
	var chunk ollamaStreamChunk
	if err := json.Unmarshal(frame, &chunk); err != nil {
		return nil, false, err
	}
	if chunk.Message.Content == "" {
		return nil, false, nil
	}
	return &domain.StreamDelta{Kind: domain.DeltaText, Text: chunk.Message.Content}, false, nil
}

func (p *OllamaProvider) fetchTags(ctx context.Context) (*ollamaTagsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d %s", domain.ErrUpstreamStatus, httpResp.StatusCode, http.StatusText(httpResp.StatusCode))
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &tags, nil
}
