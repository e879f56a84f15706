package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

// roundTripFunc is a function type that implements http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// errorReadCloser is an io.ReadCloser whose Read always returns an error.
type errorReadCloser struct{}

func (e *errorReadCloser) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated body read error")
}

func (e *errorReadCloser) Close() error {
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.Default()
}

func userMessage(text string) []domain.Message {
	return []domain.Message{domain.NewMessage(domain.RoleUser, text)}
}

func TestOpenAIChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("unexpected Accept: %s", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)

		chunks := []string{
			`data: {"id":"c1","choices":[{"delta":{"content":"Hello"}}]}`,
			`data: {"id":"c1","choices":[{"delta":{"content":" world"}}]}`,
			`data: {"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			fmt.Fprintln(w, c)
			fmt.Fprintln(w)
			flusher.Flush()
		}
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.VendorConfig{
		Name:    "openai",
		BaseURL: server.URL,
		APIKey:  "test-key",
	}, newTestLogger())

	stream, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: userMessage("Hello"),
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	for delta := range stream.Deltas() {
		content += delta.Text
	}

	if content != "Hello world" {
		t.Errorf("content = %q, want %q", content, "Hello world")
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestOpenAIChatStreamStopsAtDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"before\"}}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"after\"}}]}\n")
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.VendorConfig{
		Name:    "openai",
		BaseURL: server.URL,
		APIKey:  "test-key",
	}, newTestLogger())

	stream, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: userMessage("hi"),
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	for delta := range stream.Deltas() {
		content += delta.Text
	}
	if content != "before" {
		t.Errorf("content = %q, want %q: frames after the terminal marker must not surface", content, "before")
	}
}

func TestOpenAIMissingAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the network without a credential")
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.VendorConfig{
		Name:    "openai",
		BaseURL: server.URL,
	}, newTestLogger())

	_, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: userMessage("hi"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential, got %v", err)
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("missing credential should be a configuration-category error, got %v", err)
	}
}

func TestOpenAIStreamErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
	}{
		{
			name:       "429 rate limit",
			statusCode: http.StatusTooManyRequests,
			body:       `{"error":"rate limited"}`,
			wantErr:    domain.ErrRateLimited,
		},
		{
			name:       "401 unauthorized",
			statusCode: http.StatusUnauthorized,
			body:       `{"error":"bad key"}`,
			wantErr:    domain.ErrAuthRejected,
		},
		{
			name:       "500 server error",
			statusCode: http.StatusInternalServerError,
			body:       `internal error`,
			wantErr:    domain.ErrUpstreamStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider := NewOpenAIProvider(config.VendorConfig{
				Name:    "openai",
				BaseURL: server.URL,
				APIKey:  "test-key",
			}, newTestLogger())

			_, err := provider.ChatStream(context.Background(), domain.ChatRequest{
				Model:    "gpt-4o",
				Messages: userMessage("test"),
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if !strings.Contains(err.Error(), fmt.Sprint(tt.statusCode)) {
				t.Errorf("error should carry the status, got: %s", err.Error())
			}
		})
	}
}

func TestOpenAIChatStreamContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 1000; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n")
			flusher.Flush()
		}
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.VendorConfig{
		Name:    "openai",
		BaseURL: server.URL,
		APIKey:  "test-key",
	}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := provider.ChatStream(ctx, domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: userMessage("Hello"),
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	// Read a few then cancel.
	<-stream.Deltas()
	cancel()

	count := 0
	for range stream.Deltas() {
		count++
	}
	if count > 100 {
		t.Errorf("got %d deltas after cancel, expected far fewer", count)
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Err = %v, want nil after cancel", err)
	}
}

func TestOpenAIChatStreamBodyReadError(t *testing.T) {
	provider := NewOpenAIProvider(config.VendorConfig{
		Name:    "openai",
		BaseURL: "http://localhost",
		APIKey:  "test-key",
	}, newTestLogger())

	provider.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       &errorReadCloser{},
				Header:     make(http.Header),
			}, nil
		}),
	}

	stream, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: userMessage("test"),
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	for range stream.Deltas() {
	}
	if err := stream.Err(); err == nil || !strings.Contains(err.Error(), "simulated body read error") {
		t.Errorf("Err = %v, want the body read error", err)
	}
}

func TestOpenAIRequestConversion(t *testing.T) {
	temp := 0.7
	req := domain.ChatRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			domain.NewMessage(domain.RoleSystem, "be brief"),
			domain.NewMessage(domain.RoleUser, "hi"),
		},
		MaxTokens:   256,
		Temperature: temp,
	}

	oaiReq := toOpenAIRequest(req)
	if oaiReq.Model != "gpt-4o" {
		t.Errorf("Model = %q", oaiReq.Model)
	}
	if !oaiReq.Stream {
		t.Error("Stream flag must be set")
	}
	if len(oaiReq.Messages) != 2 {
		t.Fatalf("Messages = %d, want 2: system messages stay inline for this dialect", len(oaiReq.Messages))
	}
	if oaiReq.Messages[0].Role != "system" || oaiReq.Messages[0].Content != "be brief" {
		t.Errorf("Messages[0] = %+v", oaiReq.Messages[0])
	}
	if oaiReq.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d, want 256", oaiReq.MaxTokens)
	}
	if oaiReq.Temperature == nil || *oaiReq.Temperature != temp {
		t.Errorf("Temperature = %v, want %v", oaiReq.Temperature, temp)
	}
}

func TestOpenAIRequestZeroOptionsOmitted(t *testing.T) {
	req := domain.ChatRequest{Model: "gpt-4o", Messages: userMessage("hi")}

	oaiReq := toOpenAIRequest(req)
	data, err := json.Marshal(oaiReq)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "max_tokens") {
		t.Errorf("zero max_tokens should be omitted: %s", data)
	}
	if strings.Contains(string(data), "temperature") {
		t.Errorf("zero temperature should be omitted: %s", data)
	}
}

func TestParseOpenAIFrame(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantText string
		wantDone bool
		wantErr  bool
	}{
		{name: "done marker", frame: `[DONE]`, wantDone: true},
		{name: "content delta", frame: `{"choices":[{"delta":{"content":"hi"}}]}`, wantText: "hi"},
		{name: "empty content", frame: `{"choices":[{"delta":{"content":""}}]}`},
		{name: "no choices", frame: `{"id":"c1","choices":[]}`},
		{name: "finish frame", frame: `{"choices":[{"delta":{},"finish_reason":"stop"}]}`},
		{name: "not json", frame: `this is not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, done, err := parseOpenAIFrame([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if done != tt.wantDone {
				t.Errorf("done = %v, want %v", done, tt.wantDone)
			}
			if tt.wantText == "" {
				if delta != nil {
					t.Errorf("delta = %+v, want nil", delta)
				}
				return
			}
			if delta == nil || delta.Text != tt.wantText {
				t.Errorf("delta = %+v, want text %q", delta, tt.wantText)
			}
		})
	}
}

func TestOpenAIModelsBuiltinCatalog(t *testing.T) {
	provider := NewOpenAIProvider(config.VendorConfig{Name: "openai"}, newTestLogger())

	models, err := provider.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("builtin catalog should not be empty")
	}
	for _, m := range models {
		if m.Vendor != "openai" {
			t.Errorf("model %s Vendor = %q, want %q", m.ID, m.Vendor, "openai")
		}
	}
	if !models[0].Default {
		t.Error("builtin catalog should mark a default model first")
	}
}

func TestOpenAIModelsConfiguredCatalog(t *testing.T) {
	provider := NewOpenAIProvider(config.VendorConfig{
		Name: "azure",
		Models: []config.ModelConfig{
			{ID: "my-deployment", Name: "My Deployment", Default: true},
		},
	}, newTestLogger())

	models, err := provider.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) != 1 || models[0].ID != "my-deployment" {
		t.Fatalf("models = %+v, want the configured entry only", models)
	}
	if models[0].Vendor != "azure" {
		t.Errorf("Vendor = %q, want %q", models[0].Vendor, "azure")
	}
}

func TestOpenAIBaseURLTrimsTrailingSlash(t *testing.T) {
	provider := NewOpenAIProvider(config.VendorConfig{
		Name:    "openai",
		BaseURL: "https://example.com/v1/",
	}, newTestLogger())

	if provider.baseURL != "https://example.com/v1" {
		t.Errorf("baseURL = %q", provider.baseURL)
	}
}

func TestOpenAIDefaultBaseURL(t *testing.T) {
	provider := NewOpenAIProvider(config.VendorConfig{Name: "openai"}, newTestLogger())
	if provider.baseURL != defaultOpenAIBaseURL {
		t.Errorf("baseURL = %q, want %q", provider.baseURL, defaultOpenAIBaseURL)
	}
}
