package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

func TestAnthropicChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("unexpected api key header: %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != defaultAnthropicVersion {
			t.Errorf("unexpected version header: %s", r.Header.Get("anthropic-version"))
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("stream flag must be set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)

		events := []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_1"}}`,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
			`data: {"type":"ping"}`,
			`data: {"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintln(w, e)
			flusher.Flush()
		}
	}))
	defer server.Close()

	provider := NewAnthropicProvider(config.VendorConfig{
		Name:    "anthropic",
		BaseURL: server.URL,
		APIKey:  "test-key",
	}, newTestLogger())

	stream, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: userMessage("Hello"),
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	for delta := range stream.Deltas() {
		content += delta.Text
	}

	if content != "Hi there" {
		t.Errorf("content = %q, want %q", content, "Hi there")
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestAnthropicMissingAPIKey(t *testing.T) {
	provider := NewAnthropicProvider(config.VendorConfig{
		Name: "anthropic",
	}, newTestLogger())

	_, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: userMessage("hi"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential, got %v", err)
	}
}

func TestAnthropicStreamHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error"}}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider(config.VendorConfig{
		Name:    "anthropic",
		BaseURL: server.URL,
		APIKey:  "bad-key",
	}, newTestLogger())

	_, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: userMessage("hi"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrAuthRejected) {
		t.Errorf("expected ErrAuthRejected, got %v", err)
	}
}

func TestAnthropicBuildRequestPromotesSystem(t *testing.T) {
	provider := NewAnthropicProvider(config.VendorConfig{Name: "anthropic", APIKey: "k"}, newTestLogger())

	req := domain.ChatRequest{
		Model: "claude-sonnet-4-20250514",
		Messages: []domain.Message{
			domain.NewMessage(domain.RoleSystem, "be helpful"),
			domain.NewMessage(domain.RoleUser, "hi"),
			domain.NewMessage(domain.RoleAssistant, "hello"),
			domain.NewMessage(domain.RoleSystem, "ignored extra"),
			domain.NewMessage(domain.RoleUser, "bye"),
		},
	}

	antReq := provider.buildRequest(req)
	if antReq.System != "be helpful" {
		t.Errorf("System = %q, want the first system message", antReq.System)
	}
	if len(antReq.Messages) != 3 {
		t.Fatalf("Messages = %d, want 3: system messages never enter the array", len(antReq.Messages))
	}
	for _, m := range antReq.Messages {
		if m.Role == "system" {
			t.Errorf("system role leaked into messages array: %+v", m)
		}
	}
	if antReq.Messages[0].Content != "hi" || antReq.Messages[1].Content != "hello" || antReq.Messages[2].Content != "bye" {
		t.Errorf("message order mangled: %+v", antReq.Messages)
	}
}

func TestAnthropicBuildRequestDefaults(t *testing.T) {
	provider := NewAnthropicProvider(config.VendorConfig{Name: "anthropic", APIKey: "k"}, newTestLogger())

	antReq := provider.buildRequest(domain.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: userMessage("hi"),
	})
	if antReq.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("MaxTokens = %d, want the required default %d", antReq.MaxTokens, defaultAnthropicMaxTokens)
	}
	if antReq.Temperature != nil {
		t.Errorf("Temperature = %v, want nil when unset", antReq.Temperature)
	}
	if !antReq.Stream {
		t.Error("Stream flag must be set")
	}
	if antReq.System != "" {
		t.Errorf("System = %q, want empty", antReq.System)
	}
}

func TestParseAnthropicFrame(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantText string
		wantErr  bool
	}{
		{name: "text delta", frame: `{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`, wantText: "hi"},
		{name: "empty text delta", frame: `{"type":"content_block_delta","delta":{"type":"text_delta","text":""}}`},
		{name: "message start", frame: `{"type":"message_start","message":{"id":"msg_1"}}`},
		{name: "message stop", frame: `{"type":"message_stop"}`},
		{name: "ping", frame: `{"type":"ping"}`},
		{name: "input json delta", frame: `{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}`},
		{name: "not json", frame: `garbage`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, done, err := parseAnthropicFrame([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if done {
				t.Error("anthropic streams end at EOF, never via an in-band marker")
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

func TestAnthropicModelsBuiltinCatalog(t *testing.T) {
	provider := NewAnthropicProvider(config.VendorConfig{Name: "anthropic"}, newTestLogger())

	models, err := provider.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("builtin catalog should not be empty")
	}
	defaults := 0
	for _, m := range models {
		if m.Vendor != "anthropic" {
			t.Errorf("model %s Vendor = %q", m.ID, m.Vendor)
		}
		if m.Default {
			defaults++
		}
	}
	if defaults != 1 {
		t.Errorf("catalog has %d default models, want exactly 1", defaults)
	}
}
