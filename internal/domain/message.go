package domain

import "strings"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part kinds for message content parts.
const (
	PartText       = "text"
	PartAttachment = "attachment"
)

// ContentPart is one ordered element of a message body. Only text parts
// carry payload for the wire protocols; attachment parts are placeholders
// preserved in order and skipped during request conversion.
type ContentPart struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: PartText, Text: text}
}

// Message represents a single message in a conversation. Messages are
// constructed by the caller and treated as immutable for the duration of
// one request.
type Message struct {
	Role  string        `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// NewMessage builds a message with a single text part.
func NewMessage(role, text string) Message {
	return Message{Role: role, Parts: []ContentPart{TextPart(text)}}
}

// Text joins the message's text parts in order. Non-text parts contribute
// nothing.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ChatRequest is sent to a chat provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// SendOptions are the recognized per-request options on the dispatch
// surface. Zero values leave the vendor's defaults in effect.
type SendOptions struct {
	MaxTokens   int
	Temperature float64
}
