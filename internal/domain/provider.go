package domain

import "context"

// Delta kinds emitted by stream decoders.
const (
	DeltaText = "text"
)

// StreamDelta is a single incremental fragment of a streaming chat reply.
// Text deltas are the only payload the protocol decoders emit.
type StreamDelta struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Stream is the live handle for one in-flight chat request. It owns the
// transport connection and the cancellation binding, and is torn down
// exactly once: when the delta sequence is exhausted, when the transport
// closes, or when Close (or the request context) cancels it, whichever
// comes first.
type Stream interface {
	// Deltas returns the ordered delta sequence. The channel is closed
	// when the stream ends for any reason.
	Deltas() <-chan StreamDelta
	// Close cancels the in-flight request and releases the transport.
	// It is safe to call any number of times, including after the stream
	// has already finished.
	Close() error
	// Err reports how the stream ended once Deltas is closed: nil after a
	// normal end or a cancellation, otherwise the transport read error.
	Err() error
}

// ChatProvider is the interface for one chat-completion backend.
type ChatProvider interface {
	// Name returns the provider's vendor identifier (e.g. "openai").
	Name() string
	// Models returns the vendor's current model descriptors. It may probe
	// the network and may legitimately return an empty list when the
	// backend is unreachable.
	Models(ctx context.Context) ([]ModelDescriptor, error)
	// ChatStream issues one streaming chat request. The returned Stream
	// delivers deltas as they arrive; ctx cancellation aborts the
	// transport and ends the stream cleanly.
	ChatStream(ctx context.Context, req ChatRequest) (Stream, error)
}

// ModelResolver maps model IDs to providers and picks defaults. Backed by
// the model directory; defined here so use cases depend on the capability,
// not the cache.
type ModelResolver interface {
	// Resolve returns the provider serving a model ID plus its descriptor.
	Resolve(modelID string) (ChatProvider, ModelDescriptor, error)
	// SelectDefault picks the model to use when the caller names none.
	SelectDefault() (ModelDescriptor, error)
}
