package domain

// ModelDescriptor describes one selectable model advertised by a vendor.
// Descriptors are produced fresh on each availability query; the model
// directory holds the latest snapshot per vendor and replaces it wholesale
// on refresh.
type ModelDescriptor struct {
	// ID uniquely identifies the model within a directory refresh.
	ID string `json:"id"`
	// Vendor is the registry key of the owning provider.
	Vendor string `json:"vendor"`
	// Name is the human-readable display name.
	Name string `json:"name"`
	// Family groups related model generations (e.g. "gpt-4o", "claude").
	Family string `json:"family,omitempty"`

	ContextWindow   int `json:"context_window,omitempty"`
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// Capability flags.
	Vision      bool `json:"vision,omitempty"`
	ToolCalling bool `json:"tool_calling,omitempty"`
	AgentMode   bool `json:"agent_mode,omitempty"`

	// Default marks the vendor's preferred model. At most one descriptor
	// per vendor snapshot carries it.
	Default bool `json:"default,omitempty"`
	// UserSelectable reports whether the model should be offered in
	// pickers; non-selectable models still resolve by ID.
	UserSelectable bool `json:"user_selectable"`
}
