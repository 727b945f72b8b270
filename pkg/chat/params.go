package chat

// FunctionDefinition declares a callable function to the model. Only the
// declaration crosses the service boundary; executables and argument parsers
// stay local to the caller.
type FunctionDefinition struct {
	// Name is the function's unique identifier.
	Name string `json:"name"`

	// Description explains what the function does. Included in model prompts,
	// so it should be written for the model, not for humans.
	Description string `json:"description,omitempty"`

	// Parameters is the JSON Schema describing the function's input object.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ToolDefinition wraps a FunctionDefinition in the tool envelope used by
// tool-calling requests.
type ToolDefinition struct {
	// Type is always ToolCallTypeFunction today.
	Type string `json:"type"`

	Function FunctionDefinition `json:"function"`
}

// FunctionName pins the model to a single named function in legacy
// function-calling requests.
type FunctionName struct {
	Name string `json:"name"`
}

// ToolChoice pins the model to a single named tool in tool-calling requests.
type ToolChoice struct {
	// Type is always ToolCallTypeFunction today.
	Type string `json:"type"`

	Function FunctionName `json:"function"`
}

// Params carries everything one request to the completion service needs.
//
// When used through the runner, Messages, Functions, Tools, FunctionCall and
// ToolChoice are managed by the runner itself: Messages is replaced with the
// full current transcript on every iteration, and the declarations are derived
// from the runner's registry.
type Params struct {
	// Model selects the model to sample from (e.g. "gpt-4o").
	Model string `json:"model"`

	// Messages is the ordered conversation transcript.
	Messages []Message `json:"messages"`

	// Functions declares callable functions for legacy function-calling
	// requests. Mutually exclusive with Tools.
	Functions []FunctionDefinition `json:"functions,omitempty"`

	// Tools declares callable tools for tool-calling requests.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// FunctionCall, when non-nil, pins legacy function-calling to the named
	// function. Nil lets the model decide.
	FunctionCall *FunctionName `json:"function_call,omitempty"`

	// ToolChoice, when non-nil, pins tool-calling to the named tool. Nil lets
	// the model decide.
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// N is the number of candidate choices to sample. Zero means the provider
	// default of one. The runner rejects values above one: its accounting only
	// supports single-candidate sampling.
	N int `json:"n,omitempty"`

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// PinnedName returns the single function or tool name the caller pinned via
// FunctionCall or ToolChoice, or "" when the model is free to choose.
func (p Params) PinnedName() string {
	if p.ToolChoice != nil && p.ToolChoice.Function.Name != "" {
		return p.ToolChoice.Function.Name
	}
	if p.FunctionCall != nil && p.FunctionCall.Name != "" {
		return p.FunctionCall.Name
	}
	return ""
}
