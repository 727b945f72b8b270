package chat

// Usage holds token accounting information returned by the completion service.
// All counts are in the model's native token unit.
type Usage struct {
	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int64 `json:"completion_tokens"`

	// PromptTokens is the number of tokens consumed by the input messages and
	// declarations. This value directly affects billing.
	PromptTokens int64 `json:"prompt_tokens"`

	// TotalTokens is CompletionTokens + PromptTokens. Some providers return it
	// directly rather than computing it from the parts.
	TotalTokens int64 `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.CompletionTokens += other.CompletionTokens
	u.PromptTokens += other.PromptTokens
	u.TotalTokens += other.TotalTokens
}

// Choice is one candidate response within a Completion. The runner only ever
// consults choice index 0; additional candidates are rejected up front.
type Choice struct {
	Index int `json:"index"`

	// Message is the assistant message produced for this candidate.
	Message Message `json:"message"`

	// FinishReason indicates why generation stopped. Common values are "stop",
	// "length", "function_call" and "tool_calls".
	FinishReason string `json:"finish_reason"`
}

// Completion is one full response object from the completion service. For
// streaming requests it is the snapshot accumulated from all chunks.
type Completion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`

	// Usage is nil when the provider did not report token accounting for this
	// response.
	Usage *Usage `json:"usage,omitempty"`
}

// FirstChoice returns a pointer to choice index 0, or nil when the completion
// carries no choices.
func (c *Completion) FirstChoice() *Choice {
	if c == nil || len(c.Choices) == 0 {
		return nil
	}
	return &c.Choices[0]
}

// Delta is the incremental message fragment inside a streaming chunk choice.
type Delta struct {
	// Role is set on the first fragment of a message and empty afterwards.
	Role Role `json:"role,omitempty"`

	// Content is the incremental text, to be concatenated across fragments.
	Content string `json:"content,omitempty"`

	// FunctionCall carries incremental legacy function-call data: Name is
	// last-write-wins, Arguments concatenate across fragments.
	FunctionCall *FunctionCall `json:"function_call,omitempty"`

	// ToolCalls carries incremental tool-call data, correlated across
	// fragments by Index.
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is one incremental tool-call fragment. ID, Type and
// Function.Name are last-write-wins across fragments with the same Index;
// Function.Arguments concatenate.
type ToolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// ChunkChoice is one candidate within a streaming chunk.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Chunk is a single incremental fragment of a streaming completion. The
// sequence of chunks for one request is ordered, finite and non-restartable.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`

	// Usage, when present, reports token accounting for the whole stream.
	// Providers typically attach it to the final chunk only.
	Usage *Usage `json:"usage,omitempty"`
}
