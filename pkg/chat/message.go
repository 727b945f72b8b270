// Package chat defines the shared chat-completion data model used across all
// Chatloop packages.
//
// These types mirror the wire shapes of chat-completion style APIs (messages,
// completions, streaming chunks, tool declarations) without depending on any
// particular SDK. Provider packages convert between these types and their
// SDK-native equivalents; the runner operates exclusively on these.
package chat

import "strings"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleFunction carries the result of a legacy single-function call,
	// correlated to the originating call by the message Name.
	RoleFunction Role = "function"

	// RoleTool carries the result of a named tool call, correlated to the
	// originating call by ToolCallID.
	RoleTool Role = "tool"
)

// IsValid reports whether r is a recognised message role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction, RoleTool:
		return true
	}
	return false
}

// Message represents a single turn in a conversation.
//
// Content is always serialized (no omitempty): result messages must carry an
// explicit content field on the wire even when the tool produced no output,
// with the empty string standing in for the API's null.
type Message struct {
	// Role is the message author. Must be one of the Role constants.
	Role Role `json:"role"`

	// Content is the text content of the message. Empty for assistant
	// messages that respond exclusively with function or tool calls.
	Content string `json:"content"`

	// Name is an optional participant name. For RoleFunction messages it is
	// required and names the function whose result this message carries.
	Name string `json:"name,omitempty"`

	// FunctionCall is the legacy single-function invocation requested by an
	// assistant message. Nil when the assistant requested no function.
	FunctionCall *FunctionCall `json:"function_call,omitempty"`

	// ToolCalls lists the tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID correlates a RoleTool message to the tool call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// IsAssistant reports whether m was authored by the model.
func (m Message) IsAssistant() bool { return m.Role == RoleAssistant }

// HasCall reports whether m is an assistant message carrying at least one
// function or tool invocation request.
func (m Message) HasCall() bool {
	return m.Role == RoleAssistant && (m.FunctionCall != nil || len(m.ToolCalls) > 0)
}

// IsCallResult reports whether m carries the result of a function or tool
// invocation back to the model.
func (m Message) IsCallResult() bool {
	return m.Role == RoleFunction || m.Role == RoleTool
}

// FunctionCall is a request to invoke a named function with serialized
// arguments. It appears both directly on legacy assistant messages and nested
// inside each ToolCall.
type FunctionCall struct {
	// Name is the function to invoke.
	Name string `json:"name"`

	// Arguments is the JSON-encoded argument object, exactly as produced by
	// the model. It may be malformed; callers must treat it as untrusted.
	Arguments string `json:"arguments"`
}

// ToolCallTypeFunction is the only tool call type currently defined.
const ToolCallTypeFunction = "function"

// ToolCall is a structured tool invocation request embedded in an assistant
// message.
type ToolCall struct {
	// ID is the provider-assigned identifier correlating this call to its
	// RoleTool result message.
	ID string `json:"id"`

	// Type is the call type tag. Always ToolCallTypeFunction today.
	Type string `json:"type"`

	// Function names the tool and carries its serialized arguments.
	Function FunctionCall `json:"function"`
}

// SystemMessage returns a RoleSystem message with the given content.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage returns a RoleUser message with the given content.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage returns a plain RoleAssistant message with the given content.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage returns a RoleTool result message correlated to toolCallID.
func ToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Content: content}
}

// FunctionMessage returns a legacy RoleFunction result message for the named
// function.
func FunctionMessage(name, content string) Message {
	return Message{Role: RoleFunction, Name: name, Content: content}
}

// JoinContent concatenates the content of all given messages, separated by
// newlines, skipping messages without content. Used for display and for
// building embedding input from a transcript slice.
func JoinContent(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
