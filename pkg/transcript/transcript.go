// Package transcript persists conversation messages across runs.
//
// A transcript is the durable record of everything a runner appends to its
// conversation: the seeding messages, assistant replies, and function call
// results. Entries are optionally embedded so that past conversations can be
// searched semantically.
package transcript

import (
	"context"
	"time"

	"github.com/MrWong99/chatloop/pkg/chat"
)

// Entry is one persisted conversation message.
type Entry struct {
	// ID uniquely identifies the entry. Assigned by the store on append.
	ID int64

	// ConversationID groups the entries of one logical conversation, which
	// may span multiple runs.
	ConversationID string

	// Role, Content, Name and ToolCallID mirror the persisted message.
	Role       chat.Role
	Content    string
	Name       string
	ToolCallID string

	// Embedding is the content's embedding vector, or nil when the entry was
	// stored without one (empty content, or no embedder configured).
	Embedding []float32

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time
}

// Message converts the entry back into a conversation message, suitable for
// re-seeding a runner with prior history.
func (e Entry) Message() chat.Message {
	return chat.Message{
		Role:       e.Role,
		Content:    e.Content,
		Name:       e.Name,
		ToolCallID: e.ToolCallID,
	}
}

// FromMessage builds an unsaved entry for m under conversationID.
func FromMessage(conversationID string, m chat.Message) Entry {
	return Entry{
		ConversationID: conversationID,
		Role:           m.Role,
		Content:        m.Content,
		Name:           m.Name,
		ToolCallID:     m.ToolCallID,
	}
}

// Filter narrows a semantic or full-text search. Zero fields are ignored.
type Filter struct {
	// ConversationID restricts results to one conversation.
	ConversationID string

	// Role restricts results to entries with this role.
	Role chat.Role

	// After and Before restrict results to a time window.
	After  time.Time
	Before time.Time
}

// Result is one search hit.
type Result struct {
	Entry Entry

	// Distance is the cosine distance to the query embedding for semantic
	// search, or 0 for full-text search.
	Distance float64
}

// Store is the persistence boundary for transcripts.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores entries in order. Entries without an embedding are
	// stored with a NULL vector.
	Append(ctx context.Context, entries ...Entry) error

	// History returns every entry of conversationID in append order.
	History(ctx context.Context, conversationID string) ([]Entry, error)

	// Search returns the topK entries whose embeddings are closest to the
	// query embedding, most similar first.
	Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Result, error)

	// SearchText returns up to topK entries matching the full-text query,
	// best match first.
	SearchText(ctx context.Context, query string, topK int, filter Filter) ([]Result, error)
}
