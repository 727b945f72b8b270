// Package completion defines the boundary between the conversation runner and
// the external chat-completion service it drives.
//
// A Service accepts a message transcript plus function/tool declarations and
// returns either one complete response (New) or an ordered, finite,
// non-restartable sequence of incremental fragments (NewStreaming). Transport,
// authentication and retries live entirely behind this interface; concrete
// implementations are provided by the openai, anyllm and mock subpackages, and
// by the resilience failover wrapper.
package completion

import (
	"context"

	"github.com/MrWong99/chatloop/pkg/chat"
)

// Service is the external chat-completion collaborator.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled, in-flight requests fail and
// open streams start returning false from Next.
type Service interface {
	// New sends params and waits for one complete response object.
	New(ctx context.Context, params chat.Params) (*chat.Completion, error)

	// NewStreaming sends params and returns the response as a stream of
	// incremental fragments. The caller owns the stream and must Close it.
	NewStreaming(ctx context.Context, params chat.Params) (Stream, error)
}

// Stream is an ordered, finite, non-restartable sequence of completion
// fragments, terminated by the underlying transport closing.
//
// Usage follows the scanner idiom:
//
//	for stream.Next() {
//	    chunk := stream.Current()
//	    ...
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream interface {
	// Next advances to the next fragment. It returns false when the stream is
	// exhausted or failed; check Err to distinguish.
	Next() bool

	// Current returns the fragment most recently read by Next.
	Current() chat.Chunk

	// Err returns the first error encountered, or nil after a clean end.
	Err() error

	// Close releases the underlying transport. Safe to call multiple times.
	Close() error
}
