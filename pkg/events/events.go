// Package events provides the typed publish/subscribe hub through which a
// conversation runner reports its lifecycle.
//
// A Hub is keyed by a closed set of event kinds. Listeners are invoked
// synchronously, in registration order, on the goroutine that emits — the
// runner's control loop is strictly sequential, so listeners observe events in
// exact program order. Once End has been emitted a Hub is permanently silent.
//
// Emit is exported so that the runner (which owns the hub) can publish from a
// sibling package; external code must treat it as off limits.
package events

import (
	"context"
	"sync"

	"github.com/MrWong99/chatloop/pkg/chat"
)

// Kind names one runner lifecycle event.
type Kind string

const (
	// Connect fires once, when the first request to the completion service
	// succeeds. No payload.
	Connect Kind = "connect"

	// Message fires for every message appended to the conversation log.
	Message Kind = "message"

	// ChatCompletion fires for every full completion received from the
	// service (after any streaming accumulation).
	ChatCompletion Kind = "chatCompletion"

	// Content fires with assistant text: the full string for buffered runs,
	// or a delta plus cumulative snapshot for streaming runs.
	Content Kind = "content"

	// Chunk fires for every raw streaming fragment, together with the
	// accumulated snapshot so far. Streaming runs only.
	Chunk Kind = "chunk"

	// FunctionCall fires for every function or tool invocation request
	// detected in an assistant message, one event per call.
	FunctionCall Kind = "functionCall"

	// FunctionCallResult fires for every function or tool result appended to
	// the conversation log.
	FunctionCallResult Kind = "functionCallResult"

	FinalContent            Kind = "finalContent"
	FinalMessage            Kind = "finalMessage"
	FinalChatCompletion     Kind = "finalChatCompletion"
	FinalFunctionCall       Kind = "finalFunctionCall"
	FinalFunctionCallResult Kind = "finalFunctionCallResult"

	// TotalUsage fires once at the very end of a successful run, only when at
	// least one completion carried usage data.
	TotalUsage Kind = "totalUsage"

	// Error and Abort are mutually exclusive terminal events. Both are
	// followed by End.
	Error Kind = "error"
	Abort Kind = "abort"

	// End fires exactly once per run, after all other events, regardless of
	// how the run terminated.
	End Kind = "end"
)

// IsValid reports whether k is a recognised event kind.
func (k Kind) IsValid() bool {
	switch k {
	case Connect, Message, ChatCompletion, Content, Chunk, FunctionCall,
		FunctionCallResult, FinalContent, FinalMessage, FinalChatCompletion,
		FinalFunctionCall, FinalFunctionCallResult, TotalUsage, Error, Abort, End:
		return true
	}
	return false
}

// Event is the payload delivered to listeners. Which fields are set depends on
// Kind; unset fields are zero.
type Event struct {
	Kind Kind `json:"kind"`

	// Message is set for Message and FinalMessage.
	Message *chat.Message `json:"message,omitempty"`

	// Completion is set for ChatCompletion and FinalChatCompletion, and
	// carries the accumulated snapshot for Chunk and streaming Content.
	Completion *chat.Completion `json:"completion,omitempty"`

	// Chunk is the raw streaming fragment for Chunk events.
	Chunk *chat.Chunk `json:"chunk,omitempty"`

	// Content is the assistant text for Content (full or delta) and
	// FinalContent, or the result string for FunctionCallResult and
	// FinalFunctionCallResult.
	Content string `json:"content,omitempty"`

	// ContentSnapshot is the cumulative assistant text so far, set on
	// streaming Content events alongside the Content delta.
	ContentSnapshot string `json:"content_snapshot,omitempty"`

	// FunctionCall is set for FunctionCall and FinalFunctionCall. For tool
	// calls it is the call's nested function; ToolCallID carries the id.
	FunctionCall *chat.FunctionCall `json:"function_call,omitempty"`

	// ToolCallID correlates FunctionCall events originating from tool calls.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Usage is set for TotalUsage.
	Usage *chat.Usage `json:"usage,omitempty"`

	// Err is set for Error and Abort.
	Err error `json:"-"`
}

// Listener receives events. Listeners run synchronously on the emitting
// goroutine and must not block.
type Listener func(Event)

// Subscription identifies one registered listener for removal via Off.
type Subscription struct {
	kind Kind
	id   uint64
}

// Kind returns the event kind this subscription listens for.
func (s Subscription) Kind() Kind { return s.kind }

type entry struct {
	id   uint64
	fn   Listener
	once bool
}

// Hub is a typed event emitter. The zero value is not usable; construct with
// New. Safe for concurrent use, though events for a single runner are always
// emitted from one goroutine at a time.
type Hub struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[Kind][]entry
	ended     bool
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{listeners: make(map[Kind][]entry)}
}

// On registers fn for every future occurrence of kind.
func (h *Hub) On(kind Kind, fn Listener) Subscription {
	return h.add(kind, fn, false)
}

// Once registers fn for only the next occurrence of kind.
func (h *Hub) Once(kind Kind, fn Listener) Subscription {
	return h.add(kind, fn, true)
}

func (h *Hub) add(kind Kind, fn Listener, once bool) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.listeners[kind] = append(h.listeners[kind], entry{id: h.nextID, fn: fn, once: once})
	return Subscription{kind: kind, id: h.nextID}
}

// Off removes the listener identified by sub. Removing an already-removed or
// already-fired once listener is a no-op.
func (h *Hub) Off(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.listeners[sub.kind]
	for i, e := range list {
		if e.id == sub.id {
			h.listeners[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// HasListener reports whether at least one listener is currently registered
// for kind.
func (h *Hub) HasListener(kind Kind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[kind]) > 0
}

// Emitted returns a channel-free wait for the next occurrence of kind.
//
// It blocks until kind fires, returning its Event. If an Error event fires
// first the error is returned instead — unless the awaited kind is Error
// itself, in which case the error event resolves the wait. ctx cancellation
// unblocks the wait with ctx's error.
func (h *Hub) Emitted(ctx context.Context, kind Kind) (Event, error) {
	ch := make(chan Event, 1)
	errCh := make(chan error, 1)

	sub := h.Once(kind, func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer h.Off(sub)

	var errSub Subscription
	if kind != Error {
		errSub = h.Once(Error, func(ev Event) {
			select {
			case errCh <- ev.Err:
			default:
			}
		})
		defer h.Off(errSub)
	}

	select {
	case ev := <-ch:
		return ev, nil
	case err := <-errCh:
		return Event{}, err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Emit publishes ev to all listeners registered for its kind, removing once
// listeners before invocation. After an End event has been emitted all further
// emits are dropped. Reserved for the hub's owning runner.
func (h *Hub) Emit(ev Event) {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return
	}
	if ev.Kind == End {
		h.ended = true
	}
	list := h.listeners[ev.Kind]
	fns := make([]Listener, 0, len(list))
	remaining := list[:0:0]
	for _, e := range list {
		fns = append(fns, e.fn)
		if !e.once {
			remaining = append(remaining, e)
		}
	}
	h.listeners[ev.Kind] = remaining
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Ended reports whether End has been emitted.
func (h *Hub) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}
