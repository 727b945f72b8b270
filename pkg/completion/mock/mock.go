// Package mock provides a scripted test double for completion.Service.
//
// A Service replays a fixed script of exchanges, one per request, and records
// every request it receives. Use the package-level helpers to build common
// script entries:
//
//	svc := &mock.Service{Script: []mock.Exchange{
//	    {Completion: mock.ToolCallCompletion("call_1", "add", `{"a":2,"b":3}`)},
//	    {Completion: mock.TextCompletion("the sum is 5", &chat.Usage{...})},
//	}}
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion"
)

// Compile-time interface assertion.
var _ completion.Service = (*Service)(nil)

// Exchange scripts the service's reaction to one request. Exactly one of
// Completion, Chunks or Err should be set; buffered requests consume
// Completion, streaming requests consume Chunks.
type Exchange struct {
	Completion *chat.Completion
	Chunks     []chat.Chunk
	Err        error
}

// Service is a scripted mock implementation of completion.Service.
// Configure the script before first use; all methods are safe for concurrent
// calls afterwards.
type Service struct {
	mu   sync.Mutex
	next int

	// Script is consumed front to back, one Exchange per request.
	Script []Exchange

	// Delay, when positive, is waited before each response, honouring ctx.
	// Use it in cancellation tests to keep a request in flight.
	Delay time.Duration

	// NewCalls and StreamCalls record the params of every request received.
	NewCalls    []chat.Params
	StreamCalls []chat.Params
}

func (s *Service) take() (Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.Script) {
		return Exchange{}, fmt.Errorf("mock: script exhausted after %d exchanges", len(s.Script))
	}
	ex := s.Script[s.next]
	s.next++
	return ex, nil
}

func (s *Service) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New implements completion.Service (buffered mode).
func (s *Service) New(ctx context.Context, params chat.Params) (*chat.Completion, error) {
	s.mu.Lock()
	s.NewCalls = append(s.NewCalls, params)
	s.mu.Unlock()

	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	ex, err := s.take()
	if err != nil {
		return nil, err
	}
	if ex.Err != nil {
		return nil, ex.Err
	}
	if ex.Completion == nil {
		return nil, fmt.Errorf("mock: script entry has no completion for a buffered request")
	}
	return ex.Completion, nil
}

// NewStreaming implements completion.Service (streaming mode).
func (s *Service) NewStreaming(ctx context.Context, params chat.Params) (completion.Stream, error) {
	s.mu.Lock()
	s.StreamCalls = append(s.StreamCalls, params)
	s.mu.Unlock()

	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	ex, err := s.take()
	if err != nil {
		return nil, err
	}
	if ex.Err != nil {
		return nil, ex.Err
	}
	return &Stream{ctx: ctx, chunks: ex.Chunks}, nil
}

// NewStream returns a Stream replaying chunks, for tests that drive a raw
// stream directly without going through a Service.
func NewStream(ctx context.Context, chunks []chat.Chunk) *Stream {
	return &Stream{ctx: ctx, chunks: chunks}
}

// Stream replays a fixed chunk sequence, failing early on ctx cancellation.
type Stream struct {
	ctx    context.Context
	chunks []chat.Chunk
	pos    int
	err    error
	closed bool
}

func (s *Stream) Next() bool {
	if s.closed || s.err != nil || s.pos >= len(s.chunks) {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.pos++
	return true
}

func (s *Stream) Current() chat.Chunk { return s.chunks[s.pos-1] }

func (s *Stream) Err() error { return s.err }

func (s *Stream) Close() error {
	s.closed = true
	return nil
}

// TextCompletion builds a plain assistant text response. usage may be nil.
func TextCompletion(content string, usage *chat.Usage) *chat.Completion {
	return &chat.Completion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "mock",
		Choices: []chat.Choice{{
			Message:      chat.AssistantMessage(content),
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}

// ToolCallCompletion builds an assistant response requesting a single tool
// call with the given id, name and serialized arguments. Pass an empty id to
// have one generated.
func ToolCallCompletion(id, name, args string) *chat.Completion {
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return &chat.Completion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "mock",
		Choices: []chat.Choice{{
			Message: chat.Message{
				Role: chat.RoleAssistant,
				ToolCalls: []chat.ToolCall{{
					ID:       id,
					Type:     chat.ToolCallTypeFunction,
					Function: chat.FunctionCall{Name: name, Arguments: args},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}
}

// FunctionCallCompletion builds an assistant response requesting a legacy
// function call.
func FunctionCallCompletion(name, args string) *chat.Completion {
	return &chat.Completion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "mock",
		Choices: []chat.Choice{{
			Message: chat.Message{
				Role:         chat.RoleAssistant,
				FunctionCall: &chat.FunctionCall{Name: name, Arguments: args},
			},
			FinishReason: "function_call",
		}},
	}
}

// TextChunks splits content into one chunk per rune group of size step,
// followed by a terminating chunk carrying the finish reason and usage
// (usage may be nil). All chunks share a generated completion ID.
func TextChunks(content string, step int, usage *chat.Usage) []chat.Chunk {
	if step <= 0 {
		step = 1
	}
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	var chunks []chat.Chunk
	runes := []rune(content)
	for i := 0; i < len(runes); i += step {
		end := min(i+step, len(runes))
		delta := chat.Delta{Content: string(runes[i:end])}
		if i == 0 {
			delta.Role = chat.RoleAssistant
		}
		chunks = append(chunks, chat.Chunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: "mock",
			Choices: []chat.ChunkChoice{{Delta: delta}},
		})
	}
	chunks = append(chunks, chat.Chunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: "mock",
		Choices: []chat.ChunkChoice{{FinishReason: "stop"}},
		Usage:   usage,
	})
	return chunks
}

// ToolCallChunks builds a streamed tool-call request: a header chunk carrying
// the call id and name, argument fragments of size step, and a terminating
// tool_calls chunk. Pass an empty id to have one generated.
func ToolCallChunks(id, name, args string, step int) []chat.Chunk {
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	if step <= 0 {
		step = 1
	}
	cmplID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	chunks := []chat.Chunk{{
		ID: cmplID, Object: "chat.completion.chunk", Created: created, Model: "mock",
		Choices: []chat.ChunkChoice{{Delta: chat.Delta{
			Role: chat.RoleAssistant,
			ToolCalls: []chat.ToolCallDelta{{
				Index:    0,
				ID:       id,
				Type:     chat.ToolCallTypeFunction,
				Function: chat.FunctionCall{Name: name},
			}},
		}}},
	}}

	runes := []rune(args)
	for i := 0; i < len(runes); i += step {
		end := min(i+step, len(runes))
		chunks = append(chunks, chat.Chunk{
			ID: cmplID, Object: "chat.completion.chunk", Created: created, Model: "mock",
			Choices: []chat.ChunkChoice{{Delta: chat.Delta{
				ToolCalls: []chat.ToolCallDelta{{
					Index:    0,
					Function: chat.FunctionCall{Arguments: string(runes[i:end])},
				}},
			}}},
		})
	}

	chunks = append(chunks, chat.Chunk{
		ID: cmplID, Object: "chat.completion.chunk", Created: created, Model: "mock",
		Choices: []chat.ChunkChoice{{FinishReason: "tool_calls"}},
	})
	return chunks
}
