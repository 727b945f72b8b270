// Package anyllm provides a completion.Service backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Only tool-style calling is supported: the legacy functions/function_call
// request surface predates most non-OpenAI providers and is not exposed by
// any-llm-go. Requests carrying Functions declarations are rejected.
//
// Usage:
//
//	svc, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion"
)

// Compile-time interface assertion.
var _ completion.Service = (*Service)(nil)

// Service implements completion.Service by wrapping any-llm-go.
type Service struct {
	backend anyllmlib.Provider
}

// New creates a Service backed by the given provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// opts are any-llm-go configuration options (e.g. anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the provider falls back to
// its conventional environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(providerName string, opts ...anyllmlib.Option) (*Service, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Service{backend: backend}, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// New implements completion.Service (buffered mode).
func (s *Service) New(ctx context.Context, params chat.Params) (*chat.Completion, error) {
	p, err := buildParams(params)
	if err != nil {
		return nil, err
	}

	resp, err := s.backend.Completion(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}

	out := &chat.Completion{
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   params.Model,
	}
	if resp.Usage != nil {
		out.Usage = &chat.Usage{
			CompletionTokens: int64(resp.Usage.CompletionTokens),
			PromptTokens:     int64(resp.Usage.PromptTokens),
			TotalTokens:      int64(resp.Usage.TotalTokens),
		}
	}
	for i, c := range resp.Choices {
		msg := chat.Message{
			Role:    chat.RoleAssistant,
			Content: c.Message.ContentString(),
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
				ID:   tc.ID,
				Type: chat.ToolCallTypeFunction,
				Function: chat.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, chat.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: c.FinishReason,
		})
	}
	return out, nil
}

// NewStreaming implements completion.Service (streaming mode).
func (s *Service) NewStreaming(ctx context.Context, params chat.Params) (completion.Stream, error) {
	p, err := buildParams(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	chunks, errs := s.backend.CompletionStream(ctx, p)
	return &stream{
		model:  params.Model,
		chunks: chunks,
		errs:   errs,
		cancel: cancel,
	}, nil
}

// stream adapts any-llm-go's channel pair to completion.Stream.
type stream struct {
	model   string
	chunks  <-chan anyllmlib.ChatCompletionChunk
	errs    <-chan error
	cancel  context.CancelFunc
	current chat.Chunk
	err     error
}

func (s *stream) Next() bool {
	if s.err != nil {
		return false
	}
	chunk, ok := <-s.chunks
	if !ok {
		// Channel drained; surface any backend error exactly once.
		select {
		case err := <-s.errs:
			s.err = err
		default:
		}
		return false
	}

	out := chat.Chunk{
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
	}
	for i, c := range chunk.Choices {
		delta := chat.Delta{Content: c.Delta.Content}
		// any-llm-go deltas carry no per-call index; fragment position within
		// the delta is stable across fragments, so it serves as the index.
		for j, tc := range c.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, chat.ToolCallDelta{
				Index: j,
				ID:    tc.ID,
				Type:  chat.ToolCallTypeFunction,
				Function: chat.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, chat.ChunkChoice{
			Index:        i,
			Delta:        delta,
			FinishReason: c.FinishReason,
		})
	}
	s.current = out
	return true
}

func (s *stream) Current() chat.Chunk { return s.current }

func (s *stream) Err() error { return s.err }

func (s *stream) Close() error {
	s.cancel()
	return nil
}

// buildParams converts chat.Params into any-llm-go CompletionParams.
func buildParams(params chat.Params) (anyllmlib.CompletionParams, error) {
	if len(params.Functions) > 0 || params.FunctionCall != nil {
		return anyllmlib.CompletionParams{}, fmt.Errorf("anyllm: legacy function-calling is not supported; declare tools instead")
	}

	var messages []anyllmlib.Message
	for _, m := range params.Messages {
		messages = append(messages, convertMessage(m))
	}

	p := anyllmlib.CompletionParams{
		Model:    params.Model,
		Messages: messages,
	}

	if params.Temperature != 0 {
		t := params.Temperature
		p.Temperature = &t
	}
	if params.MaxTokens > 0 {
		mt := params.MaxTokens
		p.MaxTokens = &mt
	}

	for _, td := range params.Tools {
		p.Tools = append(p.Tools, anyllmlib.Tool{
			Type: chat.ToolCallTypeFunction,
			Function: anyllmlib.Function{
				Name:        td.Function.Name,
				Description: td.Function.Description,
				Parameters:  td.Function.Parameters,
			},
		})
	}

	return p, nil
}

// convertMessage converts a chat.Message to an any-llm-go message.
func convertMessage(m chat.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       string(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: chat.ToolCallTypeFunction,
			Function: anyllmlib.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg
}
