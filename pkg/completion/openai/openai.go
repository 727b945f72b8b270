// Package openai provides a completion.Service backed by the OpenAI API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion"
)

// Compile-time interface assertion.
var _ completion.Service = (*Service)(nil)

// Service implements completion.Service using the OpenAI API.
type Service struct {
	client oai.Client
}

// config holds optional configuration for the service.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	headers      map[string]string
}

// Option is a functional option for Service.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Use this to point at
// an OpenAI-compatible gateway or proxy.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHeader adds a custom header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *config) {
		if c.headers == nil {
			c.headers = make(map[string]string)
		}
		c.headers[key] = value
	}
}

// New constructs a Service talking to the OpenAI API with the given key.
func New(apiKey string, opts ...Option) (*Service, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	for k, v := range cfg.headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}

	return &Service{client: oai.NewClient(reqOpts...)}, nil
}

// New implements completion.Service (buffered mode).
func (s *Service) New(ctx context.Context, params chat.Params) (*chat.Completion, error) {
	p, err := buildParams(params)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := s.client.Chat.Completions.New(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	return convertCompletion(resp), nil
}

// NewStreaming implements completion.Service (streaming mode).
func (s *Service) NewStreaming(ctx context.Context, params chat.Params) (completion.Stream, error) {
	p, err := buildParams(params)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}
	p.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	st := s.client.Chat.Completions.NewStreaming(ctx, p)
	if err := st.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}
	return &stream{sse: st}, nil
}

// stream adapts the SDK's SSE stream to completion.Stream.
type stream struct {
	sse     *ssestream.Stream[oai.ChatCompletionChunk]
	current chat.Chunk
}

func (s *stream) Next() bool {
	if !s.sse.Next() {
		return false
	}
	s.current = convertChunk(s.sse.Current())
	return true
}

func (s *stream) Current() chat.Chunk { return s.current }

func (s *stream) Err() error { return s.sse.Err() }

func (s *stream) Close() error { return s.sse.Close() }

// buildParams converts chat.Params into OpenAI SDK params.
func buildParams(params chat.Params) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range params.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	p := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(params.Model),
		Messages: messages,
	}

	if params.N > 0 {
		p.N = param.NewOpt(int64(params.N))
	}
	if params.Temperature != 0 {
		p.Temperature = param.NewOpt(params.Temperature)
	}
	if params.MaxTokens > 0 {
		p.MaxCompletionTokens = param.NewOpt(int64(params.MaxTokens))
	}

	for _, td := range params.Tools {
		p.Tools = append(p.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Function.Name,
				Description: param.NewOpt(td.Function.Description),
				Parameters:  shared.FunctionParameters(td.Function.Parameters),
			},
		})
	}
	for _, fd := range params.Functions {
		p.Functions = append(p.Functions, oai.ChatCompletionNewParamsFunction{
			Name:        fd.Name,
			Description: param.NewOpt(fd.Description),
			Parameters:  shared.FunctionParameters(fd.Parameters),
		})
	}

	if params.ToolChoice != nil {
		p.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
				Function: oai.ChatCompletionNamedToolChoiceFunctionParam{
					Name: params.ToolChoice.Function.Name,
				},
			},
		}
	}
	if params.FunctionCall != nil {
		p.FunctionCall = oai.ChatCompletionNewParamsFunctionCallUnion{
			OfFunctionCallOption: &oai.ChatCompletionFunctionCallOptionParam{
				Name: params.FunctionCall.Name,
			},
		}
	}

	return p, nil
}

// convertMessage converts a chat.Message to an OpenAI SDK message param.
func convertMessage(m chat.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case chat.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case chat.RoleUser:
		return oai.UserMessage(m.Content), nil

	case chat.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		if m.FunctionCall != nil {
			asst.FunctionCall = oai.ChatCompletionAssistantMessageParamFunctionCall{
				Name:      m.FunctionCall.Name,
				Arguments: m.FunctionCall.Arguments,
			}
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case chat.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	case chat.RoleFunction:
		return oai.ChatCompletionMessageParamUnion{
			OfFunction: &oai.ChatCompletionFunctionMessageParam{
				Name:    m.Name,
				Content: param.NewOpt(m.Content),
			},
		}, nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// convertCompletion converts an SDK completion response to chat.Completion.
func convertCompletion(resp *oai.ChatCompletion) *chat.Completion {
	out := &chat.Completion{
		ID:      resp.ID,
		Object:  string(resp.Object),
		Created: resp.Created,
		Model:   resp.Model,
	}
	if resp.JSON.Usage.Valid() {
		out.Usage = &chat.Usage{
			CompletionTokens: resp.Usage.CompletionTokens,
			PromptTokens:     resp.Usage.PromptTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, c := range resp.Choices {
		msg := chat.Message{
			Role:    chat.RoleAssistant,
			Content: c.Message.Content,
		}
		if c.Message.JSON.FunctionCall.Valid() {
			msg.FunctionCall = &chat.FunctionCall{
				Name:      c.Message.FunctionCall.Name,
				Arguments: c.Message.FunctionCall.Arguments,
			}
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
			Index:        int(c.Index),
			Message:      msg,
			FinishReason: c.FinishReason,
		})
	}
	return out
}

// convertChunk converts an SDK streaming chunk to chat.Chunk.
func convertChunk(ck oai.ChatCompletionChunk) chat.Chunk {
	out := chat.Chunk{
		ID:      ck.ID,
		Object:  string(ck.Object),
		Created: ck.Created,
		Model:   ck.Model,
	}
	if ck.JSON.Usage.Valid() {
		out.Usage = &chat.Usage{
			CompletionTokens: ck.Usage.CompletionTokens,
			PromptTokens:     ck.Usage.PromptTokens,
			TotalTokens:      ck.Usage.TotalTokens,
		}
	}
	for _, c := range ck.Choices {
		delta := chat.Delta{
			Role:    chat.Role(c.Delta.Role),
			Content: c.Delta.Content,
		}
		if c.Delta.JSON.FunctionCall.Valid() {
			delta.FunctionCall = &chat.FunctionCall{
				Name:      c.Delta.FunctionCall.Name,
				Arguments: c.Delta.FunctionCall.Arguments,
			}
		}
		for _, tc := range c.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, chat.ToolCallDelta{
				Index: int(tc.Index),
				ID:    tc.ID,
				Type:  chat.ToolCallTypeFunction,
				Function: chat.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, chat.ChunkChoice{
			Index:        int(c.Index),
			Delta:        delta,
			FinishReason: c.FinishReason,
		})
	}
	return out
}
