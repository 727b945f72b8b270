package runner

import (
	"context"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion"
	"github.com/MrWong99/chatloop/pkg/events"
)

// StreamRunner drives a conversation in streaming mode: every round-trip
// issues a streaming request and accumulates its fragments into a snapshot
// before the shared control loop treats it like a buffered response. Each
// fragment additionally produces a chunk event, and each text delta a content
// event carrying both the delta and the cumulative text so far.
type StreamRunner struct {
	Runner
}

// RunToolsStream starts a streaming tool-calling run. Semantics match
// RunTools except for response transport and the extra chunk/content events.
func RunToolsStream(ctx context.Context, svc completion.Service, params chat.Params, fns []RunnableFunction, opts ...Option) *StreamRunner {
	r := &StreamRunner{}
	initRunner(&r.Runner, ctx, svc, params, fns, modeTools, opts)
	r.roundTrip = r.streamRoundTrip
	r.start(r.runLoop)
	return r
}

// RunFunctionsStream starts a streaming run using the legacy function-calling
// surface.
func RunFunctionsStream(ctx context.Context, svc completion.Service, params chat.Params, fns []RunnableFunction, opts ...Option) *StreamRunner {
	r := &StreamRunner{}
	initRunner(&r.Runner, ctx, svc, params, fns, modeFunctions, opts)
	r.roundTrip = r.streamRoundTrip
	r.start(r.runLoop)
	return r
}

// RunStream drives a single already-open raw stream for callers who manage
// transport themselves: the stream is accumulated with the usual chunk and
// content events, recorded as the run's one completion, and the run ends. No
// requests are issued and no functions execute — there is no way to send
// results back on a caller-owned stream.
func RunStream(ctx context.Context, stream completion.Stream, opts ...Option) *StreamRunner {
	r := &StreamRunner{}
	initRunner(&r.Runner, ctx, nil, chat.Params{}, nil, modeTools, opts)
	r.start(func() error {
		r.setState(StateConnecting)
		r.markConnected()
		snap, err := r.consumeStream(stream)
		if err != nil {
			return err
		}
		r.addChatCompletion(snap)
		return nil
	})
	return r
}

// streamRoundTrip issues one streaming request and consumes it to completion.
// The runner is marked connected as soon as the stream opens, before any
// chunk event.
func (r *StreamRunner) streamRoundTrip(ctx context.Context, params chat.Params) (*chat.Completion, error) {
	stream, err := r.svc.NewStreaming(ctx, params)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	r.markConnected()
	return r.consumeStream(stream)
}

// consumeStream drains stream into an accumulated snapshot, emitting a chunk
// event per fragment and a content event per text delta. The snapshot passed
// to listeners is the live accumulator; it grows as further fragments arrive.
func (r *Runner) consumeStream(stream completion.Stream) (*chat.Completion, error) {
	var snap *chat.Completion
	for stream.Next() {
		ck := stream.Current()
		snap = accumulateChunk(snap, ck)

		chunk := ck
		r.hub.Emit(events.Event{Kind: events.Chunk, Chunk: &chunk, Completion: snap})

		if len(ck.Choices) > 0 && ck.Choices[0].Delta.Content != "" {
			r.hub.Emit(events.Event{
				Kind:            events.Content,
				Content:         ck.Choices[0].Delta.Content,
				ContentSnapshot: snap.Choices[0].Message.Content,
				Completion:      snap,
			})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	// A cancelled stream may end without reporting its own error.
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errNoCompletion
	}
	return snap, nil
}

// accumulateChunk folds one fragment into the running snapshot: text and
// call-argument strings concatenate (arguments per call index), everything
// else is last-write-wins.
func accumulateChunk(snap *chat.Completion, ck chat.Chunk) *chat.Completion {
	if snap == nil {
		snap = &chat.Completion{Object: "chat.completion"}
	}
	if ck.ID != "" {
		snap.ID = ck.ID
	}
	if ck.Model != "" {
		snap.Model = ck.Model
	}
	if ck.Created != 0 {
		snap.Created = ck.Created
	}
	if ck.Usage != nil {
		u := *ck.Usage
		snap.Usage = &u
	}

	for _, cc := range ck.Choices {
		for len(snap.Choices) <= cc.Index {
			snap.Choices = append(snap.Choices, chat.Choice{Index: len(snap.Choices)})
		}
		choice := &snap.Choices[cc.Index]
		if cc.FinishReason != "" {
			choice.FinishReason = cc.FinishReason
		}

		msg := &choice.Message
		if cc.Delta.Role != "" {
			msg.Role = cc.Delta.Role
		}
		msg.Content += cc.Delta.Content

		if fc := cc.Delta.FunctionCall; fc != nil {
			if msg.FunctionCall == nil {
				msg.FunctionCall = &chat.FunctionCall{}
			}
			if fc.Name != "" {
				msg.FunctionCall.Name = fc.Name
			}
			msg.FunctionCall.Arguments += fc.Arguments
		}

		for _, tc := range cc.Delta.ToolCalls {
			for len(msg.ToolCalls) <= tc.Index {
				msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{Type: chat.ToolCallTypeFunction})
			}
			target := &msg.ToolCalls[tc.Index]
			if tc.ID != "" {
				target.ID = tc.ID
			}
			if tc.Type != "" {
				target.Type = tc.Type
			}
			if tc.Function.Name != "" {
				target.Function.Name = tc.Function.Name
			}
			target.Function.Arguments += tc.Function.Arguments
		}
	}
	return snap
}
