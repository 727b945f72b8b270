package runner

import (
	"context"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion"
	"github.com/MrWong99/chatloop/pkg/events"
)

// CompletionRunner drives a conversation in buffered mode: every round-trip
// issues one non-streaming request and receives one complete response object.
// In addition to the shared event set it emits a content event carrying the
// full assistant text whenever an assistant message with content is appended.
type CompletionRunner struct {
	Runner
}

// RunTools starts a buffered tool-calling run: results are correlated to calls
// by tool-call id, and an assistant message may request several calls at once.
// params.Messages seeds the conversation; declarations are derived from fns.
// The control loop runs on its own goroutine and the returned runner is
// observed via its event and accessor methods.
func RunTools(ctx context.Context, svc completion.Service, params chat.Params, fns []RunnableFunction, opts ...Option) *CompletionRunner {
	r := &CompletionRunner{}
	initRunner(&r.Runner, ctx, svc, params, fns, modeTools, opts)
	r.roundTrip = r.bufferedRoundTrip
	r.afterAssistant = r.emitBufferedContent
	r.start(r.runLoop)
	return r
}

// RunFunctions starts a buffered run using the legacy function-calling
// surface: at most one call per assistant message, correlated by name.
func RunFunctions(ctx context.Context, svc completion.Service, params chat.Params, fns []RunnableFunction, opts ...Option) *CompletionRunner {
	r := &CompletionRunner{}
	initRunner(&r.Runner, ctx, svc, params, fns, modeFunctions, opts)
	r.roundTrip = r.bufferedRoundTrip
	r.afterAssistant = r.emitBufferedContent
	r.start(r.runLoop)
	return r
}

// bufferedRoundTrip issues one non-streaming request. The first success marks
// the runner connected, before the completion is recorded.
func (r *CompletionRunner) bufferedRoundTrip(ctx context.Context, params chat.Params) (*chat.Completion, error) {
	comp, err := r.svc.New(ctx, params)
	if err != nil {
		return nil, err
	}
	r.markConnected()
	return comp, nil
}

// emitBufferedContent publishes the full assistant text after the base
// message events, skipping call-only messages.
func (r *CompletionRunner) emitBufferedContent(m chat.Message) {
	if m.Content == "" {
		return
	}
	r.hub.Emit(events.Event{Kind: events.Content, Content: m.Content})
}
