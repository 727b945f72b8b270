// Package runner implements the multi-turn tool-calling conversation driver at
// the heart of Chatloop.
//
// A runner owns one conversation: it repeatedly sends the transcript to a
// completion.Service, detects function/tool invocation requests in the model's
// reply, executes the matching local function, feeds the result back, and
// loops until the model stops requesting calls, a pinned call is satisfied, or
// the iteration cap is reached. Progress is observable two ways: through the
// typed event hub (On/Once/Emitted) and through blocking accessors
// (Done, FinalMessage, FinalChatCompletion, ...).
//
// Construct runners with RunTools / RunFunctions (buffered responses) or
// RunToolsStream / RunFunctionsStream (streamed responses); RunStream drives a
// caller-supplied raw stream without issuing any request. The control loop runs
// on its own goroutine; constructors return immediately.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion"
	"github.com/MrWong99/chatloop/pkg/events"
)

// DefaultMaxChatCompletions caps the number of service round-trips per run
// when no override is given via WithMaxChatCompletions.
const DefaultMaxChatCompletions = 10

// ErrAborted is the cancellation cause installed by Abort. Failures whose
// cause chain contains it (or plain context cancellation) are reported through
// the abort path rather than the error path.
var ErrAborted = errors.New("runner: aborted")

// errNoCompletion is returned when a run terminates without the service ever
// producing a completion object.
var errNoCompletion = errors.New("runner: conversation ended without producing a chat completion")

// errNoAssistantMessage is returned by FinalMessage when the model never
// produced an assistant message.
var errNoAssistantMessage = errors.New("runner: conversation ended without an assistant message")

// RunState labels the runner's position in its lifecycle.
type RunState string

const (
	StateIdle              RunState = "idle"
	StateConnecting        RunState = "connecting"
	StateAwaitingExecution RunState = "awaiting-function-execution"
	StateDone              RunState = "done"
	StateErrored           RunState = "errored"
	StateAborted           RunState = "aborted"
)

// Terminal reports whether s is a terminal state.
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateErrored || s == StateAborted
}

type mode int

const (
	modeFunctions mode = iota
	modeTools
)

// Runner is the shared core embedded by CompletionRunner and StreamRunner. It
// owns the conversation log, the completion history and the event hub; all
// three are mutated exclusively by the control loop goroutine.
//
// A Runner is live from construction: by the time a constructor returns, the
// control loop is already running against the configured service.
type Runner struct {
	hub    *events.Hub
	svc    completion.Service
	ctx    context.Context
	cancel context.CancelCauseFunc

	params             chat.Params
	mode               mode
	maxChatCompletions int

	registry  map[string]RunnableFunction
	names     []string
	tools     []chat.ToolDefinition
	functions []chat.FunctionDefinition

	// roundTrip performs one request against the service. Installed by the
	// buffered/streaming specializations.
	roundTrip func(ctx context.Context, params chat.Params) (*chat.Completion, error)

	// afterAssistant, when non-nil, runs after an assistant message has been
	// appended and its events emitted. The buffered specialization uses it to
	// emit the full-text content event.
	afterAssistant func(m chat.Message)

	mu          sync.Mutex
	messages    []chat.Message
	completions []*chat.Completion
	state       RunState

	connected   *deferred[struct{}]
	ended       *deferred[struct{}]
	connectOnce sync.Once

	// caught records that some consumer can observe failure: a promise-style
	// accessor was awaited or an error/abort listener registered. Without it,
	// terminal failures are additionally logged so they cannot pass silently.
	caught atomic.Bool
}

// Option configures a runner at construction.
type Option func(*Runner)

// WithMaxChatCompletions overrides the service round-trip cap (default
// DefaultMaxChatCompletions). Values below one are ignored.
func WithMaxChatCompletions(n int) Option {
	return func(r *Runner) {
		if n >= 1 {
			r.maxChatCompletions = n
		}
	}
}

// initRunner wires the shared core. The caller installs roundTrip (and any
// hooks) afterwards, then calls start.
func initRunner(r *Runner, ctx context.Context, svc completion.Service, params chat.Params, fns []RunnableFunction, m mode, opts []Option) {
	cctx, cancel := context.WithCancelCause(ctx)

	r.hub = events.New()
	r.svc = svc
	r.ctx = cctx
	r.cancel = cancel
	r.params = params
	r.mode = m
	r.maxChatCompletions = DefaultMaxChatCompletions
	r.state = StateIdle
	r.connected = newDeferred[struct{}]()
	r.ended = newDeferred[struct{}]()

	r.registry = make(map[string]RunnableFunction, len(fns))
	for _, fn := range fns {
		name := fn.Function.Name
		if _, dup := r.registry[name]; dup {
			slog.Warn("runner: duplicate function registration, last one wins", "name", name)
		} else {
			r.names = append(r.names, name)
		}
		r.registry[name] = fn
	}
	switch m {
	case modeTools:
		for _, name := range r.names {
			r.tools = append(r.tools, chat.ToolDefinition{
				Type:     chat.ToolCallTypeFunction,
				Function: r.registry[name].Function,
			})
		}
	case modeFunctions:
		for _, name := range r.names {
			r.functions = append(r.functions, r.registry[name].Function)
		}
	}

	for _, o := range opts {
		o(r)
	}
}

// start launches the control loop on its own goroutine.
func (r *Runner) start(loop func() error) {
	go r.run(loop)
}

// run executes loop and routes its settlement through the single terminal
// classification point: success emits the final summary events followed by
// end; failure is classified as error or abort, rejects both pending waits,
// and still emits end.
func (r *Runner) run(loop func() error) {
	if err := loop(); err != nil {
		r.handleError(err)
		return
	}
	r.setState(StateDone)
	r.emitFinalEvents()
	r.hub.Emit(events.Event{Kind: events.End})
	r.ended.resolve(struct{}{})
}

// handleError is the sole translator from control-loop failure to terminal
// events. Cancellation (Abort or an expired caller context) takes the abort
// path; everything else takes the error path.
func (r *Runner) handleError(err error) {
	kind := events.Error
	if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) ||
		errors.Is(context.Cause(r.ctx), ErrAborted) || r.ctx.Err() != nil {
		kind = events.Abort
		r.setState(StateAborted)
	} else {
		r.setState(StateErrored)
	}

	r.connected.reject(err)
	r.ended.reject(err)

	if !r.caught.Load() && !r.hub.HasListener(events.Error) && !r.hub.HasListener(events.Abort) {
		slog.Error("runner: conversation failed with nothing subscribed or awaiting", "err", err)
	}

	r.hub.Emit(events.Event{Kind: kind, Err: err})
	r.hub.Emit(events.Event{Kind: events.End})
}

// markConnected emits the connect event exactly once, on the first successful
// contact with the service, and never after the run has ended.
func (r *Runner) markConnected() {
	r.connectOnce.Do(func() {
		if r.hub.Ended() {
			return
		}
		r.connected.resolve(struct{}{})
		r.hub.Emit(events.Event{Kind: events.Connect})
	})
}

func (r *Runner) setState(s RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.state = s
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Abort requests cancellation of the in-flight request. The control loop does
// not stop synchronously: the pending request fails, and that failure is
// reported through the abort event and as a rejection of Done.
func (r *Runner) Abort() {
	r.cancel(ErrAborted)
}

// ─── Event subscriptions ──────────────────────────────────────────────────────

// On registers fn for every future occurrence of kind.
func (r *Runner) On(kind events.Kind, fn events.Listener) events.Subscription {
	r.markCaught(kind)
	return r.hub.On(kind, fn)
}

// Once registers fn for only the next occurrence of kind.
func (r *Runner) Once(kind events.Kind, fn events.Listener) events.Subscription {
	r.markCaught(kind)
	return r.hub.Once(kind, fn)
}

// Off removes a listener registered via On or Once.
func (r *Runner) Off(sub events.Subscription) {
	r.hub.Off(sub)
}

// Emitted blocks until the next occurrence of kind, returning its event. If an
// error event fires first, its error is returned instead — unless kind is
// events.Error itself, in which case the error event resolves the wait.
func (r *Runner) Emitted(ctx context.Context, kind events.Kind) (events.Event, error) {
	r.markCaught(kind)
	return r.hub.Emitted(ctx, kind)
}

func (r *Runner) markCaught(kind events.Kind) {
	if kind == events.Error || kind == events.Abort {
		r.caught.Store(true)
	}
}

// ─── Message and completion recording ─────────────────────────────────────────

// addMessage appends m to the conversation log. When emit is set it publishes
// the message event plus the discriminated follow-up: a functionCallResult for
// function/tool results, or one functionCall per invocation request carried by
// an assistant message. Initial caller-supplied messages are replayed with
// emit unset.
func (r *Runner) addMessage(m chat.Message, emit bool) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()

	if !emit {
		return
	}

	msg := m
	r.hub.Emit(events.Event{Kind: events.Message, Message: &msg})

	switch {
	case m.IsCallResult():
		r.hub.Emit(events.Event{Kind: events.FunctionCallResult, Content: m.Content})
	case m.Role == chat.RoleAssistant && m.FunctionCall != nil:
		fc := *m.FunctionCall
		r.hub.Emit(events.Event{Kind: events.FunctionCall, FunctionCall: &fc})
	}
	if m.Role == chat.RoleAssistant {
		for _, tc := range m.ToolCalls {
			fc := tc.Function
			r.hub.Emit(events.Event{Kind: events.FunctionCall, FunctionCall: &fc, ToolCallID: tc.ID})
		}
		if r.afterAssistant != nil {
			r.afterAssistant(m)
		}
	}
}

// addChatCompletion records a full completion, publishes the chatCompletion
// event, and appends choice 0's message (when present) to the log.
func (r *Runner) addChatCompletion(c *chat.Completion) {
	r.mu.Lock()
	r.completions = append(r.completions, c)
	r.mu.Unlock()

	r.hub.Emit(events.Event{Kind: events.ChatCompletion, Completion: c})
	if ch := c.FirstChoice(); ch != nil {
		r.addMessage(ch.Message, true)
	}
}

// ─── Final summary emission ───────────────────────────────────────────────────

// emitFinalEvents publishes the best-effort summary sequence on the success
// path, in fixed order: finalChatCompletion, finalMessage, finalContent,
// finalFunctionCall, finalFunctionCallResult, totalUsage. Each fires only when
// the corresponding value exists.
func (r *Runner) emitFinalEvents() {
	if c := r.lastCompletion(); c != nil {
		r.hub.Emit(events.Event{Kind: events.FinalChatCompletion, Completion: c})
	}
	if m, ok := r.lastAssistantMessage(); ok {
		msg := m
		r.hub.Emit(events.Event{Kind: events.FinalMessage, Message: &msg})
		if m.Content != "" {
			r.hub.Emit(events.Event{Kind: events.FinalContent, Content: m.Content})
		}
	}
	if fc, id, ok := r.lastFunctionCall(); ok {
		call := fc
		r.hub.Emit(events.Event{Kind: events.FinalFunctionCall, FunctionCall: &call, ToolCallID: id})
	}
	if res, ok := r.lastFunctionCallResult(); ok {
		r.hub.Emit(events.Event{Kind: events.FinalFunctionCallResult, Content: res})
	}
	if usage, ok := r.totalUsage(); ok {
		u := usage
		r.hub.Emit(events.Event{Kind: events.TotalUsage, Usage: &u})
	}
}

// ─── Backward scans over log and history ──────────────────────────────────────

func (r *Runner) lastCompletion() *chat.Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.completions) == 0 {
		return nil
	}
	return r.completions[len(r.completions)-1]
}

func (r *Runner) lastAssistantMessage() (chat.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Role == chat.RoleAssistant {
			return r.messages[i], true
		}
	}
	return chat.Message{}, false
}

// lastFunctionCall returns the most recent invocation request: the legacy
// function call of the newest assistant message carrying one, or the last
// entry of its tool calls, whichever assistant message is newest.
func (r *Runner) lastFunctionCall() (chat.FunctionCall, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Role != chat.RoleAssistant {
			continue
		}
		if n := len(m.ToolCalls); n > 0 {
			tc := m.ToolCalls[n-1]
			return tc.Function, tc.ID, true
		}
		if m.FunctionCall != nil {
			return *m.FunctionCall, "", true
		}
	}
	return chat.FunctionCall{}, "", false
}

func (r *Runner) lastFunctionCallResult() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].IsCallResult() {
			return r.messages[i].Content, true
		}
	}
	return "", false
}

// totalUsage sums token usage across all completions that reported it. ok is
// false when none did.
func (r *Runner) totalUsage() (chat.Usage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum chat.Usage
	found := false
	for _, c := range r.completions {
		if c.Usage != nil {
			sum.Add(*c.Usage)
			found = true
		}
	}
	return sum, found
}

// ─── Blocking accessors ───────────────────────────────────────────────────────

// Connected blocks until the first request succeeds, or the run fails first.
func (r *Runner) Connected(ctx context.Context) error {
	r.caught.Store(true)
	_, err := r.connected.wait(ctx)
	return err
}

// Done blocks until the run reaches a terminal state: nil on normal end, the
// terminal error on the error and abort paths.
func (r *Runner) Done(ctx context.Context) error {
	r.caught.Store(true)
	_, err := r.ended.wait(ctx)
	return err
}

// FinalChatCompletion waits for the run to finish and returns the last
// completion received. It fails when the run produced none.
func (r *Runner) FinalChatCompletion(ctx context.Context) (*chat.Completion, error) {
	if err := r.Done(ctx); err != nil {
		return nil, err
	}
	c := r.lastCompletion()
	if c == nil {
		return nil, errNoCompletion
	}
	return c, nil
}

// FinalMessage waits for the run to finish and returns the last assistant
// message appended to the log. It fails when the model never replied.
func (r *Runner) FinalMessage(ctx context.Context) (chat.Message, error) {
	if err := r.Done(ctx); err != nil {
		return chat.Message{}, err
	}
	m, ok := r.lastAssistantMessage()
	if !ok {
		return chat.Message{}, errNoAssistantMessage
	}
	return m, nil
}

// FinalContent waits for the run to finish and returns the last assistant
// message's text, or "" when the model produced no text.
func (r *Runner) FinalContent(ctx context.Context) (string, error) {
	if err := r.Done(ctx); err != nil {
		return "", err
	}
	m, _ := r.lastAssistantMessage()
	return m.Content, nil
}

// FinalFunctionCall waits for the run to finish and returns the most recent
// function/tool invocation request, or nil when none was ever made — an
// optional outcome, not an error.
func (r *Runner) FinalFunctionCall(ctx context.Context) (*chat.FunctionCall, error) {
	if err := r.Done(ctx); err != nil {
		return nil, err
	}
	fc, _, ok := r.lastFunctionCall()
	if !ok {
		return nil, nil
	}
	return &fc, nil
}

// FinalFunctionCallResult waits for the run to finish and returns the most
// recent function/tool result content. ok is false when no result was ever
// produced.
func (r *Runner) FinalFunctionCallResult(ctx context.Context) (result string, ok bool, err error) {
	if err := r.Done(ctx); err != nil {
		return "", false, err
	}
	result, ok = r.lastFunctionCallResult()
	return result, ok, nil
}

// TotalUsage waits for the run to finish and returns summed token usage
// across all completions. The zero Usage is returned when no completion
// reported usage.
func (r *Runner) TotalUsage(ctx context.Context) (chat.Usage, error) {
	if err := r.Done(ctx); err != nil {
		return chat.Usage{}, err
	}
	u, _ := r.totalUsage()
	return u, nil
}

// AllChatCompletions returns the completion history so far. Unlike the Final
// accessors it does not wait for the run to finish.
func (r *Runner) AllChatCompletions() []*chat.Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*chat.Completion, len(r.completions))
	copy(out, r.completions)
	return out
}

// Messages returns a copy of the conversation log so far.
func (r *Runner) Messages() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.Message, len(r.messages))
	copy(out, r.messages)
	return out
}
