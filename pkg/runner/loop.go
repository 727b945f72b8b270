package runner

import (
	"fmt"

	"github.com/MrWong99/chatloop/pkg/chat"
)

// runLoop is the shared control loop for both calling styles. Its shape:
// validate, replay the initial messages, then round-trip with the service up
// to the iteration cap, executing requested calls between trips. It returns
// nil when the conversation completed (no further call requested, pinned call
// satisfied, or cap reached) and an error only for failures that terminate the
// whole run.
func (r *Runner) runLoop() error {
	if r.params.N > 1 {
		return fmt.Errorf("runner: n must be 1 when using the runner, got %d; the runner's accounting only supports single-candidate sampling", r.params.N)
	}

	// The caller's initial messages are replayed into the log, not announced:
	// events describe what the run produced, not what it was given.
	for _, m := range r.params.Messages {
		r.addMessage(m, false)
	}

	pinned := r.params.PinnedName()

	for i := 0; i < r.maxChatCompletions; i++ {
		r.setState(StateConnecting)

		comp, err := r.roundTrip(r.ctx, r.requestParams())
		if err != nil {
			return err
		}
		r.addChatCompletion(comp)

		choice := comp.FirstChoice()
		if choice == nil {
			return nil
		}

		switch r.mode {
		case modeFunctions:
			if choice.Message.FunctionCall == nil {
				return nil
			}
			r.setState(StateAwaitingExecution)
			satisfied, err := r.executeFunctionCall(*choice.Message.FunctionCall, pinned)
			if err != nil {
				return err
			}
			if satisfied {
				return nil
			}

		case modeTools:
			if len(choice.Message.ToolCalls) == 0 {
				return nil
			}
			r.setState(StateAwaitingExecution)
			// Multiple calls within one assistant message execute
			// sequentially, in message order, before the next round-trip.
			for _, tc := range choice.Message.ToolCalls {
				if tc.Type != chat.ToolCallTypeFunction {
					continue
				}
				satisfied, err := r.executeToolCall(tc, pinned)
				if err != nil {
					return err
				}
				if satisfied {
					return nil
				}
			}
		}
	}

	return nil
}

// requestParams assembles the params for one round-trip: the caller's sampling
// parameters, the full current transcript, and the declarations derived from
// the registry.
func (r *Runner) requestParams() chat.Params {
	p := r.params
	p.Messages = r.Messages()
	switch r.mode {
	case modeTools:
		p.Tools = r.tools
		p.Functions = nil
	case modeFunctions:
		p.Functions = r.functions
		p.Tools = nil
	}
	return p
}

// executeFunctionCall handles one legacy function call. satisfied reports that
// the pinned function was invoked successfully, ending the loop. Unknown
// names, pinned mismatches and parse failures are recovered into corrective
// result messages; only the executable itself can fail the run.
func (r *Runner) executeFunctionCall(fc chat.FunctionCall, pinned string) (satisfied bool, err error) {
	fn, ok := r.registry[fc.Name]
	if !ok {
		r.addMessage(chat.FunctionMessage(fc.Name, r.invalidCallContent("function_call", fc.Name)), true)
		return false, nil
	}
	if pinned != "" && fc.Name != pinned {
		r.addMessage(chat.FunctionMessage(fc.Name, mismatchedCallContent("function_call", fc.Name, pinned)), true)
		return false, nil
	}

	content, ok, err := r.invoke(fn, fc.Arguments)
	if err != nil {
		return false, err
	}
	r.addMessage(chat.FunctionMessage(fc.Name, content), true)
	return ok && pinned != "", nil
}

// executeToolCall handles one tool call, correlating its result by call id.
func (r *Runner) executeToolCall(tc chat.ToolCall, pinned string) (satisfied bool, err error) {
	name := tc.Function.Name
	fn, ok := r.registry[name]
	if !ok {
		r.addMessage(chat.ToolMessage(tc.ID, r.invalidCallContent("tool_call", name)), true)
		return false, nil
	}
	if pinned != "" && name != pinned {
		r.addMessage(chat.ToolMessage(tc.ID, mismatchedCallContent("tool_call", name, pinned)), true)
		return false, nil
	}

	content, ok, err := r.invoke(fn, tc.Function.Arguments)
	if err != nil {
		return false, err
	}
	r.addMessage(chat.ToolMessage(tc.ID, content), true)
	return ok && pinned != "", nil
}

// invoke parses arguments and runs the executable. A parse failure returns
// its message as the result content with ok false; an executable failure is
// fatal and propagates as err.
func (r *Runner) invoke(fn RunnableFunction, arguments string) (content string, ok bool, err error) {
	var args any = arguments
	if fn.Parse != nil {
		parsed, perr := fn.Parse(arguments)
		if perr != nil {
			return perr.Error(), false, nil
		}
		args = parsed
	}

	out, err := fn.Run(r.ctx, args, r)
	if err != nil {
		return "", false, fmt.Errorf("runner: %s: %w", fn.Function.Name, err)
	}
	return stringifyOutput(out), true, nil
}
