package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion/mock"
	"github.com/MrWong99/chatloop/pkg/events"
)

var errScripted = errors.New("scripted provider failure")

// addFunction is the arithmetic tool used throughout these tests.
func addFunction() RunnableFunction {
	return Function(chat.FunctionDefinition{
		Name:        "add",
		Description: "Adds two integers.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "integer"},
				"b": map[string]any{"type": "integer"},
			},
			"required": []string{"a", "b"},
		},
	}, func(_ context.Context, args struct{ A, B int }, _ *Runner) (any, error) {
		return args.A + args.B, nil
	})
}

func baseParams() chat.Params {
	return chat.Params{
		Model:    "mock",
		Messages: []chat.Message{chat.UserMessage("what is 2+3?")},
	}
}

// TestRunTools_ExecutesToolAndFinishes verifies the happy path: one tool
// round-trip, one final text reply.
func TestRunTools_ExecutesToolAndFinishes(t *testing.T) {
	svc := &mock.Service{Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("call_1", "add", `{"a":2,"b":3}`)},
		{Completion: mock.TextCompletion("the sum is 5", nil)},
	}}

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}

	content, err := r.FinalContent(t.Context())
	if err != nil {
		t.Fatalf("FinalContent: %v", err)
	}
	if content != "the sum is 5" {
		t.Errorf("FinalContent = %q, want %q", content, "the sum is 5")
	}

	result, ok, err := r.FinalFunctionCallResult(t.Context())
	if err != nil || !ok {
		t.Fatalf("FinalFunctionCallResult: ok=%v err=%v", ok, err)
	}
	if result != "5" {
		t.Errorf("FinalFunctionCallResult = %q, want %q", result, "5")
	}

	// The result message must be a tool message correlated to the call id.
	var toolMsg *chat.Message
	for _, m := range r.Messages() {
		if m.Role == chat.RoleTool {
			toolMsg = &m
			break
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool result message appended")
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool result ToolCallID = %q, want call_1", toolMsg.ToolCallID)
	}
	if toolMsg.Content != "5" {
		t.Errorf("tool result content = %q, want 5", toolMsg.Content)
	}

	if got := len(r.AllChatCompletions()); got != 2 {
		t.Errorf("AllChatCompletions len = %d, want 2", got)
	}
	if got := r.State(); got != StateDone {
		t.Errorf("State = %q, want %q", got, StateDone)
	}
}

// TestRunTools_CompletionEventCountMatchesHistory checks that every recorded
// completion produced exactly one chatCompletion event.
func TestRunTools_CompletionEventCountMatchesHistory(t *testing.T) {
	svc := &mock.Service{Delay: 10 * time.Millisecond, Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("", "add", `{"a":1,"b":1}`)},
		{Completion: mock.TextCompletion("2", nil)},
	}}

	var mu sync.Mutex
	count := 0
	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	r.On(events.ChatCompletion, func(events.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != len(r.AllChatCompletions()) {
		t.Errorf("chatCompletion events = %d, history = %d", count, len(r.AllChatCompletions()))
	}
}

// TestRunTools_PinnedToolStopsAfterOneIteration verifies the pinned-call
// early exit: once the pinned tool has produced its result no further
// round-trip is issued.
func TestRunTools_PinnedToolStopsAfterOneIteration(t *testing.T) {
	svc := &mock.Service{Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("call_1", "add", `{"a":2,"b":3}`)},
		// No second exchange: a second round-trip would exhaust the script.
	}}

	params := baseParams()
	params.ToolChoice = &chat.ToolChoice{
		Type:     chat.ToolCallTypeFunction,
		Function: chat.FunctionName{Name: "add"},
	}

	r := RunTools(t.Context(), svc, params, []RunnableFunction{addFunction()})
	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}

	if got := len(r.AllChatCompletions()); got != 1 {
		t.Errorf("AllChatCompletions len = %d, want 1", got)
	}
	result, ok, err := r.FinalFunctionCallResult(t.Context())
	if err != nil || !ok {
		t.Fatalf("FinalFunctionCallResult: ok=%v err=%v", ok, err)
	}
	if result != "5" {
		t.Errorf("FinalFunctionCallResult = %q, want 5", result)
	}
}

// TestRunTools_UnknownNameRecovers checks that an unregistered tool name is
// answered with a corrective message instead of failing the run.
func TestRunTools_UnknownNameRecovers(t *testing.T) {
	svc := &mock.Service{Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("call_1", "subtract", `{}`)},
		{Completion: mock.TextCompletion("sorry about that", nil)},
	}}

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}

	var corrective string
	for _, m := range r.Messages() {
		if m.Role == chat.RoleTool {
			corrective = m.Content
		}
	}
	want := `Invalid tool_call: "subtract". Available options are: "add". Please try again`
	if !strings.HasPrefix(corrective, want) {
		t.Errorf("corrective message = %q, want prefix %q", corrective, want)
	}
	if got := len(r.AllChatCompletions()); got != 2 {
		t.Errorf("AllChatCompletions len = %d, want 2 (loop must continue)", got)
	}
}

// TestRunTools_PinnedMismatchRecovers checks that calling a registered but
// non-pinned tool yields a corrective message and the loop continues.
func TestRunTools_PinnedMismatchRecovers(t *testing.T) {
	mul := Function(chat.FunctionDefinition{Name: "mul"},
		func(_ context.Context, args struct{ A, B int }, _ *Runner) (any, error) {
			return args.A * args.B, nil
		})

	svc := &mock.Service{Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("call_1", "mul", `{"a":2,"b":3}`)},
		{Completion: mock.ToolCallCompletion("call_2", "add", `{"a":2,"b":3}`)},
	}}

	params := baseParams()
	params.ToolChoice = &chat.ToolChoice{
		Type:     chat.ToolCallTypeFunction,
		Function: chat.FunctionName{Name: "add"},
	}

	r := RunTools(t.Context(), svc, params, []RunnableFunction{addFunction(), mul})
	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}

	msgs := r.Messages()
	var results []string
	for _, m := range msgs {
		if m.Role == chat.RoleTool {
			results = append(results, m.Content)
		}
	}
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want 2", len(results))
	}
	if want := `Invalid tool_call: "mul". "add" requested. Please try again`; results[0] != want {
		t.Errorf("first result = %q, want %q", results[0], want)
	}
	if results[1] != "5" {
		t.Errorf("second result = %q, want 5", results[1])
	}
}

// TestRunTools_ParseFailureRecovers feeds malformed arguments and expects the
// parse error back as the call's result.
func TestRunTools_ParseFailureRecovers(t *testing.T) {
	svc := &mock.Service{Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("call_1", "add", `{"a":`)},
		{Completion: mock.TextCompletion("let me retry", nil)},
	}}

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}

	var result string
	for _, m := range r.Messages() {
		if m.Role == chat.RoleTool {
			result = m.Content
			break
		}
	}
	if !strings.Contains(result, "failed to parse arguments for add") {
		t.Errorf("parse failure result = %q, want parse error text", result)
	}
}

// TestRunFunctions_LegacyCorrelationByName exercises the legacy surface:
// function-role results carrying the function name.
func TestRunFunctions_LegacyCorrelationByName(t *testing.T) {
	svc := &mock.Service{Script: []mock.Exchange{
		{Completion: mock.FunctionCallCompletion("add", `{"a":2,"b":3}`)},
		{Completion: mock.TextCompletion("it is 5", nil)},
	}}

	r := RunFunctions(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}

	var fnMsg *chat.Message
	for _, m := range r.Messages() {
		if m.Role == chat.RoleFunction {
			fnMsg = &m
			break
		}
	}
	if fnMsg == nil {
		t.Fatal("no function result message appended")
	}
	if fnMsg.Name != "add" {
		t.Errorf("function result Name = %q, want add", fnMsg.Name)
	}
	if fnMsg.Content != "5" {
		t.Errorf("function result content = %q, want 5", fnMsg.Content)
	}

	fc, err := r.FinalFunctionCall(t.Context())
	if err != nil {
		t.Fatalf("FinalFunctionCall: %v", err)
	}
	if fc == nil || fc.Name != "add" {
		t.Errorf("FinalFunctionCall = %+v, want add", fc)
	}
}

// TestRun_MultiCandidateRejected checks the up-front configuration error for
// n > 1: the run fails before any request is issued.
func TestRun_MultiCandidateRejected(t *testing.T) {
	svc := &mock.Service{}
	params := baseParams()
	params.N = 2

	r := RunTools(t.Context(), svc, params, []RunnableFunction{addFunction()})
	err := r.Done(t.Context())
	if err == nil {
		t.Fatal("Done = nil, want configuration error")
	}
	if !strings.Contains(err.Error(), "n must be 1") {
		t.Errorf("Done error = %v, want n-must-be-1 message", err)
	}
	if len(svc.NewCalls) != 0 {
		t.Errorf("service saw %d requests, want 0", len(svc.NewCalls))
	}
}

// TestAbort_BeforeResponse aborts a pending request and expects the abort
// path: Done rejects, no chatCompletion event, abort then end fire.
func TestAbort_BeforeResponse(t *testing.T) {
	svc := &mock.Service{
		Delay:  time.Minute,
		Script: []mock.Exchange{{Completion: mock.TextCompletion("never", nil)}},
	}

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})

	var mu sync.Mutex
	var order []events.Kind
	for _, k := range []events.Kind{events.ChatCompletion, events.Error, events.Abort, events.End} {
		k := k
		r.On(k, func(events.Event) {
			mu.Lock()
			order = append(order, k)
			mu.Unlock()
		})
	}

	r.Abort()
	if err := r.Done(t.Context()); err == nil {
		t.Fatal("Done = nil, want abort error")
	}
	if got := r.State(); got != StateAborted {
		t.Errorf("State = %q, want %q", got, StateAborted)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []events.Kind{events.Abort, events.End}
	if len(order) != len(want) {
		t.Fatalf("event order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event order = %v, want %v", order, want)
		}
	}
}

// TestEventOrdering_ConnectBeforeFirstCompletion asserts the connect event
// fires exactly once, strictly before the first chatCompletion.
func TestEventOrdering_ConnectBeforeFirstCompletion(t *testing.T) {
	svc := &mock.Service{Delay: 10 * time.Millisecond, Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("", "add", `{"a":1,"b":2}`)},
		{Completion: mock.TextCompletion("3", nil)},
	}}

	var mu sync.Mutex
	var order []events.Kind
	record := func(k events.Kind) events.Listener {
		return func(events.Event) {
			mu.Lock()
			order = append(order, k)
			mu.Unlock()
		}
	}

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	r.On(events.Connect, record(events.Connect))
	r.On(events.ChatCompletion, record(events.ChatCompletion))

	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	connects := 0
	for _, k := range order {
		if k == events.Connect {
			connects++
		}
	}
	if connects != 1 {
		t.Fatalf("connect fired %d times, want 1", connects)
	}
	if len(order) == 0 || order[0] != events.Connect {
		t.Errorf("event order = %v, want connect first", order)
	}
}

// TestNoEventsAfterEnd registers listeners for every event kind and asserts
// that nothing fires after end.
func TestNoEventsAfterEnd(t *testing.T) {
	svc := &mock.Service{Delay: 10 * time.Millisecond, Script: []mock.Exchange{
		{Completion: mock.TextCompletion("done", nil)},
	}}

	all := []events.Kind{
		events.Connect, events.Message, events.ChatCompletion, events.Content,
		events.Chunk, events.FunctionCall, events.FunctionCallResult,
		events.FinalContent, events.FinalMessage, events.FinalChatCompletion,
		events.FinalFunctionCall, events.FinalFunctionCallResult,
		events.TotalUsage, events.Error, events.Abort, events.End,
	}

	var mu sync.Mutex
	var last events.Kind
	ended := false
	afterEnd := 0

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	for _, k := range all {
		k := k
		r.On(k, func(events.Event) {
			mu.Lock()
			if ended {
				afterEnd++
			}
			if k == events.End {
				ended = true
			}
			last = k
			mu.Unlock()
		})
	}

	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}
	r.Abort() // must be inert after end

	mu.Lock()
	defer mu.Unlock()
	if last != events.End {
		t.Errorf("last event = %q, want end", last)
	}
	if afterEnd != 0 {
		t.Errorf("%d events observed after end, want 0", afterEnd)
	}
}

// TestTotalUsage_SumsAcrossCompletions checks usage aggregation over a
// two-completion run.
func TestTotalUsage_SumsAcrossCompletions(t *testing.T) {
	first := mock.ToolCallCompletion("call_1", "add", `{"a":2,"b":3}`)
	first.Usage = &chat.Usage{CompletionTokens: 10, PromptTokens: 5, TotalTokens: 15}
	second := mock.TextCompletion("5", &chat.Usage{CompletionTokens: 7, PromptTokens: 3, TotalTokens: 10})

	svc := &mock.Service{Delay: 10 * time.Millisecond, Script: []mock.Exchange{
		{Completion: first},
		{Completion: second},
	}}

	var got *chat.Usage
	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	r.On(events.TotalUsage, func(ev events.Event) { got = ev.Usage })

	usage, err := r.TotalUsage(t.Context())
	if err != nil {
		t.Fatalf("TotalUsage: %v", err)
	}
	want := chat.Usage{CompletionTokens: 17, PromptTokens: 8, TotalTokens: 25}
	if usage != want {
		t.Errorf("TotalUsage = %+v, want %+v", usage, want)
	}
	if got == nil || *got != want {
		t.Errorf("totalUsage event = %+v, want %+v", got, want)
	}
}

// TestFinalAccessors_Idempotent calls each accessor twice and expects
// identical results.
func TestFinalAccessors_Idempotent(t *testing.T) {
	svc := &mock.Service{Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("call_1", "add", `{"a":4,"b":4}`)},
		{Completion: mock.TextCompletion("eight", nil)},
	}}

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})

	c1, err1 := r.FinalContent(t.Context())
	c2, err2 := r.FinalContent(t.Context())
	if err1 != nil || err2 != nil || c1 != c2 {
		t.Errorf("FinalContent not idempotent: %q/%v vs %q/%v", c1, err1, c2, err2)
	}

	r1, ok1, _ := r.FinalFunctionCallResult(t.Context())
	r2, ok2, _ := r.FinalFunctionCallResult(t.Context())
	if ok1 != ok2 || r1 != r2 {
		t.Errorf("FinalFunctionCallResult not idempotent: %q/%v vs %q/%v", r1, ok1, r2, ok2)
	}

	m1, err1 := r.FinalMessage(t.Context())
	m2, err2 := r.FinalMessage(t.Context())
	if err1 != nil || err2 != nil || m1.Content != m2.Content {
		t.Errorf("FinalMessage not idempotent")
	}
}

// TestFinalMessage_DefaultsContent verifies that a call-only assistant
// message round-trips with empty (null-equivalent) content.
func TestFinalMessage_DefaultsContent(t *testing.T) {
	svc := &mock.Service{Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("call_1", "add", `{"a":1,"b":1}`)},
	}}

	params := baseParams()
	params.ToolChoice = &chat.ToolChoice{
		Type:     chat.ToolCallTypeFunction,
		Function: chat.FunctionName{Name: "add"},
	}

	r := RunTools(t.Context(), svc, params, []RunnableFunction{addFunction()})
	m, err := r.FinalMessage(t.Context())
	if err != nil {
		t.Fatalf("FinalMessage: %v", err)
	}
	if m.Content != "" {
		t.Errorf("call-only assistant content = %q, want empty", m.Content)
	}
	if len(m.ToolCalls) != 1 {
		t.Errorf("tool calls = %d, want 1", len(m.ToolCalls))
	}
}

// TestEmitted_ResolvesWithEvent waits for functionCallResult through the
// promise-style interface.
func TestEmitted_ResolvesWithEvent(t *testing.T) {
	svc := &mock.Service{Delay: 10 * time.Millisecond, Script: []mock.Exchange{
		{Completion: mock.ToolCallCompletion("call_1", "add", `{"a":2,"b":2}`)},
		{Completion: mock.TextCompletion("4", nil)},
	}}

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	ev, err := r.Emitted(t.Context(), events.FunctionCallResult)
	if err != nil {
		t.Fatalf("Emitted: %v", err)
	}
	if ev.Content != "4" {
		t.Errorf("functionCallResult content = %q, want 4", ev.Content)
	}
}

// TestEmitted_RejectsOnError asserts that waiting for a never-occurring event
// fails as soon as the error event fires.
func TestEmitted_RejectsOnError(t *testing.T) {
	svc := &mock.Service{Delay: 10 * time.Millisecond, Script: []mock.Exchange{
		{Err: errScripted},
	}}

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()})
	_, err := r.Emitted(t.Context(), events.FinalContent)
	if err == nil {
		t.Fatal("Emitted = nil error, want scripted failure")
	}
}

// TestIterationCap_StopsLoop scripts a model that requests tools forever and
// expects the loop to stop at the configured cap without error.
func TestIterationCap_StopsLoop(t *testing.T) {
	var script []mock.Exchange
	for range 5 {
		script = append(script, mock.Exchange{
			Completion: mock.ToolCallCompletion("", "add", `{"a":1,"b":1}`),
		})
	}
	svc := &mock.Service{Script: script}

	r := RunTools(t.Context(), svc, baseParams(), []RunnableFunction{addFunction()},
		WithMaxChatCompletions(3))
	if err := r.Done(t.Context()); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if got := len(r.AllChatCompletions()); got != 3 {
		t.Errorf("AllChatCompletions len = %d, want 3 (the cap)", got)
	}
}
