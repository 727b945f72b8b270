package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/chatloop/pkg/chat"
)

// RunnableFunction pairs a function declaration with the local code that
// executes it. The declaration is what crosses the service boundary; Parse and
// Run never leave the process.
//
// The same descriptor serves both calling styles: RunFunctions correlates
// results by name, RunTools by tool-call id.
type RunnableFunction struct {
	// Function declares the callable to the model.
	Function chat.FunctionDefinition

	// Parse, when non-nil, converts the model's serialized arguments before
	// Run is invoked. A parse failure is not fatal: it is fed back to the
	// model as the call's result so it can correct itself. When nil, Run
	// receives the raw argument string unchanged.
	Parse func(arguments string) (any, error)

	// Run executes the call. args is Parse's output (or the raw string when
	// Parse is nil). The runner itself is passed so tools can inspect the
	// transcript so far. A returned error is fatal to the whole run.
	Run func(ctx context.Context, args any, r *Runner) (any, error)
}

// Function builds a RunnableFunction whose arguments are JSON-decoded into T.
func Function[T any](def chat.FunctionDefinition, run func(ctx context.Context, args T, r *Runner) (any, error)) RunnableFunction {
	return RunnableFunction{
		Function: def,
		Parse: func(arguments string) (any, error) {
			var v T
			if err := json.Unmarshal([]byte(arguments), &v); err != nil {
				return nil, fmt.Errorf("failed to parse arguments for %s: %w", def.Name, err)
			}
			return v, nil
		},
		Run: func(ctx context.Context, args any, r *Runner) (any, error) {
			return run(ctx, args.(T), r)
		},
	}
}

// stringifyOutput converts a tool's return value into result-message content:
// strings pass through unchanged, an untyped nil becomes the literal
// "undefined", everything else is JSON-encoded. The encoding is lossy for
// values JSON cannot represent (channels, funcs); such values fall back to
// their fmt rendering. This is an accepted limitation, not a bug.
func stringifyOutput(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "undefined"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// invalidCallContent builds the corrective result fed back to the model when
// it requests a name absent from the registry. kind is "function_call" or
// "tool_call" depending on the calling style.
func (r *Runner) invalidCallContent(kind, name string) string {
	quoted := make([]string, len(r.names))
	for i, n := range r.names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	content := fmt.Sprintf("Invalid %s: %q. Available options are: %s. Please try again",
		kind, name, strings.Join(quoted, ", "))
	if s := r.closestName(name); s != "" {
		content += fmt.Sprintf(". Did you mean %q?", s)
	}
	return content
}

// mismatchedCallContent builds the corrective result fed back when the model
// names a function other than the one the caller pinned.
func mismatchedCallContent(kind, name, pinned string) string {
	return fmt.Sprintf("Invalid %s: %q. %q requested. Please try again", kind, name, pinned)
}

// closestNameThreshold is the minimum Jaro-Winkler similarity for a registered
// name to be suggested as the likely intended spelling.
const closestNameThreshold = 0.85

// closestName returns the registered name most similar to name, or "" when
// nothing clears the similarity threshold.
func (r *Runner) closestName(name string) string {
	best := ""
	bestScore := closestNameThreshold
	for _, candidate := range r.names {
		if score := matchr.JaroWinkler(name, candidate, false); score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	return best
}
