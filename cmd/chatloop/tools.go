package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/runner"
)

// builtinFunctions returns the tools every chatloop instance offers alongside
// whatever the configured MCP servers provide.
func builtinFunctions() []runner.RunnableFunction {
	return []runner.RunnableFunction{currentTime(), rollDice()}
}

type currentTimeArgs struct {
	// Timezone is an IANA timezone name, e.g. "Europe/Berlin". Empty means UTC.
	Timezone string `json:"timezone"`
}

func currentTime() runner.RunnableFunction {
	return runner.Function(chat.FunctionDefinition{
		Name:        "currentTime",
		Description: "Returns the current date and time, optionally in a given IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. Europe/Berlin. Defaults to UTC.",
				},
			},
		},
	}, func(_ context.Context, args currentTimeArgs, _ *runner.Runner) (any, error) {
		loc := time.UTC
		if args.Timezone != "" {
			l, err := time.LoadLocation(args.Timezone)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q: %w", args.Timezone, err)
			}
			loc = l
		}
		return time.Now().In(loc).Format(time.RFC1123), nil
	})
}

type rollDiceArgs struct {
	Sides int `json:"sides"`
	Count int `json:"count"`
}

func rollDice() runner.RunnableFunction {
	return runner.Function(chat.FunctionDefinition{
		Name:        "rollDice",
		Description: "Rolls dice and returns the individual results and their sum.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sides": map[string]any{
					"type":        "integer",
					"description": "Number of sides per die. Defaults to 6.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Number of dice to roll. Defaults to 1, at most 100.",
				},
			},
		},
	}, func(_ context.Context, args rollDiceArgs, _ *runner.Runner) (any, error) {
		sides := args.Sides
		if sides <= 0 {
			sides = 6
		}
		count := args.Count
		if count <= 0 {
			count = 1
		}
		if count > 100 {
			return nil, fmt.Errorf("at most 100 dice per roll, got %d", count)
		}

		rolls := make([]int, count)
		sum := 0
		for i := range rolls {
			rolls[i] = rand.IntN(sides) + 1
			sum += rolls[i]
		}
		return map[string]any{"rolls": rolls, "sum": sum}, nil
	})
}
