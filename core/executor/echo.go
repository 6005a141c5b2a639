package executor

import (
	"context"

	"github.com/cordum/toolforge/core/tool"
)

const echoStepsKey = "steps"

// Echo is a development executor. It returns the input as its only output
// and counts steps in state; an input with "continue": true offers one
// follow-up action.
func Echo() tool.Executor {
	return Func(func(ctx context.Context, req *tool.ExecRequest) (*tool.ExecResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		input := req.Input.Clone()
		if input == nil {
			input = tool.NewObject()
		}
		state := req.State.Clone()
		if state == nil {
			state = tool.NewObject()
		}
		var steps int64
		if v, ok := state.Get(echoStepsKey); ok {
			if n, ok := v.AsNumber(); ok {
				steps, _ = n.Int64()
			}
		}
		state.Set(echoStepsKey, tool.Int(steps+1))

		payload := tool.UIPayload{Outputs: []tool.Value{tool.ObjectValue(input)}}
		if v, ok := input.Get("continue"); ok {
			if more, _ := v.AsBool(); more {
				payload.NextActions = []tool.NextAction{{ID: "again", Label: "Run again"}}
				payload.State = state
			}
		}
		return &tool.ExecResult{
			Status:    tool.RunSucceeded,
			Stdout:    req.Content.Entrypoint,
			UIPayload: payload,
		}, nil
	})
}
