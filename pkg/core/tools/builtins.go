package tools

import (
	"context"
	"fmt"
	"time"
)

// Builtins returns the standard telephony tool set.
func Builtins() []*Tool {
	return []*Tool{Hangup(), Transfer(), CurrentTime()}
}

// Hangup ends the call. Terminal: the orchestrator speaks the farewell
// before the side effect runs.
func Hangup() *Tool {
	return &Tool{
		Name:        "hangup",
		Description: "End the call when the conversation is finished or the caller asks to hang up.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Terminal: true,
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if err := inv.Exec.ControlPlane.EndCall(ctx, inv.CallID); err != nil {
				return nil, err
			}
			return &Result{Success: true, Content: "call ended"}, nil
		},
	}
}

// Transfer refers the caller to another destination. Terminal.
func Transfer() *Tool {
	return &Tool{
		Name:        "transfer",
		Description: "Transfer the caller to a human or another department.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target": map[string]any{
					"type":        "string",
					"description": "Destination number or named endpoint, e.g. 'sales'.",
				},
			},
			"required": []string{"target"},
		},
		Terminal: true,
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			target, _ := inv.Arguments["target"].(string)
			if target == "" {
				return &Result{Success: false, Err: "transfer requires a target"}, nil
			}
			if err := inv.Exec.ControlPlane.Transfer(ctx, inv.CallID, target); err != nil {
				return nil, err
			}
			return &Result{Success: true, Content: "transferred to " + target}, nil
		},
	}
}

// CurrentTime reports the current time. Non-terminal sample tool.
func CurrentTime() *Tool {
	return &Tool{
		Name:        "current_time",
		Description: "Get the current date and time.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			now := time.Now()
			return &Result{
				Success: true,
				Content: fmt.Sprintf("It is %s on %s.", now.Format("3:04 PM"), now.Format("Monday, January 2, 2006")),
			}, nil
		},
	}
}
