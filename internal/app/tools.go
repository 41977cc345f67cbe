package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/domovoy-ai/domovoy/internal/pipeline"
	"github.com/domovoy-ai/domovoy/internal/stream"
)

// CommandProcessor is the pipeline slice the streaming tool bridge needs.
type CommandProcessor interface {
	Process(ctx context.Context, req pipeline.Request) *pipeline.Response
	ProcessConfirmation(ctx context.Context, userID string, confirmed bool, channel pipeline.Channel) *pipeline.Response
}

// commandTools bridges model-requested tool calls from a streaming session
// into the command pipeline. The model sees two tools: run_command for
// arbitrary user commands and confirm_action for pending action plans.
type commandTools struct {
	pipeline CommandProcessor
}

var _ stream.ToolExecutor = (*commandTools)(nil)

type runCommandArgs struct {
	Command string `json:"command"`
}

type confirmActionArgs struct {
	Confirmed bool `json:"confirmed"`
}

// toolResult is the JSON payload handed back to the model as tool output.
type toolResult struct {
	Type              string `json:"type"`
	Response          string `json:"response"`
	NeedsConfirmation bool   `json:"needs_confirmation,omitempty"`
}

func (t *commandTools) Execute(ctx context.Context, userID, name, arguments string) (string, error) {
	switch name {
	case "run_command":
		var args runCommandArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("app: run_command arguments: %w", err)
		}
		if args.Command == "" {
			return "", fmt.Errorf("app: run_command: command is required")
		}
		resp := t.pipeline.Process(ctx, pipeline.Request{
			UserID:         userID,
			Command:        args.Command,
			Channel:        pipeline.ChannelVoice,
			IncludeContext: true,
		})
		return marshalResult(resp)

	case "confirm_action":
		var args confirmActionArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("app: confirm_action arguments: %w", err)
		}
		resp := t.pipeline.ProcessConfirmation(ctx, userID, args.Confirmed, pipeline.ChannelVoice)
		return marshalResult(resp)

	default:
		return "", fmt.Errorf("app: unknown tool %q", name)
	}
}

func marshalResult(resp *pipeline.Response) (string, error) {
	out, err := json.Marshal(toolResult{
		Type:              string(resp.Type),
		Response:          resp.Text,
		NeedsConfirmation: resp.NeedsConfirmation,
	})
	if err != nil {
		return "", fmt.Errorf("app: marshal tool result: %w", err)
	}
	return string(out), nil
}
