package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/clock"
	"github.com/emberhq/ember/pkg/llm"
)

// ToolUpdateViewingContext is the single tool exposed to the model: it
// sets the session's freeform viewing-context label.
const ToolUpdateViewingContext = "update_viewing_context"

type viewingContextArgs struct {
	Context string `json:"context"`
}

// Generator produces one assistant reply per turn, with at most one level
// of tool dispatch: if the first pass returns tool calls, the handlers run
// synchronously and a single follow-up call (without tool definitions)
// yields the reply text.
type Generator struct {
	gen    llm.Client
	clk    clock.Clock
	logger *Logger.Logger
}

func NewGenerator(gen llm.Client, clk clock.Clock, logger *Logger.Logger) *Generator {
	return &Generator{gen: gen, clk: clk, logger: logger}
}

func (g *Generator) tools() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        ToolUpdateViewingContext,
			Description: "Record what the user is currently looking at or doing, as a short freeform label.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"context": map[string]any{
						"type":        "string",
						"description": "Short description of what the user is viewing.",
					},
				},
				"required": []string{"context"},
			},
		},
	}
}

// Reply appends the committed user message, invokes the generation
// service and returns the assistant text. The window ends up with the
// user turn, any tool exchange, and the assistant turn appended.
func (g *Generator) Reply(ctx context.Context, w *Window, userMsg types.ChatMessage) (string, error) {
	w.Append(userMsg)

	out, err := g.gen.Complete(ctx, llm.Request{Msgs: w.Snapshot(), Tools: g.tools()})
	if err != nil {
		return "", fmt.Errorf("generation call failed: %w", err)
	}

	if out.Kind == llm.OutcomeText {
		w.Append(types.NewChatMessage(llm.ASSISTANT, out.Text))
		return out.Text, nil
	}

	// tool pass: record the invocation, run handlers, then one follow-up
	// call without tool definitions to bound recursion to depth one
	w.Append(types.ChatMessage{
		Role:      llm.ASSISTANT,
		ToolCalls: out.ToolCalls,
		CreatedAt: g.clk.Now(),
	})
	for _, call := range out.ToolCalls {
		w.Append(types.ChatMessage{
			Role:       llm.TOOL,
			Text:       g.runTool(w, call),
			ToolCallID: call.ID,
			CreatedAt:  g.clk.Now(),
		})
	}

	followUp, err := g.gen.Complete(ctx, llm.Request{Msgs: w.Snapshot()})
	if err != nil {
		return "", fmt.Errorf("follow-up generation failed: %w", err)
	}
	if followUp.Kind != llm.OutcomeText {
		return "", fmt.Errorf("follow-up generation returned tool calls")
	}

	w.Append(types.NewChatMessage(llm.ASSISTANT, followUp.Text))
	return followUp.Text, nil
}

func (g *Generator) runTool(w *Window, call llm.ToolCall) string {
	if call.Name != ToolUpdateViewingContext {
		g.logger.Warnf("model requested unknown tool %q", call.Name)
		return fmt.Sprintf("unknown tool: %s", call.Name)
	}

	var args viewingContextArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		g.logger.Warnf("bad arguments for %s: %v", call.Name, err)
		return "invalid arguments"
	}

	w.SetViewingLabel(args.Context)
	return "viewing context updated"
}
