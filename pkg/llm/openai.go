package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

type openAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAI builds a Client backed by the OpenAI chat completions API.
func NewOpenAI(apiKey, model string) Client {
	return &openAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements Client.
func (o *openAIClient) Complete(ctx context.Context, req Request) (*Outcome, error) {
	params := openai.ChatCompletionNewParams{
		Messages: convertMessages(req.Msgs),
		Model:    shared.ChatModel(o.model),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	choice := completion.Choices[0].Message
	if len(choice.ToolCalls) > 0 {
		calls := make([]ToolCall, 0, len(choice.ToolCalls))
		for _, tc := range choice.ToolCalls {
			calls = append(calls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return &Outcome{Kind: OutcomeToolCalls, ToolCalls: calls}, nil
	}

	return &Outcome{Kind: OutcomeText, Text: choice.Content}, nil
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		converted = append(converted, convertMessage(msg))
	}
	return converted
}

func convertMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	switch msg.Role {
	case SYSTEM:
		return openai.SystemMessage(msg.Content)
	case ASSISTANT:
		if len(msg.ToolCalls) > 0 {
			return toolInvocationMessage(msg)
		}
		return openai.AssistantMessage(msg.Content)
	case TOOL:
		return openai.ToolMessage(msg.Content, msg.ToolCallID)
	default:
		if len(msg.Images) > 0 {
			return multimodalUserMessage(msg)
		}
		return openai.UserMessage(msg.Content)
	}
}

func toolInvocationMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func multimodalUserMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Images)+1)
	if msg.Content != "" {
		parts = append(parts, openai.TextContentPart(msg.Content))
	}
	for _, img := range msg.Images {
		parts = append(parts, openai.ImageContentPart(
			openai.ChatCompletionContentPartImageImageURLParam{URL: img},
		))
	}
	return openai.UserMessage(parts)
}

func convertTools(tools []ToolSpec) []openai.ChatCompletionToolParam {
	converted := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		converted = append(converted, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return converted
}
