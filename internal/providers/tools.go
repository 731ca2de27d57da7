package providers

import (
	"context"
	"fmt"
)

// ToolHandler executes one tool call and returns the content sent back to the model.
type ToolHandler func(ctx context.Context, call ToolCall) (string, error)

// RunWithTools drives a tool-calling conversation until the model answers without tool calls.
// After maxRounds the tools are withdrawn so the model has to produce text.
func RunWithTools(ctx context.Context, llm LLMProvider, req GenerateRequest, handle ToolHandler, maxRounds int) (GenerateResponse, ProviderInfo, error) {
	if maxRounds <= 0 {
		maxRounds = 8
	}
	req.Messages = req.Conversation()
	tokens := 0
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return GenerateResponse{}, ProviderInfo{}, err
		}
		if round >= maxRounds {
			req.Tools = nil
		}
		resp, info, err := llm.Generate(ctx, req)
		if err != nil {
			return GenerateResponse{}, info, err
		}
		tokens += resp.TokensUsed
		if len(resp.ToolCalls) == 0 || len(req.Tools) == 0 {
			resp.TokensUsed = tokens
			return resp, info, nil
		}
		req.Messages = append(req.Messages, Message{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			out, err := handle(ctx, call)
			if err != nil {
				return GenerateResponse{}, info, fmt.Errorf("tool %s: %w", call.Name, err)
			}
			req.Messages = append(req.Messages, Message{Role: RoleTool, ToolCallID: call.ID, Content: out})
		}
	}
}
