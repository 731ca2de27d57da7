package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	responses []GenerateResponse
	requests  []GenerateRequest
}

func (s *scriptedLLM) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return GenerateResponse{}, ProviderInfo{}, errors.New("script exhausted")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, ProviderInfo{Name: "scripted"}, nil
}

func TestRunWithToolsFeedsResultsBack(t *testing.T) {
	llm := &scriptedLLM{responses: []GenerateResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "add_citation", Arguments: `{}`}}, TokensUsed: 10},
		{Text: "final [@smith2020]", TokensUsed: 5},
	}}
	calls := 0
	resp, _, err := RunWithTools(context.Background(), llm, GenerateRequest{Prompt: "write", Tools: []Tool{{Name: "add_citation"}}},
		func(ctx context.Context, call ToolCall) (string, error) {
			calls++
			return `{"marker":"[@smith2020]"}`, nil
		}, 4)
	require.NoError(t, err)
	require.Equal(t, "final [@smith2020]", resp.Text)
	require.Equal(t, 15, resp.TokensUsed)
	require.Equal(t, 1, calls)

	second := llm.requests[1].Messages
	require.Equal(t, RoleAssistant, second[len(second)-2].Role)
	require.Equal(t, RoleTool, second[len(second)-1].Role)
	require.Equal(t, "c1", second[len(second)-1].ToolCallID)
}

func TestRunWithToolsWithdrawsToolsAfterMaxRounds(t *testing.T) {
	loop := GenerateResponse{ToolCalls: []ToolCall{{ID: "c", Name: "t"}}}
	llm := &scriptedLLM{responses: []GenerateResponse{loop, loop, {Text: "done"}}}
	resp, _, err := RunWithTools(context.Background(), llm, GenerateRequest{Prompt: "p", Tools: []Tool{{Name: "t"}}},
		func(ctx context.Context, call ToolCall) (string, error) { return "{}", nil }, 2)
	require.NoError(t, err)
	require.Equal(t, "done", resp.Text)
	require.Nil(t, llm.requests[2].Tools)
}

func TestMockSectionCallsCitationTool(t *testing.T) {
	m := NewMockProvider(8)
	req := GenerateRequest{
		Operation: "section",
		Prompt:    "Write about [chunk:c1 paper:p-1]",
		Tools:     []Tool{{Name: "add_citation"}},
	}
	resp, _, err := RunWithTools(context.Background(), m, req, func(ctx context.Context, call ToolCall) (string, error) {
		require.Contains(t, call.Arguments, "p-1")
		return `{"marker":"[@doe2021]"}`, nil
	}, 3)
	require.NoError(t, err)
	require.Contains(t, resp.Text, "[@doe2021]")
}
