package providers

import "context"

type ProviderInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Key   string `json:"key"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a function the model may call. Parameters is a JSON schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// GenerateRequest either carries a System/Prompt/Context triple or a full Messages history.
type GenerateRequest struct {
	Operation   string    `json:"operation"`
	ProjectID   string    `json:"project_id,omitempty"`
	System      string    `json:"system,omitempty"`
	Prompt      string    `json:"prompt"`
	Context     []string  `json:"context"`
	Messages    []Message `json:"messages,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	JSON        bool      `json:"json,omitempty"`
}

// Conversation returns the request as a message list.
func (r GenerateRequest) Conversation() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	out := make([]Message, 0, 2)
	if r.System != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.System})
	}
	prompt := r.Prompt
	if len(r.Context) > 0 {
		prompt += "\n\nContext:\n"
		for i, c := range r.Context {
			if i > 0 {
				prompt += "\n\n"
			}
			prompt += c
		}
	}
	return append(out, Message{Role: RoleUser, Content: prompt})
}

type GenerateResponse struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	TokensUsed   int        `json:"tokens_used,omitempty"`
}

type EmbedRequest struct {
	Operation string   `json:"operation"`
	Inputs    []string `json:"inputs"`
	Dimension int      `json:"dimension"`
}

type LLMProvider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error)
}

type EmbeddingProvider interface {
	Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error)
}
