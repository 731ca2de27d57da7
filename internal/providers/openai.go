package providers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIProvider talks to OpenAI or any OpenAI-compatible endpoint (Groq, Ollama).
type OpenAIProvider struct {
	name       string
	keyName    string
	chatModel  string
	embedModel string
	hasKey     bool
	client     openai.Client
}

type openAIPreset struct {
	baseURL    string
	keyEnv     string
	chatModel  string
	embedModel string
	keyless    bool
}

var openAIPresets = map[string]openAIPreset{
	"openai": {keyEnv: "OPENAI", chatModel: openai.ChatModelGPT4oMini, embedModel: string(openai.EmbeddingModelTextEmbedding3Small)},
	"groq":   {baseURL: "https://api.groq.com/openai/v1/", keyEnv: "GROQ", chatModel: "llama-3.1-8b-instant"},
	"ollama": {baseURL: "http://localhost:11434/v1/", keyEnv: "OLLAMA", chatModel: "llama3.1", embedModel: "nomic-embed-text", keyless: true},
}

func NewOpenAIProvider(name, keyAlias string) (*OpenAIProvider, error) {
	preset, ok := openAIPresets[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
	prefix := "GENPAPER_" + preset.keyEnv
	apiKey := resolveKey(prefix, preset.keyEnv+"_API_KEY", keyAlias)
	if preset.keyless && apiKey == "" {
		apiKey = "ollama"
	}
	baseURL := preset.baseURL
	if v := os.Getenv(prefix + "_BASE_URL"); v != "" {
		baseURL = v
	}
	chatModel := envOr(prefix+"_MODEL", preset.chatModel)
	embedModel := envOr(prefix+"_EMBED_MODEL", preset.embedModel)

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(2),
		option.WithRequestTimeout(90 * time.Second),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		name:       strings.ToLower(name),
		keyName:    keyAlias,
		chatModel:  chatModel,
		embedModel: embedModel,
		hasKey:     apiKey != "",
		client:     openai.NewClient(opts...),
	}, nil
}

func (o *OpenAIProvider) info(model string) ProviderInfo {
	return ProviderInfo{Name: o.name, Model: model, Key: o.keyName}
}

func (o *OpenAIProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	info := o.info(o.embedModel)
	if !o.hasKey {
		return nil, info, fmt.Errorf("%s key missing for alias %q", o.name, o.keyName)
	}
	if o.embedModel == "" {
		return nil, info, fmt.Errorf("%s has no embedding model configured", o.name)
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Inputs},
		Model: openai.EmbeddingModel(o.embedModel),
	}
	if req.Dimension > 0 && strings.HasPrefix(o.embedModel, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(req.Dimension))
	}
	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, info, Sentinel(fmt.Errorf("%s embedding request failed: %w", o.name, err))
	}
	out := make([][]float32, len(req.Inputs))
	for _, d := range resp.Data {
		if int(d.Index) >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			vec[i] = float32(x)
		}
		out[d.Index] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, info, fmt.Errorf("%s embedding response missing index %d", o.name, i)
		}
	}
	return out, info, nil
}

func (o *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	info := o.info(o.chatModel)
	if !o.hasKey {
		return GenerateResponse{}, info, fmt.Errorf("%s key missing for alias %q", o.name, o.keyName)
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(o.chatModel),
		Messages: toOpenAIMessages(req.Conversation()),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &shared.ResponseFormatJSONObjectParam{}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(t.Parameters),
		}))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return GenerateResponse{}, info, Sentinel(fmt.Errorf("%s chat request failed: %w", o.name, err))
	}
	if len(resp.Choices) == 0 {
		return GenerateResponse{}, info, fmt.Errorf("%s returned empty choices", o.name)
	}
	choice := resp.Choices[0]
	out := GenerateResponse{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		TokensUsed:   int(resp.Usage.TotalTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, info, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)}
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func resolveKey(prefix, fallbackEnv, alias string) string {
	if alias != "" {
		if k := os.Getenv(prefix + "_KEY_" + strings.ToUpper(alias)); k != "" {
			return k
		}
	}
	return os.Getenv(fallbackEnv)
}

func envOr(k, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return fallback
}
