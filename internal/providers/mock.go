package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// MockProvider is deterministic. It answers the pipeline operations with well-formed output
// so the full flow runs without network access.
type MockProvider struct {
	dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 1536
	}
	return &MockProvider{dim: dim}
}

func (m *MockProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	_ = ctx
	dim := req.Dimension
	if dim <= 0 {
		dim = m.dim
	}
	vectors := make([][]float32, 0, len(req.Inputs))
	for _, input := range req.Inputs {
		vectors = append(vectors, deterministicVector(input, dim))
	}
	return vectors, ProviderInfo{Name: "mock", Model: fmt.Sprintf("mock-embed-%d", dim), Key: "mock"}, nil
}

var mockPaperRef = regexp.MustCompile(`paper:([A-Za-z0-9_-]+)`)

func (m *MockProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	_ = ctx
	info := ProviderInfo{Name: "mock", Model: "mock-llm-v1", Key: "mock"}
	conv := req.Conversation()
	last := conv[len(conv)-1]
	all := make([]string, 0, len(conv))
	for _, msg := range conv {
		all = append(all, msg.Content)
	}
	text := strings.Join(all, "\n")

	switch op := strings.ToLower(req.Operation); {
	case strings.Contains(op, "outline"):
		ids := uniqueRefs(text)
		b, _ := json.Marshal(map[string]any{
			"title": "Mock Review",
			"sections": []map[string]any{
				{"key": "overview", "title": "Overview", "key_points": []string{"scope"}, "paper_ids": ids, "expected_words": 300},
			},
		})
		return GenerateResponse{Text: string(b)}, info, nil
	case strings.Contains(op, "review"):
		return GenerateResponse{Text: `{"score": 80, "issues": []}`}, info, nil
	case strings.Contains(op, "rewrite"):
		return GenerateResponse{Text: "Rewritten section with fresh phrasing."}, info, nil
	case strings.Contains(op, "section"):
		if last.Role != RoleTool && len(req.Tools) > 0 {
			if ids := uniqueRefs(text); len(ids) > 0 {
				args, _ := json.Marshal(map[string]string{"paper_id": ids[0], "reason": "supporting evidence"})
				return GenerateResponse{ToolCalls: []ToolCall{{ID: "mock_call_1", Name: req.Tools[0].Name, Arguments: string(args)}}, FinishReason: "tool_calls"}, info, nil
			}
		}
		marker := ""
		if last.Role == RoleTool {
			var res struct {
				Marker string `json:"marker"`
			}
			_ = json.Unmarshal([]byte(last.Content), &res)
			marker = " " + res.Marker
		}
		return GenerateResponse{Text: "Deterministic section output grounded in the retrieved evidence." + marker, FinishReason: "stop"}, info, nil
	}
	return GenerateResponse{Text: "Mock response."}, info, nil
}

func uniqueRefs(text string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, m := range mockPaperRef.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

func deterministicVector(input string, dim int) []float32 {
	vec := make([]float32, dim)
	seed := []byte(input)
	if len(seed) == 0 {
		seed = []byte("empty")
	}
	for i := 0; i < dim; i++ {
		h := sha256.Sum256(append(seed, byte(i%251)))
		u := binary.BigEndian.Uint32(h[:4])
		vec[i] = float32(u%2000)/1000.0 - 1.0
	}
	return normalize(vec)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / (math.Sqrt(sum) + 1e-9))
	for i := range v {
		v[i] *= inv
	}
	return v
}

