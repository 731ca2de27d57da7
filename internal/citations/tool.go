package citations

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"genpaper/internal/providers"
	"genpaper/internal/util"
)

const (
	ToolName    = "add_citation"
	Placeholder = "[citation needed]"
)

var markerPattern = regexp.MustCompile(`\[@([A-Za-z0-9_:-]+)\]`)

// Marker is the inline token the model copies into its text; it is rendered at save time.
func Marker(citeKey string) string {
	return "[@" + citeKey + "]"
}

// MarkerKeys returns the cite keys referenced in text, in order of appearance, with repeats.
func MarkerKeys(text string) []string {
	ms := markerPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m[1])
	}
	return out
}

// ReplaceMarkers rewrites each marker with render(citeKey, start offset of the marker).
func ReplaceMarkers(text string, render func(citeKey string, at int) string) string {
	idx := markerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(idx) == 0 {
		return text
	}
	out := make([]byte, 0, len(text))
	last := 0
	for _, m := range idx {
		out = append(out, text[last:m[0]]...)
		out = append(out, render(text[m[2]:m[3]], m[0])...)
		last = m[1]
	}
	out = append(out, text[last:]...)
	return string(out)
}

func Tool() providers.Tool {
	return providers.Tool{
		Name:        ToolName,
		Description: "Record a citation for a claim. Identify the source by paper_id when known, else doi, else title and year. Insert the returned marker right after the claim.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"paper_id": map[string]any{"type": "string"},
				"doi":      map[string]any{"type": "string"},
				"title":    map[string]any{"type": "string"},
				"year":     map[string]any{"type": "integer"},
				"reason":   map[string]any{"type": "string", "description": "why this source supports the claim"},
				"quote":    map[string]any{"type": "string", "description": "short supporting quote from the evidence"},
			},
		},
	}
}

type toolArgs struct {
	SourceRef
	Reason string `json:"reason"`
	Quote  string `json:"quote"`
}

type ToolResult struct {
	Marker  string `json:"marker"`
	CiteKey string `json:"cite_key,omitempty"`
	IsNew   bool   `json:"is_new,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolHandler answers add_citation calls for one project through the run cache. Unresolvable or
// malformed references yield the placeholder marker instead of an error.
func ToolHandler(cache *RunCache, projectID string, onAdd func(AddResult)) providers.ToolHandler {
	return func(ctx context.Context, call providers.ToolCall) (string, error) {
		if call.Name != ToolName {
			return encodeResult(ToolResult{Marker: Placeholder, Error: "unknown tool " + call.Name})
		}
		var args toolArgs
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return encodeResult(ToolResult{Marker: Placeholder, Error: "invalid arguments"})
		}
		res, err := cache.Add(ctx, AddRequest{ProjectID: projectID, Source: args.SourceRef, Reason: args.Reason, Quote: args.Quote})
		if errors.Is(err, util.ErrUnresolvedSourceReference) {
			return encodeResult(ToolResult{Marker: Placeholder, Error: "source not found"})
		}
		if err != nil {
			return "", err
		}
		if onAdd != nil {
			onAdd(res)
		}
		return encodeResult(ToolResult{Marker: Marker(res.CiteKey), CiteKey: res.CiteKey, IsNew: res.IsNew})
	}
}

func encodeResult(r ToolResult) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
