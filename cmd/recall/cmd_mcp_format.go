package main

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jmylchreest/recall/pkg/memory"
)

// ============================================================================
// MCP result helpers
// ============================================================================

// toolError is the JSON body of a failed tool call.
type toolError struct {
	Error string      `json:"error"`
	Code  memory.Code `json:"code"`
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(memory.StoreFailure("encode", "", err))
	}
	return textResult(string(data))
}

// errorResult renders err as an {error, code} body flagged IsError.
func errorResult(err error) *mcp.CallToolResult {
	data, _ := json.Marshal(toolError{Error: memory.Public(err), Code: memory.CodeOf(err)})
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
		IsError: true,
	}
}

// encodeMetadata turns a tool's metadata object into raw JSON. Null values
// are kept so update can use them to remove keys.
func encodeMetadata(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, memory.Validation("encode", "metadata", "metadata is not encodable")
	}
	return data, nil
}
