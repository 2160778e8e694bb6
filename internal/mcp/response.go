package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
)

// createJSONResponse marshals data as the tool result's single text block.
func createJSONResponse(data any) (*mcp.CallToolResult, error) {
	content, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %v", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(content)},
		},
	}, nil
}

// createErrorResponse reports a tool-level failure without failing the
// protocol call. Taxonomy codes and remediation hints survive the trip so
// clients can act on them.
func createErrorResponse(err error) (*mcp.CallToolResult, error) {
	body := map[string]any{
		"error": err.Error(),
		"kind":  string(semerrors.KindOf(err)),
	}
	var se *semerrors.Error
	if errors.As(err, &se) {
		if se.Code != "" {
			body["code"] = se.Code
		}
		if se.Remediation != "" {
			body["remediation"] = se.Remediation
		}
	}
	result, mErr := createJSONResponse(body)
	if mErr != nil {
		return nil, mErr
	}
	result.IsError = true
	return result, nil
}
