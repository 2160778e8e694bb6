package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/semfold/internal/control"
	"github.com/standardbeagle/semfold/internal/models"
)

// SearchParams are the arguments of the search tool.
type SearchParams struct {
	Query           string `json:"query"`
	Folder          string `json:"folder,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	PathPrefix      string `json:"path_prefix,omitempty"`
	SummaryContains string `json:"summary_contains,omitempty"`
}

// FolderParams identify one folder for add/remove/validate/rescan.
type FolderParams struct {
	Path  string `json:"path"`
	Model string `json:"model,omitempty"`
	Name  string `json:"name,omitempty"`
	Force bool   `json:"force,omitempty"`
}

func (s *Server) registerTools() {
	s.server.AddTool(&mcp.Tool{
		Name:        "search",
		Description: "Semantic search over indexed folders. Returns ranked chunks with similarity scores and source locations.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {
					Type:        "string",
					Description: "Natural-language query text",
				},
				"folder": {
					Type:        "string",
					Description: "Restrict to one managed folder (absolute path). All folders when omitted.",
				},
				"limit": {
					Type:        "integer",
					Description: "Maximum hits to return (default 10)",
				},
				"path_prefix": {
					Type:        "string",
					Description: "Only return chunks from documents under this path prefix",
				},
				"summary_contains": {
					Type:        "string",
					Description: "Only return chunks from documents whose summary contains this text (case-insensitive)",
				},
			},
			Required: []string{"query"},
		},
	}, s.handleSearch)

	s.server.AddTool(&mcp.Tool{
		Name:        "add_folder",
		Description: fmt.Sprintf("Start indexing a folder. Supported models: %v (or \"auto\").", models.SupportedModels()),
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"path": {
					Type:        "string",
					Description: "Absolute path of the folder to index",
				},
				"model": {
					Type:        "string",
					Description: "Embedding model id; \"auto\" picks one for the detected device",
				},
				"name": {
					Type:        "string",
					Description: "Display name (defaults to the directory name)",
				},
			},
			Required: []string{"path"},
		},
	}, s.handleAddFolder)

	s.server.AddTool(&mcp.Tool{
		Name:        "remove_folder",
		Description: "Stop indexing a folder. The on-disk index is kept for cheap re-adding.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"path": {
					Type:        "string",
					Description: "Absolute path of the managed folder",
				},
			},
			Required: []string{"path"},
		},
	}, s.handleRemoveFolder)

	s.server.AddTool(&mcp.Tool{
		Name:        "list_folders",
		Description: "List managed folders with their state, queue counters, and index sizes.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, s.handleListFolders)

	s.server.AddTool(&mcp.Tool{
		Name:        "status",
		Description: "Full daemon status: folders, loaded models, and version.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, s.handleStatus)

	s.server.AddTool(&mcp.Tool{
		Name:        "validate_folder",
		Description: "Check whether a folder could be added, without adding it. Reports taxonomy-coded errors and overlap warnings.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"path": {
					Type:        "string",
					Description: "Absolute path to validate",
				},
			},
			Required: []string{"path"},
		},
	}, s.handleValidateFolder)

	s.server.AddTool(&mcp.Tool{
		Name:        "rescan_folder",
		Description: "Force a folder through a fresh scan cycle. With force, every file is re-embedded.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"path": {
					Type:        "string",
					Description: "Absolute path of the managed folder",
				},
				"force": {
					Type:        "boolean",
					Description: "Re-embed all files even when fingerprints match",
				},
			},
			Required: []string{"path"},
		},
	}, s.handleRescanFolder)
}

func (s *Server) handleSearch(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params SearchParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse(fmt.Errorf("invalid parameters: %w", err))
	}
	hits, err := s.facade.Search(ctx, control.SearchRequest{
		Query:           params.Query,
		Folder:          params.Folder,
		Limit:           params.Limit,
		PathPrefix:      params.PathPrefix,
		SummaryContains: params.SummaryContains,
	})
	if err != nil {
		return createErrorResponse(err)
	}
	return createJSONResponse(map[string]any{
		"query": params.Query,
		"count": len(hits),
		"hits":  hits,
	})
}

func (s *Server) handleAddFolder(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params FolderParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse(fmt.Errorf("invalid parameters: %w", err))
	}
	info, err := s.facade.AddFolder(ctx, params.Path, params.Model, params.Name)
	if err != nil {
		return createErrorResponse(err)
	}
	return createJSONResponse(map[string]any{
		"added":  true,
		"folder": info,
	})
}

func (s *Server) handleRemoveFolder(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params FolderParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse(fmt.Errorf("invalid parameters: %w", err))
	}
	if err := s.facade.RemoveFolder(params.Path); err != nil {
		return createErrorResponse(err)
	}
	return createJSONResponse(map[string]any{
		"removed": true,
		"path":    params.Path,
	})
}

func (s *Server) handleListFolders(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.facade.ListFolders(ctx)
	if err != nil {
		return createErrorResponse(err)
	}
	return createJSONResponse(map[string]any{
		"count":   len(infos),
		"folders": infos,
	})
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.facade.Status(ctx)
	if err != nil {
		return createErrorResponse(err)
	}
	return createJSONResponse(status)
}

func (s *Server) handleValidateFolder(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params FolderParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse(fmt.Errorf("invalid parameters: %w", err))
	}
	return createJSONResponse(s.facade.ValidateFolder(params.Path))
}

func (s *Server) handleRescanFolder(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params FolderParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse(fmt.Errorf("invalid parameters: %w", err))
	}
	if err := s.facade.Rescan(params.Path, params.Force); err != nil {
		return createErrorResponse(err)
	}
	return createJSONResponse(map[string]any{
		"rescanning": true,
		"path":       params.Path,
		"force":      params.Force,
	})
}
