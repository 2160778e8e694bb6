package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/semfold/internal/config"
	"github.com/standardbeagle/semfold/internal/control"
	"github.com/standardbeagle/semfold/internal/lifecycle"
	"github.com/standardbeagle/semfold/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Watcher.DebounceDelay = 50 * time.Millisecond
	registry := models.NewRegistry(2)
	manager := lifecycle.NewManager(cfg, registry, nil)
	t.Cleanup(func() {
		manager.StopAll()
		registry.Shutdown()
	})
	return NewServer(control.New(manager, registry, "test", nil))
}

func call(t *testing.T, s *Server, handler func(context.Context, *sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error), args any) (map[string]any, bool) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	req := &sdkmcp.CallToolRequest{
		Params: &sdkmcp.CallToolParamsRaw{Arguments: raw},
	}
	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*sdkmcp.TextContent)
	require.True(t, ok)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &body))
	return body, result.IsError
}

func TestAddListRemoveTools(t *testing.T) {
	s := newTestServer(t)
	folder := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(folder, "a.txt"), []byte("hello indexing"), 0o644))

	body, isErr := call(t, s, s.handleAddFolder, FolderParams{Path: folder, Model: "mock-small"})
	require.False(t, isErr, "add_folder failed: %v", body)
	assert.Equal(t, true, body["added"])

	require.Eventually(t, func() bool {
		body, isErr := call(t, s, s.handleListFolders, struct{}{})
		if isErr {
			return false
		}
		folders := body["folders"].([]any)
		if len(folders) != 1 {
			return false
		}
		state := folders[0].(map[string]any)["state"]
		return state == "active"
	}, 10*time.Second, 50*time.Millisecond)

	body, isErr = call(t, s, s.handleRemoveFolder, FolderParams{Path: folder})
	require.False(t, isErr)
	assert.Equal(t, true, body["removed"])
}

func TestSearchTool(t *testing.T) {
	s := newTestServer(t)
	folder := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(folder, "doc.txt"), []byte("ships sail across the harbor"), 0o644))

	_, isErr := call(t, s, s.handleAddFolder, FolderParams{Path: folder, Model: "mock-small"})
	require.False(t, isErr)

	require.Eventually(t, func() bool {
		body, isErr := call(t, s, s.handleSearch, SearchParams{Query: "harbor ships"})
		return !isErr && body["count"].(float64) > 0
	}, 10*time.Second, 50*time.Millisecond)

	body, isErr := call(t, s, s.handleSearch, SearchParams{Query: "harbor ships", Limit: 1})
	require.False(t, isErr)
	hits := body["hits"].([]any)
	require.Len(t, hits, 1)
	hit := hits[0].(map[string]any)
	assert.NotEmpty(t, hit["preview"])
	assert.NotEmpty(t, hit["location"])
}

func TestSearchToolRejectsEmptyQuery(t *testing.T) {
	s := newTestServer(t)
	body, isErr := call(t, s, s.handleSearch, SearchParams{})
	assert.True(t, isErr)
	assert.Equal(t, "validation", body["kind"])
}

func TestValidateFolderTool(t *testing.T) {
	s := newTestServer(t)

	body, isErr := call(t, s, s.handleValidateFolder, FolderParams{Path: filepath.Join(t.TempDir(), "missing")})
	require.False(t, isErr, "validate reports problems in the body, not as a tool error")
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "NOT_EXISTS", body["code"])
}

func TestStatusTool(t *testing.T) {
	s := newTestServer(t)
	body, isErr := call(t, s, s.handleStatus, struct{}{})
	require.False(t, isErr)
	assert.Equal(t, "test", body["version"])
}

func TestRescanUnmanagedFolderErrors(t *testing.T) {
	s := newTestServer(t)
	body, isErr := call(t, s, s.handleRescanFolder, FolderParams{Path: t.TempDir()})
	assert.True(t, isErr)
	assert.Contains(t, body["error"], "not managed")
}

func TestMalformedArgumentsSurfaceAsToolError(t *testing.T) {
	s := newTestServer(t)
	req := &sdkmcp.CallToolRequest{
		Params: &sdkmcp.CallToolParamsRaw{Arguments: json.RawMessage(`{"limit": "ten"`)},
	}
	result, err := s.handleSearch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
