package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/jsonrpc"
	"github.com/relaygate/relaygate/internal/store"
)

// mockToolStore implements only the tool-related Store methods.
type mockToolStore struct {
	store.Store // embed to satisfy interface (panics on unimplemented)
	registered  []store.ToolRecord
	usageCounts map[string]int
}

func newMockToolStore() *mockToolStore {
	return &mockToolStore{usageCounts: make(map[string]int)}
}

func (m *mockToolStore) RegisterTools(_ context.Context, sessionID string, tools []store.ToolRecord) error {
	for _, t := range tools {
		t.SessionID = sessionID
		m.registered = append(m.registered, t)
	}
	return nil
}

func (m *mockToolStore) GetToolUsageCounts(_ context.Context, _ int) (map[string]int, error) {
	return m.usageCounts, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func toolsCtx() context.Context {
	ctx := WithSessionID(context.Background(), "test-session")
	ctx = WithDirection(ctx, ToClient)
	return WithMethod(ctx, ToolsListMethod)
}

func toolsListResponse(tools string) *jsonrpc.Response {
	return &jsonrpc.Response{ID: jsonrpc.NumberID(1), Result: json.RawMessage(`{"tools":` + tools + `}`)}
}

func runToolsHook(t *testing.T, th *ToolsHook, resp *jsonrpc.Response) *jsonrpc.Response {
	t.Helper()
	out, err := th.OnResponse(toolsCtx(), resp)
	require.NoError(t, err)
	got, ok := out.Message.(*jsonrpc.Response)
	require.True(t, ok, "expected a forwarded response, got %T", out.Message)
	return got
}

func toolNames(t *testing.T, resp *jsonrpc.Response) []string {
	t.Helper()
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestToolsHook_RegistersTools(t *testing.T) {
	ms := newMockToolStore()
	th := NewToolsHook(ms, testLogger(), PruneConfig{})

	tools := `[{"name":"read_file","description":"Read a file"},{"name":"write_file","description":"Write a file"}]`
	runToolsHook(t, th, toolsListResponse(tools))

	require.Len(t, ms.registered, 2)
	assert.Equal(t, "read_file", ms.registered[0].ToolName)
	assert.Equal(t, "Read a file", ms.registered[0].Description)
	assert.Equal(t, "test-session", ms.registered[1].SessionID)
}

func TestToolsHook_NoPruning_PassThrough(t *testing.T) {
	th := NewToolsHook(newMockToolStore(), testLogger(), PruneConfig{})

	resp := toolsListResponse(`[{"name":"read_file"},{"name":"write_file"}]`)
	assert.Same(t, resp, runToolsHook(t, th, resp))
}

func TestToolsHook_PruneUnused(t *testing.T) {
	ms := newMockToolStore()
	ms.usageCounts["read_file"] = 5
	th := NewToolsHook(ms, testLogger(), PruneConfig{UnusedSessions: 3})

	got := runToolsHook(t, th, toolsListResponse(`[{"name":"read_file"},{"name":"write_file"},{"name":"delete_file"}]`))

	assert.Equal(t, []string{"read_file"}, toolNames(t, got))
	assert.EqualValues(t, 2, th.Pruned())
	assert.Equal(t, "1", got.ID.String())
}

func TestToolsHook_AlwaysKeep(t *testing.T) {
	th := NewToolsHook(newMockToolStore(), testLogger(), PruneConfig{UnusedSessions: 3, AlwaysKeep: []string{"write_file"}})

	got := runToolsHook(t, th, toolsListResponse(`[{"name":"read_file"},{"name":"write_file"}]`))

	assert.Equal(t, []string{"write_file"}, toolNames(t, got))
}

func TestToolsHook_KeepTopK(t *testing.T) {
	ms := newMockToolStore()
	ms.usageCounts["a"] = 1
	ms.usageCounts["b"] = 10
	ms.usageCounts["c"] = 5
	th := NewToolsHook(ms, testLogger(), PruneConfig{KeepTopK: 2})

	got := runToolsHook(t, th, toolsListResponse(`[{"name":"a"},{"name":"b"},{"name":"c"}]`))

	// original order is preserved
	assert.Equal(t, []string{"b", "c"}, toolNames(t, got))
}

func TestToolsHook_PreservesOtherFields(t *testing.T) {
	ms := newMockToolStore()
	ms.usageCounts["x"] = 1
	th := NewToolsHook(ms, testLogger(), PruneConfig{UnusedSessions: 1})

	resp := &jsonrpc.Response{
		ID:     jsonrpc.StringID("req"),
		Result: json.RawMessage(`{"tools":[{"name":"x","inputSchema":{"type":"object"}},{"name":"y"}],"nextCursor":"abc"}`),
	}

	got := runToolsHook(t, th, resp)

	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
		NextCursor string `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.Equal(t, "abc", result.NextCursor)
	require.Len(t, result.Tools, 1)
	assert.JSONEq(t, `{"type":"object"}`, string(result.Tools[0].InputSchema))
}

func TestToolsHook_NonToolsResult_Ignored(t *testing.T) {
	ms := newMockToolStore()
	th := NewToolsHook(ms, testLogger(), PruneConfig{UnusedSessions: 3})

	for _, resp := range []*jsonrpc.Response{
		{ID: jsonrpc.NumberID(1), Result: json.RawMessage(`{"other":true}`)},
		{ID: jsonrpc.NumberID(1), Result: json.RawMessage(`"text"`)},
		jsonrpc.NewErrorResponse(jsonrpc.NumberID(1), jsonrpc.CodeInternalError, "failed"),
	} {
		out, err := th.OnResponse(toolsCtx(), resp)
		require.NoError(t, err)
		assert.Same(t, resp, out.Message, "expected pass through for %s", resp.Result)
	}
	assert.Empty(t, ms.registered)
}
