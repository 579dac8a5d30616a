package proxy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/eventbus"
	"github.com/relaygate/relaygate/internal/policy"
	"github.com/relaygate/relaygate/internal/store"
)

// TestIntegration_HooksAndStore runs policy, scrubber and tools hooks in one
// session and checks what reaches each peer and the traffic database.
func TestIntegration_HooksAndStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "traffic.db")
	st, err := store.NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)
	defer st.Close()

	pcfg := &policy.Config{Rules: []policy.Rule{{
		Name:    "block-shell",
		Action:  policy.ActionDeny,
		Methods: []string{"tools/call"},
		Tools:   []string{"run_shell"},
	}}}
	require.NoError(t, pcfg.Compile())

	b := NewRegistryBuilder()
	NewPolicyHook(policy.NewEngine(pcfg), testLogger()).Register(b, pcfg)
	NewScrubberHook(nil).Register(b, []string{"tools/call"})
	NewToolsHook(st, testLogger(), PruneConfig{}).Register(b)

	eb := eventbus.New(16)
	drops, unsub := eb.SubscribeFiltered("drops", eventbus.Filter{DroppedOnly: true})
	defer unsub()

	h := startSession(t, SessionConfig{ID: "integration"}, b.Build(), NewStoreObserver(st, eb, testLogger()))

	h.client.send(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	h.server.recv(t)
	h.server.send(t, `{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"read_file","description":"Read"},{"name":"run_shell","description":"Shell"}]}}`)
	assert.Contains(t, h.client.recv(t), "run_shell")

	h.client.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"run_shell","arguments":{"cmd":"rm -rf /"}}}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"error":{"code":-32001,"message":"blocked by policy rule block-shell"}}`, h.client.recv(t))

	h.client.send(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/etc/owner"}}}`)
	h.server.recv(t)
	h.server.send(t, `{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"owner: root@example.com"}]}}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"owner: [REDACTED:email]"}]}}`, h.client.recv(t))

	require.NoError(t, h.finish(t))

	dropped := <-drops
	assert.Equal(t, "run_shell", dropped.ToolName)

	ctx := context.Background()
	require.NoError(t, st.Sync(ctx))

	entries, err := st.Query(ctx, store.QueryFilter{SessionID: "integration"})
	require.NoError(t, err)
	assert.Len(t, entries, 6)

	stats, err := st.Stats(ctx, "integration")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DroppedCount)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.Equal(t, 1, stats.InjectedCount, "the policy error reply")

	analytics, err := st.GetToolAnalytics(ctx, "integration")
	require.NoError(t, err)
	assert.Equal(t, 2, analytics.TotalAvailable)
	assert.Equal(t, 1, analytics.TotalUsed, "the blocked call is not usage")
}
