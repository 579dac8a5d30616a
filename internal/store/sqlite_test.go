package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// logAll logs entries and waits until they are written.
func logAll(t *testing.T, s *SQLiteStore, entries ...*LogEntry) {
	t.Helper()
	ctx := context.Background()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		if e.Payload == "" {
			e.Payload = `{}`
		}
		require.NoError(t, s.LogMessage(ctx, e))
	}
	require.NoError(t, s.Sync(ctx))
}

func toolCall(session, tool string) *LogEntry {
	return &LogEntry{SessionID: session, Direction: "client_to_server", Kind: KindRequest, Method: "tools/call", ToolName: tool}
}

func TestLogAndQuery(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	logAll(t, s, &LogEntry{
		Timestamp: ts,
		SessionID: "s1",
		Direction: "client_to_server",
		Kind:      KindRequest,
		Method:    "textDocument/hover",
		MsgID:     `"abc"`,
		Payload:   `{"jsonrpc":"2.0","id":"abc","method":"textDocument/hover"}`,
		SizeBytes: 57,
	})

	got, err := s.Query(context.Background(), QueryFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	e := got[0]
	assert.NotZero(t, e.ID)
	assert.True(t, ts.Equal(e.Timestamp), "timestamp %v", e.Timestamp)
	assert.Equal(t, "textDocument/hover", e.Method)
	assert.Equal(t, `"abc"`, e.MsgID)
	assert.Equal(t, 57, e.SizeBytes)
	assert.False(t, e.Dropped)
	assert.False(t, e.Injected)
	assert.Empty(t, e.ToolName)
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)
	logAll(t, s,
		&LogEntry{SessionID: "s1", Direction: "client_to_server", Kind: KindRequest, Method: "textDocument/hover", MsgID: "1"},
		&LogEntry{SessionID: "s1", Direction: "server_to_client", Kind: KindResponse, MsgID: "1"},
		&LogEntry{SessionID: "s1", Direction: "server_to_client", Kind: KindNotification, Method: "window/logMessage", Dropped: true, DropReason: "dropped by hook"},
		&LogEntry{SessionID: "s1", Direction: "server_to_client", Kind: KindNotification, Method: "notifications/message", Injected: true},
		&LogEntry{SessionID: "s2", Direction: "client_to_server", Kind: KindRequest, Method: "textDocument/hover", MsgID: "1"},
	)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter QueryFilter
		want   []string // methods, newest first
	}{
		{"session and direction", QueryFilter{SessionID: "s1", Direction: "server_to_client"}, []string{"notifications/message", "window/logMessage", ""}},
		{"method", QueryFilter{Method: "textDocument/hover"}, []string{"textDocument/hover", "textDocument/hover"}},
		{"kind", QueryFilter{Kind: KindResponse}, []string{""}},
		{"dropped only", QueryFilter{DroppedOnly: true}, []string{"window/logMessage"}},
		{"correlation", QueryFilter{SessionID: "s1", MsgID: "1"}, []string{"", "textDocument/hover"}},
		{"limit", QueryFilter{Method: "textDocument/hover", Limit: 1}, []string{"textDocument/hover"}},
		{"offset", QueryFilter{SessionID: "s1", Limit: 2, Offset: 3}, []string{"textDocument/hover"}},
		{"nothing", QueryFilter{Method: "nope"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, tt.filter)
			require.NoError(t, err)
			var methods []string
			for _, e := range got {
				methods = append(methods, e.Method)
			}
			assert.Equal(t, tt.want, methods)
		})
	}

	dropped, err := s.Query(ctx, QueryFilter{DroppedOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "dropped by hook", dropped[0].DropReason)

	newest, err := s.Query(ctx, QueryFilter{Method: "textDocument/hover", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "s2", newest[0].SessionID)
}

func TestQuerySince(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logAll(t, s,
		&LogEntry{Timestamp: base, SessionID: "s", Direction: "client_to_server", Kind: KindNotification, Method: "old"},
		&LogEntry{Timestamp: base.Add(time.Minute), SessionID: "s", Direction: "client_to_server", Kind: KindNotification, Method: "new"},
	)

	since := base.Add(time.Second)
	got, err := s.Query(context.Background(), QueryFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Method)
}

func TestBatchWrite(t *testing.T) {
	s := newTestStore(t)

	entries := make([]*LogEntry, 0, 250)
	for range 250 {
		entries = append(entries, &LogEntry{SessionID: "batch", Direction: "client_to_server", Kind: KindNotification, Method: "$/progress", SizeBytes: 10})
	}
	logAll(t, s, entries...)

	got, err := s.Query(context.Background(), QueryFilter{SessionID: "batch", Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, got, 250)
	assert.Zero(t, s.Discarded())
}

func TestLogAfterClose(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "closed.db"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.NotPanics(t, func() {
		s.LogMessage(context.Background(), toolCall("s", "x"))
	})
	assert.EqualValues(t, 1, s.Discarded())
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	logAll(t, s,
		&LogEntry{SessionID: "s1", Direction: "client_to_server", Kind: KindRequest, Method: "tools/call", SizeBytes: 100},
		&LogEntry{SessionID: "s1", Direction: "server_to_client", Kind: KindResponse, SizeBytes: 200},
		&LogEntry{SessionID: "s1", Direction: "client_to_server", Kind: KindRequest, Method: "tools/list", SizeBytes: 50},
		&LogEntry{SessionID: "s1", Direction: "server_to_client", Kind: KindError, SizeBytes: 80},
		&LogEntry{SessionID: "s1", Direction: "server_to_client", Kind: KindNotification, Method: "notifications/message", SizeBytes: 30, Injected: true},
		&LogEntry{SessionID: "s2", Direction: "client_to_server", Kind: KindNotification, Method: "initialized", SizeBytes: 20, Dropped: true},
	)
	ctx := context.Background()

	st, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 6, st.TotalMessages)
	assert.Equal(t, 2, st.RequestCount)
	assert.Equal(t, 1, st.ResponseCount)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, 2, st.NotificationCount)
	assert.Equal(t, 1, st.DroppedCount)
	assert.Equal(t, 1, st.InjectedCount)
	assert.EqualValues(t, 480, st.TotalBytes)
	assert.Equal(t, map[string]int{"tools/call": 1, "tools/list": 1, "notifications/message": 1, "initialized": 1}, st.MethodCounts)
	assert.Equal(t, map[string]int{"client_to_server": 3, "server_to_client": 3}, st.DirectionCounts)

	st, err = s.Stats(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalMessages)
	assert.Equal(t, 1, st.DroppedCount)
	assert.Equal(t, map[string]int{"initialized": 1}, st.MethodCounts)
}

func TestGetMessage(t *testing.T) {
	s := newTestStore(t)
	logAll(t, s, &LogEntry{SessionID: "s", Direction: "client_to_server", Kind: KindRequest, Method: "initialize", MsgID: "0", Payload: `{"id":0}`})
	ctx := context.Background()

	all, err := s.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	got, err := s.GetMessage(ctx, all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "initialize", got.Method)
	assert.Equal(t, `{"id":0}`, got.Payload)

	_, err = s.GetMessage(ctx, 99999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	require.NoError(t, s.CreateSession(ctx, &Session{ID: "old", StartedAt: start, Command: "gopls", Args: []string{"serve"}}))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "new", StartedAt: start.Add(time.Minute), Command: "tcp://localhost:7000"}))
	assert.Error(t, s.CreateSession(ctx, &Session{ID: "old", StartedAt: start}), "duplicate id")

	logAll(t, s,
		&LogEntry{SessionID: "old", Direction: "client_to_server", Kind: KindNotification, Method: "a"},
		&LogEntry{SessionID: "old", Direction: "client_to_server", Kind: KindNotification, Method: "b", Dropped: true},
	)
	require.NoError(t, s.EndSession(ctx, "old"))

	sessions, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "new", sessions[0].ID)
	assert.Nil(t, sessions[0].EndedAt)
	assert.Zero(t, sessions[0].MessageCount)
	assert.Empty(t, sessions[0].Args)

	assert.Equal(t, "old", sessions[1].ID)
	assert.Equal(t, []string{"serve"}, sessions[1].Args)
	require.NotNil(t, sessions[1].EndedAt)
	assert.Equal(t, 2, sessions[1].MessageCount)
	assert.Equal(t, 1, sessions[1].DroppedCount)

	limited, err := s.ListSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEndSessionFlushesTraffic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "s", StartedAt: time.Now()}))

	s.LogMessage(ctx, &LogEntry{Timestamp: time.Now(), SessionID: "s", Direction: "client_to_server", Kind: KindNotification, Method: "exit", Payload: `{}`})
	require.NoError(t, s.EndSession(ctx, "s"))

	got, err := s.Query(ctx, QueryFilter{SessionID: "s"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRegisterTools(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tools := []ToolRecord{
		{ToolName: "read_file", Description: "Read a file"},
		{ToolName: "write_file", Description: "Write a file"},
	}

	require.NoError(t, s.RegisterTools(ctx, "s1", tools))
	// a second tools/list in the same session is ignored
	require.NoError(t, s.RegisterTools(ctx, "s1", tools))
	require.NoError(t, s.RegisterTools(ctx, "s2", tools[:1]))

	all, err := s.GetToolAnalytics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all.TotalAvailable)
	assert.Zero(t, all.TotalUsed)

	one, err := s.GetToolAnalytics(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 1, one.TotalAvailable)
	assert.Equal(t, "read_file", one.Tools[0].ToolName)
}

func TestToolAnalyticsWithUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &Session{ID: "s1", StartedAt: time.Now()}))
	require.NoError(t, s.RegisterTools(ctx, "s1", []ToolRecord{
		{ToolName: "read_file", Description: "Read a file"},
		{ToolName: "write_file", Description: "Write a file"},
		{ToolName: "delete_file", Description: "Delete a file"},
	}))
	logAll(t, s, toolCall("s1", "read_file"), toolCall("s1", "read_file"), toolCall("s1", "write_file"), toolCall("other", "read_file"))

	analytics, err := s.GetToolAnalytics(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, analytics.TotalAvailable)
	assert.Equal(t, 2, analytics.TotalUsed)

	require.Len(t, analytics.Tools, 3)
	assert.Equal(t, "read_file", analytics.Tools[0].ToolName)
	assert.Equal(t, 2, analytics.Tools[0].CallCount, "calls from other sessions are not counted")
	assert.Equal(t, 1, analytics.Tools[0].SessionsSeen)
	assert.NotEmpty(t, analytics.Tools[0].LastUsed)
	assert.Equal(t, "write_file", analytics.Tools[1].ToolName)
	assert.Equal(t, "delete_file", analytics.Tools[2].ToolName)
	assert.Zero(t, analytics.Tools[2].CallCount)

	all, err := s.GetToolAnalytics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, all.Tools[0].CallCount)
	assert.Equal(t, 2, all.Tools[0].SessionsSeen)
}

func TestGetToolUsageCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	require.NoError(t, s.CreateSession(ctx, &Session{ID: "s1", StartedAt: start}))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "s2", StartedAt: start.Add(time.Minute)}))
	blocked := toolCall("s2", "run_shell")
	blocked.Dropped = true
	logAll(t, s, toolCall("s1", "read_file"), toolCall("s1", "write_file"), toolCall("s2", "read_file"), blocked)

	counts, err := s.GetToolUsageCounts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"read_file": 2, "write_file": 1}, counts)

	// only the latest session
	counts, err = s.GetToolUsageCounts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"read_file": 1}, counts)
}
