// Package store persists proxied traffic, sessions and advertised tools.
package store

import "context"

// Store is the persistence interface for proxied traffic.
type Store interface {
	// LogMessage queues an entry for writing. It never blocks the caller;
	// entries are discarded when the write buffer is full.
	LogMessage(ctx context.Context, entry *LogEntry) error

	// Query returns entries matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]LogEntry, error)

	GetMessage(ctx context.Context, id int64) (*LogEntry, error)

	// Stats aggregates traffic, for one session or all when sessionID is empty.
	Stats(ctx context.Context, sessionID string) (*Stats, error)

	CreateSession(ctx context.Context, session *Session) error
	EndSession(ctx context.Context, sessionID string) error

	// ListSessions returns the most recently started sessions first.
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)

	// RegisterTools records the tools a session's server advertised.
	RegisterTools(ctx context.Context, sessionID string, tools []ToolRecord) error

	GetToolAnalytics(ctx context.Context, sessionID string) (*ToolAnalyticsSummary, error)

	// GetToolUsageCounts returns tools/call counts per tool over the last
	// lastNSessions sessions, or all sessions when lastNSessions <= 0.
	GetToolUsageCounts(ctx context.Context, lastNSessions int) (map[string]int, error)

	// Close flushes queued entries and closes the store.
	Close() error
}
