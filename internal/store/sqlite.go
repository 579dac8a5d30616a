package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const defaultQueryLimit = 200

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned by GetMessage for an unknown id.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store on SQLite. Message logging goes through a
// background batch writer and never blocks the proxy.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	writer *batchWriter
}

// NewSQLiteStore opens (or creates) the database at dbPath and starts the
// background writer.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(2) // one for the writer, one for readers
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger,
		writer: newBatchWriter(db, logger),
	}, nil
}

func (s *SQLiteStore) LogMessage(_ context.Context, entry *LogEntry) error {
	if !s.writer.enqueue(entry) {
		s.logger.Warn("write buffer full, discarding entry", "kind", entry.Kind, "method", entry.Method)
	}
	return nil
}

// Sync blocks until every entry logged before the call is in the database.
func (s *SQLiteStore) Sync(ctx context.Context) error {
	return s.writer.sync(ctx)
}

// Discarded returns how many entries were not written.
func (s *SQLiteStore) Discarded() int64 {
	return s.writer.discarded.Load()
}

const messageColumns = "id, timestamp, session_id, direction, kind, method, msg_id, payload, size_bytes, injected, dropped, drop_reason, tool_name"

func (s *SQLiteStore) Query(ctx context.Context, f QueryFilter) ([]LogEntry, error) {
	var w where
	w.eq("session_id", f.SessionID)
	w.eq("direction", f.Direction)
	w.eq("method", f.Method)
	w.eq("kind", f.Kind)
	w.eq("tool_name", f.ToolName)
	w.eq("msg_id", f.MsgID)
	if f.DroppedOnly {
		w.add("dropped = 1")
	}
	if f.Since != nil {
		w.add("timestamp >= ?", formatTime(*f.Since))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	args := append(w.args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages"+w.String()+" ORDER BY id DESC LIMIT ? OFFSET ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*LogEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	e, err := scanLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return &e, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, sessionID string) (*Stats, error) {
	var w where
	w.eq("session_id", sessionID)

	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size_bytes), 0),
			COALESCE(SUM(kind = 'request'), 0),
			COALESCE(SUM(kind = 'response'), 0),
			COALESCE(SUM(kind = 'notification'), 0),
			COALESCE(SUM(kind = 'error'), 0),
			COALESCE(SUM(dropped), 0),
			COALESCE(SUM(injected), 0)
		FROM messages`+w.String(),
		w.args...,
	).Scan(
		&st.TotalMessages, &st.TotalBytes,
		&st.RequestCount, &st.ResponseCount, &st.NotificationCount, &st.ErrorCount,
		&st.DroppedCount, &st.InjectedCount,
	)
	if err != nil {
		return nil, fmt.Errorf("stats totals: %w", err)
	}

	if st.MethodCounts, err = s.countBy(ctx, "method", w, 20); err != nil {
		return nil, err
	}
	if st.DirectionCounts, err = s.countBy(ctx, "direction", w, 0); err != nil {
		return nil, err
	}
	return st, nil
}

// countBy counts messages per non-empty value of column, largest first.
// limit <= 0 returns every value.
func (s *SQLiteStore) countBy(ctx context.Context, column string, w where, limit int) (map[string]int, error) {
	w.add(column + " IS NOT NULL AND " + column + " != ''")
	query := "SELECT " + column + ", COUNT(*) FROM messages" + w.String() + " GROUP BY " + column + " ORDER BY COUNT(*) DESC"
	args := w.args
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("count by %s: %w", column, err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	args, err := json.Marshal(session.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	if session.Args == nil {
		args = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, started_at, command, args) VALUES (?, ?, ?, ?)",
		session.ID, formatTime(session.StartedAt), session.Command, string(args),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

// EndSession flushes the session's queued traffic and stamps its end time.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string) error {
	if err := s.writer.sync(ctx); err != nil && !errors.Is(err, errWriterClosed) {
		s.logger.Warn("flush before end of session failed", "session", sessionID, "error", err)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ? WHERE id = ?",
		formatTime(time.Now()), sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.started_at, s.ended_at, s.command, s.args,
			COUNT(m.id), COALESCE(SUM(m.dropped), 0)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var started, args string
		var ended sql.NullString
		if err := rows.Scan(&sum.ID, &started, &ended, &sum.Command, &args, &sum.MessageCount, &sum.DroppedCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.StartedAt = parseTime(started)
		if ended.Valid {
			t := parseTime(ended.String)
			sum.EndedAt = &t
		}
		if err := json.Unmarshal([]byte(args), &sum.Args); err != nil {
			s.logger.Debug("bad session args", "session", sum.ID, "error", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RegisterTools(ctx context.Context, sessionID string, tools []ToolRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO tool_registry (session_id, tool_name, description, first_seen) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, t := range tools {
		if _, err := stmt.ExecContext(ctx, sessionID, t.ToolName, t.Description, now); err != nil {
			return fmt.Errorf("register tool %s: %w", t.ToolName, err)
		}
	}
	return tx.Commit()
}

// GetToolAnalytics joins advertised tools with tools/call usage. Calls a
// hook dropped do not count. With a session id both sides are limited to
// that session.
func (s *SQLiteStore) GetToolAnalytics(ctx context.Context, sessionID string) (*ToolAnalyticsSummary, error) {
	var reg, use where
	reg.eq("session_id", sessionID)
	use.add("tool_name IS NOT NULL AND tool_name != '' AND dropped = 0")
	use.eq("session_id", sessionID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT tr.tool_name, tr.description,
			COALESCE(u.calls, 0), COALESCE(u.sessions, 0), COALESCE(u.last_used, '')
		FROM (
			SELECT tool_name, MAX(description) AS description
			FROM tool_registry`+reg.String()+`
			GROUP BY tool_name
		) tr
		LEFT JOIN (
			SELECT tool_name, COUNT(*) AS calls, COUNT(DISTINCT session_id) AS sessions, MAX(timestamp) AS last_used
			FROM messages`+use.String()+`
			GROUP BY tool_name
		) u ON u.tool_name = tr.tool_name
		ORDER BY COALESCE(u.calls, 0) DESC, tr.tool_name ASC`,
		append(reg.args, use.args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("tool analytics: %w", err)
	}
	defer rows.Close()

	summary := &ToolAnalyticsSummary{Tools: []ToolAnalytics{}}
	for rows.Next() {
		var ta ToolAnalytics
		if err := rows.Scan(&ta.ToolName, &ta.Description, &ta.CallCount, &ta.SessionsSeen, &ta.LastUsed); err != nil {
			return nil, fmt.Errorf("scan tool analytics: %w", err)
		}
		summary.Tools = append(summary.Tools, ta)
		summary.TotalAvailable++
		if ta.CallCount > 0 {
			summary.TotalUsed++
		}
	}
	return summary, rows.Err()
}

func (s *SQLiteStore) GetToolUsageCounts(ctx context.Context, lastNSessions int) (map[string]int, error) {
	var w where
	w.add("dropped = 0")
	if lastNSessions > 0 {
		w.add("session_id IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT ?)", lastNSessions)
	}
	return s.countBy(ctx, "tool_name", w, 0)
}

// Close flushes queued entries and closes the database.
func (s *SQLiteStore) Close() error {
	s.writer.close()
	if n := s.writer.discarded.Load(); n > 0 {
		s.logger.Warn("traffic entries were not recorded", "count", n)
	}
	return s.db.Close()
}

// where accumulates AND-ed SQL conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// eq adds column = value unless value is empty.
func (w *where) eq(column, value string) {
	if value != "" {
		w.add(column+" = ?", value)
	}
}

func (w where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogEntry(sc rowScanner) (LogEntry, error) {
	var e LogEntry
	var ts string
	var method, msgID, dropReason, toolName sql.NullString
	err := sc.Scan(&e.ID, &ts, &e.SessionID, &e.Direction, &e.Kind,
		&method, &msgID, &e.Payload, &e.SizeBytes, &e.Injected, &e.Dropped,
		&dropReason, &toolName)
	if err != nil {
		return e, err
	}
	e.Timestamp = parseTime(ts)
	e.Method = method.String
	e.MsgID = msgID.String
	e.DropReason = dropReason.String
	e.ToolName = toolName.String
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
