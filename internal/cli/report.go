// Package cli implements the read-only subcommands that inspect the
// traffic database.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/relaygate/relaygate/internal/store"
)

// DefaultDBPath returns ~/.relaygate/relaygate.db, creating the directory.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".relaygate")
	os.MkdirAll(dir, 0755)
	return filepath.Join(dir, "relaygate.db")
}

// RunStats prints aggregate traffic statistics.
//
// Usage: relaygate stats [-db path] [-session id]
func RunStats(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	dbPath := fs.String("db", DefaultDBPath(), "SQLite database path")
	session := fs.String("session", "", "only this session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withStore(*dbPath, func(s store.Store) error {
		stats, err := s.Stats(ctx, *session)
		if err != nil {
			return err
		}
		return writeJSON(out, stats)
	})
}

// RunMessages prints recorded messages, newest first.
//
// Usage: relaygate messages [-db path] [-session id] [-direction d] [-method m] [-kind k] [-tool t] [-id id] [-dropped] [-limit n]
func RunMessages(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("messages", flag.ContinueOnError)
	dbPath := fs.String("db", DefaultDBPath(), "SQLite database path")
	var f store.QueryFilter
	fs.StringVar(&f.SessionID, "session", "", "only this session")
	fs.StringVar(&f.Direction, "direction", "", "client_to_server or server_to_client")
	fs.StringVar(&f.Method, "method", "", "only this method")
	fs.StringVar(&f.Kind, "kind", "", "request, response, error or notification")
	fs.StringVar(&f.ToolName, "tool", "", "only tools/call requests for this tool")
	fs.StringVar(&f.MsgID, "id", "", "only this message id (JSON text, e.g. 7 or '\"abc\"')")
	fs.BoolVar(&f.DroppedOnly, "dropped", false, "only messages dropped by a hook")
	fs.IntVar(&f.Limit, "limit", 50, "maximum number of messages")
	fs.IntVar(&f.Offset, "offset", 0, "skip this many messages")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withStore(*dbPath, func(s store.Store) error {
		entries, err := s.Query(ctx, f)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []store.LogEntry{}
		}
		return writeJSON(out, entries)
	})
}

// RunTools prints tool availability and usage.
//
// Usage: relaygate tools [-db path] [-session id]
func RunTools(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tools", flag.ContinueOnError)
	dbPath := fs.String("db", DefaultDBPath(), "SQLite database path")
	session := fs.String("session", "", "only tools advertised in this session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withStore(*dbPath, func(s store.Store) error {
		analytics, err := s.GetToolAnalytics(ctx, *session)
		if err != nil {
			return err
		}
		return writeJSON(out, analytics)
	})
}

// RunSessions prints recorded sessions with their traffic totals, newest
// first.
//
// Usage: relaygate sessions [-db path] [-limit n]
func RunSessions(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	dbPath := fs.String("db", DefaultDBPath(), "SQLite database path")
	limit := fs.Int("limit", 20, "maximum number of sessions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withStore(*dbPath, func(s store.Store) error {
		sessions, err := s.ListSessions(ctx, *limit)
		if err != nil {
			return err
		}
		if sessions == nil {
			sessions = []store.SessionSummary{}
		}
		return writeJSON(out, sessions)
	})
}

func withStore(path string, fn func(store.Store) error) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s, err := store.NewSQLiteStore(path, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
