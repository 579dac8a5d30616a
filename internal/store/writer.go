package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	bufferSize    = 1024
	batchSize     = 100
	flushInterval = 500 * time.Millisecond
)

var errWriterClosed = errors.New("store writer closed")

const insertMessage = `
	INSERT INTO messages (timestamp, session_id, direction, kind, method, msg_id, payload, size_bytes, injected, dropped, drop_reason, tool_name)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// batchWriter inserts log entries in the background, one transaction per
// batch. A batch is written when it is full, when flushInterval passes, on
// sync and on close.
type batchWriter struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex // guards closed against sends on ch
	closed bool
	ch     chan *LogEntry
	syncCh chan chan struct{}
	done   chan struct{}

	written   atomic.Int64
	discarded atomic.Int64
}

func newBatchWriter(db *sql.DB, logger *slog.Logger) *batchWriter {
	w := &batchWriter{
		db:     db,
		logger: logger,
		ch:     make(chan *LogEntry, bufferSize),
		syncCh: make(chan chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue never blocks. It reports whether e was accepted.
func (w *batchWriter) enqueue(e *LogEntry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.discarded.Add(1)
		return false
	}
	select {
	case w.ch <- e:
		return true
	default:
		w.discarded.Add(1)
		return false
	}
}

// sync waits until everything enqueued before the call is written.
func (w *batchWriter) sync(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case w.syncCh <- reply:
	case <-w.done:
		return errWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *batchWriter) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *batchWriter) run() {
	defer close(w.done)

	batch := make([]*LogEntry, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.insert(batch); err != nil {
			w.logger.Error("write batch failed", "entries", len(batch), "error", err)
			w.discarded.Add(int64(len(batch)))
		} else {
			w.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-w.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case reply := <-w.syncCh:
			// take what is already buffered, then write it
			for drained := false; !drained; {
				select {
				case e, ok := <-w.ch:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, e)
				default:
					drained = true
				}
			}
			flush()
			close(reply)
		case <-ticker.C:
			flush()
		}
	}
}

func (w *batchWriter) insert(batch []*LogEntry) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertMessage)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		_, err := stmt.Exec(
			formatTime(e.Timestamp),
			e.SessionID,
			e.Direction,
			e.Kind,
			nullString(e.Method),
			nullString(e.MsgID),
			e.Payload,
			e.SizeBytes,
			e.Injected,
			e.Dropped,
			nullString(e.DropReason),
			nullString(e.ToolName),
		)
		if err != nil {
			return fmt.Errorf("insert %s %s: %w", e.Kind, e.Method, err)
		}
	}
	return tx.Commit()
}
