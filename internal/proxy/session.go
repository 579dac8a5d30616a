package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/internal/jsonrpc"
)

const (
	DefaultQueueSize    = 64
	DefaultDrainTimeout = 5 * time.Second
)

// ErrQueueClosed is returned when a message is enqueued for a peer whose
// writer loop has already exited.
var ErrQueueClosed = errors.New("message queue closed")

var errHalfClosed = errors.New("peer write side half-closed")

// Conn is one peer's byte stream pair. The session reads frames from Reader
// and writes frames to Writer. If Reader implements io.Closer it is closed
// when the session aborts, to unblock a pending read.
type Conn struct {
	Reader io.Reader
	Writer io.Writer
}

// SessionConfig holds tunables for one proxy session.
type SessionConfig struct {
	ID           string
	QueueSize    int           // capacity of each outbound queue
	DrainTimeout time.Duration // how long writers may flush after both readers end
	MaxFrameSize int           // 0 means jsonrpc.DefaultMaxFrameSize

	// ReplyOnHookError answers a request whose hook failed with an
	// internal-error response to its sender instead of leaving it unanswered.
	ReplyOnHookError bool

	// HalfClose closes a peer's Writer (if it is an io.Closer) once the
	// opposite peer disconnects and everything queued for it is written.
	// Used for child processes that only exit when their stdin closes.
	HalfClose bool
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Session proxies one client/server pairing. It runs two read loops and two
// write loops joined by bounded queues; see Run.
type Session struct {
	cfg        SessionConfig
	dispatcher *Dispatcher
	observer   Observer
	logger     *slog.Logger

	state   atomic.Int32
	started atomic.Bool
	stats   [2]dirStats
}

// NewSession creates a session. observer may be nil.
func NewSession(cfg SessionConfig, registry *Registry, observer Observer, logger *slog.Logger) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		cfg:        cfg,
		dispatcher: NewDispatcher(registry, NewPendingTable()),
		observer:   observer,
		logger:     logger.With("session", cfg.ID),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.cfg.ID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Pending returns the session's correlation table.
func (s *Session) Pending() *PendingTable {
	return s.dispatcher.Pending()
}

// Run proxies between client and server until both read loops have ended.
//
// A read loop ends cleanly when its peer closes the stream at a frame
// boundary. Framing errors, a closed outbound queue, or ctx cancellation
// end it with an error; the first such error aborts the session (readers
// implementing io.Closer are closed) and is returned. Invalid messages and
// hook failures are logged and skipped. Once both readers are done, writers
// get up to DrainTimeout to flush what is still queued.
func (s *Session) Run(ctx context.Context, client, server Conn) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}
	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateClosed))

	queues := map[Direction]*queue{
		ToServer: newQueue(ToServer, s.cfg.QueueSize),
		ToClient: newQueue(ToClient, s.cfg.QueueSize),
	}

	ctx, cancel := context.WithCancelCause(WithSessionID(ctx, s.cfg.ID))
	defer cancel(nil)

	// write failures surface to readers through ErrQueueClosed
	var writers sync.WaitGroup
	writers.Go(func() { s.writeLoop(ctx, queues[ToServer], server.Writer) })
	writers.Go(func() { s.writeLoop(ctx, queues[ToClient], client.Writer) })

	stop := context.AfterFunc(ctx, func() {
		closeReader(client.Reader)
		closeReader(server.Reader)
	})
	defer stop()

	s.logger.Info("session started", "queue_size", s.cfg.QueueSize)

	var readers errgroup.Group
	readers.Go(func() error {
		if err := s.readLoop(ctx, client.Reader, ToServer, queues); err != nil {
			err = fmt.Errorf("client->server: %w", err)
			cancel(err)
			return err
		}
		return nil
	})
	readers.Go(func() error {
		if err := s.readLoop(ctx, server.Reader, ToClient, queues); err != nil {
			err = fmt.Errorf("server->client: %w", err)
			cancel(err)
			return err
		}
		return nil
	})
	err := readers.Wait()
	if err != nil {
		// the first failure, not the other reader's reaction to the abort
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}

	s.state.Store(int32(StateDraining))
	for _, q := range queues {
		close(q.ch)
	}

	drained := make(chan struct{})
	go func() {
		writers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("writers did not drain in time", "timeout", s.cfg.DrainTimeout)
	}

	st := s.Stats()
	s.logger.Info("session ended",
		"to_server", st.ToServer.Forwarded,
		"to_client", st.ToClient.Forwarded,
		"dropped", st.ToServer.Dropped+st.ToClient.Dropped,
		"error", err,
	)
	return err
}

// readLoop decodes frames from r, dispatches them as travelling in dir and
// enqueues the outcome. It returns nil on a clean disconnect.
func (s *Session) readLoop(ctx context.Context, r io.Reader, dir Direction, queues map[Direction]*queue) error {
	dec := jsonrpc.NewDecoderSize(r, s.cfg.MaxFrameSize)
	st := s.statsFor(dir)

	for {
		raw, err := dec.Decode()
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if errors.Is(err, io.EOF) {
				s.logger.Debug("peer disconnected", "direction", dir)
				if s.cfg.HalfClose {
					queues[dir].halfClose(ctx)
				}
				return nil
			}
			return fmt.Errorf("decode: %w", err)
		}
		st.read.Add(1)

		msg, err := jsonrpc.FromValue(raw)
		if err != nil {
			st.skipped.Add(1)
			s.logger.Warn("skipping invalid message", "direction", dir, "error", err)
			continue
		}

		out, err := s.dispatcher.Dispatch(ctx, msg, dir)
		if err != nil {
			st.hookErrors.Add(1)
			s.logger.Warn("hook failed, dropping message", "direction", dir, "error", err)
			s.observe(ctx, Event{Direction: dir, Message: msg, DropReason: err.Error()})
			if req, ok := msg.(*jsonrpc.Request); ok && s.cfg.ReplyOnHookError {
				reply := jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error())
				if err := queues[dir.Reverse()].push(ctx, outbound{msg: reply, injected: true}); err != nil {
					return err
				}
			}
			continue
		}

		if out.Message != nil {
			if err := queues[dir].push(ctx, outbound{msg: out.Message}); err != nil {
				return err
			}
		} else {
			st.dropped.Add(1)
			method, _ := jsonrpc.MethodOf(msg)
			s.logger.Debug("message dropped by hook", "direction", dir, "method", method)
			s.observe(ctx, Event{Direction: dir, Message: msg, DropReason: "dropped by hook"})
		}

		for _, extra := range out.Extra {
			if extra.Message == nil {
				continue
			}
			q, ok := queues[extra.Direction]
			if !ok {
				s.logger.Warn("hook emitted message with unknown direction", "direction", extra.Direction)
				continue
			}
			if err := q.push(ctx, outbound{msg: extra.Message, injected: true}); err != nil {
				return err
			}
			s.statsFor(extra.Direction).injected.Add(1)
		}
	}
}

// writeLoop encodes queued messages to w until the queue is closed or a
// write fails. On failure the queue is marked closed so producers see
// ErrQueueClosed on their next push.
func (s *Session) writeLoop(ctx context.Context, q *queue, w io.Writer) {
	defer close(q.done)

	enc := jsonrpc.NewEncoder(w)
	st := s.statsFor(q.dir)
	for item := range q.ch {
		if item.msg == nil {
			// half-close marker
			if c, ok := w.(io.Closer); ok {
				if err := c.Close(); err != nil {
					s.logger.Debug("half-close failed", "direction", q.dir, "error", err)
				}
			}
			q.err = errHalfClosed
			return
		}
		if err := enc.Encode(item.msg); err != nil {
			q.err = err
			s.logger.Warn("write failed, closing writer", "direction", q.dir, "error", err)
			return
		}
		st.forwarded.Add(1)
		s.observe(ctx, Event{Direction: q.dir, Message: item.msg, Injected: item.injected})
	}
}

// observe stamps ev with the time and session and hands it to the observer.
// A non-empty DropReason marks it dropped.
func (s *Session) observe(ctx context.Context, ev Event) {
	if s.observer == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.SessionID = s.cfg.ID
	ev.Dropped = ev.DropReason != ""
	s.observer.Observe(ctx, ev)
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
}

// outbound is one queued message. A nil msg is the half-close marker.
type outbound struct {
	msg      jsonrpc.Message
	injected bool // emitted by a hook rather than read from a peer
}

// queue is a bounded outbound message queue feeding one writer loop.
type queue struct {
	dir  Direction
	ch   chan outbound
	done chan struct{} // closed when the writer loop exits
	err  error         // why the writer exited; read only after done
}

func newQueue(dir Direction, size int) *queue {
	return &queue{
		dir:  dir,
		ch:   make(chan outbound, size),
		done: make(chan struct{}),
	}
}

// push blocks until item is queued, the writer exits, or ctx is done.
func (q *queue) push(ctx context.Context, item outbound) error {
	select {
	case <-q.done:
		return q.closedErr()
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return q.closedErr()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// halfClose asks the writer to close its peer once everything queued before
// it has been written.
func (q *queue) halfClose(ctx context.Context) {
	select {
	case q.ch <- outbound{}:
	case <-q.done:
	case <-ctx.Done():
	}
}

func (q *queue) closedErr() error {
	if q.err != nil {
		return fmt.Errorf("%w: %s writer: %v", ErrQueueClosed, q.dir, q.err)
	}
	return fmt.Errorf("%w: %s", ErrQueueClosed, q.dir)
}
