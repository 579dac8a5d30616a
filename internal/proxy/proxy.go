package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/store"
)

// errServerGone ends a session once everything the server sent has been
// written to the client.
var errServerGone = errors.New("server disconnected")

// Config holds configuration for a proxy instance. Exactly one of Command
// and Connect must be set.
type Config struct {
	Command string   // spawn a server and talk to it over stdio
	Args    []string
	Connect string   // dial a server at host:port instead
	Session SessionConfig

	// Client streams; default os.Stdin and os.Stdout.
	Stdin  io.Reader
	Stdout io.Writer
}

// Proxy connects one client to one server through a Session.
type Proxy struct {
	config   Config
	registry *Registry
	observer Observer
	store    store.Store
	logger   *slog.Logger

	mu      sync.Mutex
	session *Session
}

// NewProxy creates a proxy. observer and st may be nil.
func NewProxy(cfg Config, registry *Registry, observer Observer, st store.Store, logger *slog.Logger) *Proxy {
	if cfg.Session.ID == "" {
		cfg.Session.ID = uuid.NewString()
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Proxy{
		config:   cfg,
		registry: registry,
		observer: observer,
		store:    st,
		logger:   logger,
	}
}

// SessionID returns the session identifier for this proxy instance.
func (p *Proxy) SessionID() string {
	return p.config.Session.ID
}

// Stats returns the counters of the running (or finished) session.
func (p *Proxy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return Stats{}
	}
	return p.session.Stats()
}

// Run connects to the server and proxies until either side disconnects or
// ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	switch {
	case p.config.Command != "" && p.config.Connect != "":
		return errors.New("command and connect are mutually exclusive")
	case p.config.Connect != "":
		return p.runTCP(ctx)
	case p.config.Command != "":
		return p.runCommand(ctx)
	default:
		return errors.New("no server command or address given")
	}
}

func (p *Proxy) runCommand(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.config.Command, p.config.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	// An os.Pipe instead of StdoutPipe: Wait must not close the read side
	// while frames are still buffered in it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	defer stdoutR.Close()
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		return fmt.Errorf("start server %q: %w", p.config.Command, err)
	}
	stdoutW.Close()

	p.logger.Info("server started",
		"command", p.config.Command,
		"args", p.config.Args,
		"pid", cmd.Process.Pid,
		"session", p.config.Session.ID,
	)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	runErr := p.serve(ctx, Conn{Reader: stdoutR, Writer: stdin})

	select {
	case waitErr := <-waitCh:
		if runErr == nil && waitErr != nil && ctx.Err() == nil {
			return fmt.Errorf("server exited: %w", waitErr)
		}
	case <-time.After(p.drainTimeout()):
		p.logger.Warn("server still running after session ended, killing", "pid", cmd.Process.Pid)
		cmd.Process.Kill()
		<-waitCh
	}
	return runErr
}

func (p *Proxy) runTCP(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.config.Connect)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.config.Connect, err)
	}
	defer conn.Close()

	p.logger.Info("connected to server", "addr", conn.RemoteAddr().String(), "session", p.config.Session.ID)

	var w io.Writer = conn
	if tc, ok := conn.(*net.TCPConn); ok {
		w = tcpWriteCloser{tc}
	}
	return p.serve(ctx, Conn{Reader: conn, Writer: w})
}

// serve runs the session between the client streams and server. Half-close
// is always on: a client disconnect closes the server's input, and a server
// disconnect ends the session once the client has everything.
func (p *Proxy) serve(ctx context.Context, server Conn) error {
	cfg := p.config.Session
	cfg.HalfClose = true
	sess := NewSession(cfg, p.registry, p.observer, p.logger)

	p.mu.Lock()
	p.session = sess
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.CreateSession(ctx, &store.Session{
			ID:        sess.ID(),
			StartedAt: time.Now(),
			Command:   p.serverLabel(),
			Args:      p.config.Args,
		}); err != nil {
			p.logger.Error("failed to record session", "error", err)
		}
		defer func() {
			if err := p.store.EndSession(context.WithoutCancel(ctx), sess.ID()); err != nil {
				p.logger.Error("failed to end session", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	clientOut := &signalWriter{w: p.config.Stdout, closed: make(chan struct{})}
	client := Conn{Reader: p.config.Stdin, Writer: clientOut}

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx, client, server) }()

	var err error
	select {
	case err = <-done:
	case <-clientOut.closed:
		// The client's reader may be a file that cannot be interrupted,
		// so Run is given a bounded time to notice.
		cancel(errServerGone)
		select {
		case err = <-done:
		case <-time.After(p.drainTimeout()):
			err = errServerGone
		}
	}

	if errors.Is(err, errServerGone) {
		return nil
	}
	return err
}

func (p *Proxy) serverLabel() string {
	if p.config.Connect != "" {
		return "tcp://" + p.config.Connect
	}
	return p.config.Command
}

func (p *Proxy) drainTimeout() time.Duration {
	if p.config.Session.DrainTimeout > 0 {
		return p.config.Session.DrainTimeout
	}
	return DefaultDrainTimeout
}

// signalWriter reports the session's half-close of the client side
// without closing the underlying stream.
type signalWriter struct {
	w      io.Writer
	once   sync.Once
	closed chan struct{}
}

func (s *signalWriter) Write(b []byte) (int, error) {
	return s.w.Write(b)
}

func (s *signalWriter) Flush() error {
	if f, ok := s.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (s *signalWriter) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// tcpWriteCloser closes only the write half of a TCP connection.
type tcpWriteCloser struct {
	*net.TCPConn
}

func (t tcpWriteCloser) Close() error {
	return t.CloseWrite()
}
