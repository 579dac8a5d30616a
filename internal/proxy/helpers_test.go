package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/jsonrpc"
)

const testTimeout = 2 * time.Second

// peer is the far end of one side of a session: the test writes frames the
// peer sends and reads frames the peer receives.
type peer struct {
	conn Conn
	in   *io.PipeWriter
	dec  *jsonrpc.Decoder
}

func newPeer() *peer {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &peer{
		conn: Conn{Reader: inR, Writer: outW},
		in:   inW,
		dec:  jsonrpc.NewDecoder(outR),
	}
}

func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

func (p *peer) send(t *testing.T, body string) {
	t.Helper()
	_, err := io.WriteString(p.in, frame(body))
	require.NoError(t, err)
}

func (p *peer) sendRaw(t *testing.T, raw string) {
	t.Helper()
	_, err := io.WriteString(p.in, raw)
	require.NoError(t, err)
}

func (p *peer) close() {
	p.in.Close()
}

// recv returns the next frame body the peer receives.
func (p *peer) recv(t *testing.T) string {
	t.Helper()
	type result struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := p.dec.Decode()
		ch <- result{raw, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return string(r.raw)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

// harness runs a session between two peers.
type harness struct {
	session *Session
	client  *peer
	server  *peer
	done    chan error
}

func startSession(t *testing.T, cfg SessionConfig, registry *Registry, observer Observer) *harness {
	t.Helper()
	h := &harness{
		session: NewSession(cfg, registry, observer, nil),
		client:  newPeer(),
		server:  newPeer(),
		done:    make(chan error, 1),
	}
	go func() {
		h.done <- h.session.Run(context.Background(), h.client.conn, h.server.conn)
	}()
	return h
}

// finish disconnects both peers and returns the session result.
func (h *harness) finish(t *testing.T) error {
	t.Helper()
	h.client.close()
	h.server.close()
	return h.wait(t)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("session did not end")
		return nil
	}
}

// recorder is a hook that records what it sees.
type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *recorder) OnRequest(ctx context.Context, req *jsonrpc.Request) (Outcome, error) {
	dir, _ := DirectionFromContext(ctx)
	r.add(fmt.Sprintf("request %s %s %s", dir, req.Method, req.ID))
	return Forward(req), nil
}

func (r *recorder) OnResponse(ctx context.Context, resp *jsonrpc.Response) (Outcome, error) {
	dir, _ := DirectionFromContext(ctx)
	r.add(fmt.Sprintf("response %s %s %s", dir, MethodFromContext(ctx), resp.ID))
	return Forward(resp), nil
}

func (r *recorder) OnNotification(ctx context.Context, n *jsonrpc.Notification) (Outcome, error) {
	dir, _ := DirectionFromContext(ctx)
	r.add(fmt.Sprintf("notification %s %s", dir, n.Method))
	return Forward(n), nil
}

// failingWriter fails every write.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

// closeTracker records Close on a writer.
type closeTracker struct {
	io.Writer
	closed chan struct{}
	once   sync.Once
}

func (c *closeTracker) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
