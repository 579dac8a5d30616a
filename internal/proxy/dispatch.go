package proxy

import (
	"context"
	"fmt"

	"github.com/relaygate/relaygate/internal/jsonrpc"
)

// Dispatcher routes decoded messages to hooks and maintains request/
// response correlation. One Dispatcher serves both read loops of a session.
type Dispatcher struct {
	registry *Registry
	pending  *PendingTable
}

func NewDispatcher(registry *Registry, pending *PendingTable) *Dispatcher {
	if pending == nil {
		pending = NewPendingTable()
	}
	return &Dispatcher{registry: registry, pending: pending}
}

// Pending returns the correlation table.
func (d *Dispatcher) Pending() *PendingTable {
	return d.pending
}

// Dispatch runs msg, travelling in dir, through the hook registered for its
// method. Messages without a hook are forwarded unchanged.
//
// A request with a hook is recorded before the hook runs, so anything the
// hook emits cannot overtake the correlation. A response is correlated by
// removing its entry; responses to requests no hook saw are never looked up
// in the registry. Entries are removed only when their response arrives, so
// a hook may drop a request and emit a replacement with the same id. A
// request whose hook fails is forgotten, since nothing was emitted for it.
func (d *Dispatcher) Dispatch(ctx context.Context, msg jsonrpc.Message, dir Direction) (Outcome, error) {
	ctx = WithDirection(ctx, dir)

	switch m := msg.(type) {
	case *jsonrpc.Request:
		h, ok := d.registry.Lookup(m.Method)
		if !ok {
			return Forward(m), nil
		}
		d.pending.Record(dir, m.ID, m.Method)
		out, err := d.call(ctx, m.Method, h, m)
		if err != nil {
			d.pending.Forget(dir, m.ID)
		}
		return out, err

	case *jsonrpc.Notification:
		h, ok := d.registry.Lookup(m.Method)
		if !ok {
			return Forward(m), nil
		}
		return d.call(ctx, m.Method, h, m)

	case *jsonrpc.Response:
		method, ok := d.pending.Take(dir, m.ID)
		if !ok {
			return Forward(m), nil
		}
		h, ok := d.registry.Lookup(method)
		if !ok {
			return Forward(m), nil
		}
		return d.call(WithMethod(ctx, method), method, h, m)

	default:
		return Outcome{}, fmt.Errorf("unknown message type %T", msg)
	}
}

func (d *Dispatcher) call(ctx context.Context, method string, h Hook, msg jsonrpc.Message) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = Outcome{}, &ProcessingError{Method: method, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	out, err = invoke(ctx, h, msg)
	if err != nil {
		return Outcome{}, asProcessingError(method, err)
	}
	return out, nil
}
