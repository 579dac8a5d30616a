package proxy

import (
	"context"
	"time"

	"github.com/relaygate/relaygate/internal/jsonrpc"
)

// Event describes a message the session either wrote to a peer or dropped.
type Event struct {
	Timestamp  time.Time
	SessionID  string
	Direction  Direction
	Message    jsonrpc.Message
	Injected   bool // emitted by a hook, not read from a peer
	Dropped    bool
	DropReason string
}

// Observer receives session traffic. Observe is called from the read and
// write loops concurrently and must not block for long.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}
