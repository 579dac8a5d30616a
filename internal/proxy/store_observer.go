package proxy

import (
	"context"
	"log/slog"

	"github.com/relaygate/relaygate/internal/eventbus"
	"github.com/relaygate/relaygate/internal/jsonrpc"
	"github.com/relaygate/relaygate/internal/policy"
	"github.com/relaygate/relaygate/internal/store"
)

// StoreObserver records session traffic in the store and publishes it to
// the event bus. Both sinks are non-blocking. Either may be nil.
type StoreObserver struct {
	store    store.Store
	eventBus *eventbus.EventBus
	logger   *slog.Logger
}

func NewStoreObserver(s store.Store, eb *eventbus.EventBus, logger *slog.Logger) *StoreObserver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StoreObserver{store: s, eventBus: eb, logger: logger}
}

func (o *StoreObserver) Observe(ctx context.Context, ev Event) {
	entry, err := NewLogEntry(ev)
	if err != nil {
		o.logger.Warn("cannot record message", "direction", ev.Direction, "error", err)
		return
	}
	if o.store != nil {
		o.store.LogMessage(ctx, entry)
	}
	if o.eventBus != nil {
		o.eventBus.Publish(entry)
	}
}

// NewLogEntry converts an observed event into a store row.
func NewLogEntry(ev Event) (*store.LogEntry, error) {
	raw, err := jsonrpc.ToValue(ev.Message)
	if err != nil {
		return nil, err
	}

	entry := &store.LogEntry{
		Timestamp:  ev.Timestamp,
		SessionID:  ev.SessionID,
		Direction:  ev.Direction.String(),
		Kind:       string(ev.Message.Kind()),
		Payload:    string(raw),
		SizeBytes:  len(raw),
		Injected:   ev.Injected,
		Dropped:    ev.Dropped,
		DropReason: ev.DropReason,
	}

	switch m := ev.Message.(type) {
	case *jsonrpc.Request:
		entry.Method = m.Method
		entry.MsgID = m.ID.String()
		if m.Method == "tools/call" {
			entry.ToolName = policy.ExtractToolName(m.Params)
		}
	case *jsonrpc.Response:
		entry.MsgID = m.ID.String()
		if len(m.Error) > 0 {
			entry.Kind = store.KindError
		}
	case *jsonrpc.Notification:
		entry.Method = m.Method
	}
	return entry, nil
}
