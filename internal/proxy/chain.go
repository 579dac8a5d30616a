package proxy

import (
	"context"

	"github.com/relaygate/relaygate/internal/jsonrpc"
)

// Chain composes hooks registered under one method. Hooks run in order,
// each seeing the message the previous one forwarded. Extra messages are
// collected in order. Processing stops on the first hook that drops the
// message or fails.
func Chain(hooks ...Hook) Hook {
	return &chain{hooks: hooks}
}

type chain struct {
	hooks []Hook
}

func (c *chain) OnRequest(ctx context.Context, req *jsonrpc.Request) (Outcome, error) {
	return c.run(ctx, req)
}

func (c *chain) OnResponse(ctx context.Context, resp *jsonrpc.Response) (Outcome, error) {
	return c.run(ctx, resp)
}

func (c *chain) OnNotification(ctx context.Context, n *jsonrpc.Notification) (Outcome, error) {
	return c.run(ctx, n)
}

func (c *chain) run(ctx context.Context, msg jsonrpc.Message) (Outcome, error) {
	cur := msg
	var extra []Directed
	for _, h := range c.hooks {
		out, err := invoke(ctx, h, cur)
		if err != nil {
			return Outcome{}, err
		}
		extra = append(extra, out.Extra...)
		if out.Message == nil {
			return Outcome{Extra: extra}, nil // dropped
		}
		cur = out.Message
	}
	return Outcome{Message: cur, Extra: extra}, nil
}

// invoke calls the entry point of h matching the kind of msg.
func invoke(ctx context.Context, h Hook, msg jsonrpc.Message) (Outcome, error) {
	switch m := msg.(type) {
	case *jsonrpc.Request:
		return h.OnRequest(ctx, m)
	case *jsonrpc.Response:
		return h.OnResponse(ctx, m)
	case *jsonrpc.Notification:
		return h.OnNotification(ctx, m)
	default:
		return Forward(msg), nil
	}
}
