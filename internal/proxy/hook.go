package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaygate/relaygate/internal/jsonrpc"
)

// Hook intercepts messages for one method name.
//
// Each entry point returns an Outcome:
//   - Forward(msg): forward the (possibly rewritten) message
//   - Drop(): do not forward the original message
//   - either, plus With(...): also emit extra messages to either peer
//
// A returned error drops the message and is logged; it never ends the
// session. Hooks are invoked concurrently from both read loops and must
// guard any state they keep.
type Hook interface {
	OnRequest(ctx context.Context, req *jsonrpc.Request) (Outcome, error)
	OnResponse(ctx context.Context, resp *jsonrpc.Response) (Outcome, error)
	OnNotification(ctx context.Context, n *jsonrpc.Notification) (Outcome, error)
}

// PassThrough forwards everything unchanged. Embed it to override only the
// entry points a hook cares about.
type PassThrough struct{}

func (PassThrough) OnRequest(_ context.Context, req *jsonrpc.Request) (Outcome, error) {
	return Forward(req), nil
}

func (PassThrough) OnResponse(_ context.Context, resp *jsonrpc.Response) (Outcome, error) {
	return Forward(resp), nil
}

func (PassThrough) OnNotification(_ context.Context, n *jsonrpc.Notification) (Outcome, error) {
	return Forward(n), nil
}

// HookFuncs adapts plain functions to a Hook. Nil fields pass through.
type HookFuncs struct {
	Request      func(ctx context.Context, req *jsonrpc.Request) (Outcome, error)
	Response     func(ctx context.Context, resp *jsonrpc.Response) (Outcome, error)
	Notification func(ctx context.Context, n *jsonrpc.Notification) (Outcome, error)
}

func (h HookFuncs) OnRequest(ctx context.Context, req *jsonrpc.Request) (Outcome, error) {
	if h.Request == nil {
		return Forward(req), nil
	}
	return h.Request(ctx, req)
}

func (h HookFuncs) OnResponse(ctx context.Context, resp *jsonrpc.Response) (Outcome, error) {
	if h.Response == nil {
		return Forward(resp), nil
	}
	return h.Response(ctx, resp)
}

func (h HookFuncs) OnNotification(ctx context.Context, n *jsonrpc.Notification) (Outcome, error) {
	if h.Notification == nil {
		return Forward(n), nil
	}
	return h.Notification(ctx, n)
}

// Directed is a message addressed to one peer.
type Directed struct {
	Direction Direction
	Message   jsonrpc.Message
}

// Outcome is the result of a hook invocation. A nil Message means the
// original message is dropped. Extra messages are emitted in order, after
// Message.
type Outcome struct {
	Message jsonrpc.Message
	Extra   []Directed
}

// Forward returns an outcome forwarding msg.
func Forward(msg jsonrpc.Message) Outcome {
	return Outcome{Message: msg}
}

// Drop returns an outcome that forwards nothing.
func Drop() Outcome {
	return Outcome{}
}

// Dropped reports whether the original message is suppressed.
func (o Outcome) Dropped() bool {
	return o.Message == nil
}

// With appends an extra message for dir.
func (o Outcome) With(dir Direction, msg jsonrpc.Message) Outcome {
	o.Extra = append(o.Extra, Directed{Direction: dir, Message: msg})
	return o
}

// WithNotification appends a notification for dir. It fails only if params
// cannot be marshaled.
func (o Outcome) WithNotification(dir Direction, method string, params any) (Outcome, error) {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return o, err
	}
	return o.With(dir, n), nil
}

// ErrProcessingFailed matches every ProcessingError.
var ErrProcessingFailed = errors.New("hook processing failed")

// ProcessingError reports that a hook could not process a message.
type ProcessingError struct {
	Method string
	Detail string
	Err    error
}

func (e *ProcessingError) Error() string {
	msg := "hook processing failed"
	if e.Method != "" {
		msg += " for " + e.Method
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessingError) Is(target error) bool {
	return target == ErrProcessingFailed
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Failed returns a ProcessingError with a formatted detail.
func Failed(format string, args ...any) error {
	return &ProcessingError{Detail: fmt.Sprintf(format, args...)}
}

// asProcessingError normalizes any hook error to a *ProcessingError
// tagged with method.
func asProcessingError(method string, err error) *ProcessingError {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		if pe.Method == "" {
			cp := *pe
			cp.Method = method
			return &cp
		}
		return pe
	}
	return &ProcessingError{Method: method, Err: err}
}
