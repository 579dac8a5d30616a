package proxy

import "context"

// Direction names the peer a message is travelling to.
type Direction string

const (
	ToClient Direction = "to_client"
	ToServer Direction = "to_server"
)

// Reverse returns the opposite direction, i.e. back to the sender.
func (d Direction) Reverse() Direction {
	if d == ToServer {
		return ToClient
	}
	return ToServer
}

// String returns the label used in logs and the traffic store.
func (d Direction) String() string {
	if d == ToServer {
		return "client_to_server"
	}
	return "server_to_client"
}

type contextKey string

const (
	directionKey contextKey = "direction"
	methodKey    contextKey = "method"
	sessionKey   contextKey = "session"
)

// WithDirection returns a context tagged with the travel direction of the
// message being dispatched.
func WithDirection(ctx context.Context, dir Direction) context.Context {
	return context.WithValue(ctx, directionKey, dir)
}

// DirectionFromContext returns the travel direction of the message a hook
// was invoked for.
func DirectionFromContext(ctx context.Context) (Direction, bool) {
	dir, ok := ctx.Value(directionKey).(Direction)
	return dir, ok
}

// WithMethod returns a context carrying the method of the request a
// response answers.
func WithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, methodKey, method)
}

// MethodFromContext returns the method of the request a response answers.
// It is only set while OnResponse runs.
func MethodFromContext(ctx context.Context) string {
	m, _ := ctx.Value(methodKey).(string)
	return m
}

// WithSessionID returns a context carrying the id of the running session.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SessionIDFromContext returns the id of the session dispatching a message.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}
