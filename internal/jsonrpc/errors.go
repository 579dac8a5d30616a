package jsonrpc

import "errors"

var (
	// ErrMissingLengthHeader is returned when a header block ends without
	// a Content-Length header.
	ErrMissingLengthHeader = errors.New("missing Content-Length header")

	// ErrInvalidHeader is returned for a Content-Length value that is not a
	// non-negative decimal, or a header line over the size limit.
	ErrInvalidHeader = errors.New("invalid header")

	// ErrFrameTooLarge is returned when Content-Length exceeds the decoder limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedJSON is returned when a frame body is not valid JSON.
	ErrMalformedJSON = errors.New("malformed JSON body")

	// ErrInvalidMessageShape is returned by FromValue for a JSON value that is
	// not a request, response or notification. Unlike the framing errors it
	// concerns one message only; the stream stays usable.
	ErrInvalidMessageShape = errors.New("invalid message shape")
)

// IsFramingError reports whether err leaves the stream unusable.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrMissingLengthHeader) ||
		errors.Is(err, ErrInvalidHeader) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrMalformedJSON)
}
