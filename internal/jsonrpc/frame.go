package jsonrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// HeaderContentLength is the only header the codec interprets.
	HeaderContentLength = "Content-Length"

	// DefaultMaxFrameSize bounds the body a Decoder accepts.
	DefaultMaxFrameSize = 64 << 20 // 64MB

	maxHeaderLine = 8 * 1024
)

// Decoder reads Content-Length framed JSON values from a stream.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
}

// NewDecoder returns a Decoder with DefaultMaxFrameSize.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultMaxFrameSize)
}

// NewDecoderSize returns a Decoder that rejects bodies larger than maxSize.
func NewDecoderSize(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{r: bufio.NewReader(r), maxSize: maxSize}
}

// Decode reads one frame and returns its body.
//
// It returns io.EOF only when the stream ends exactly at a frame boundary.
// A stream ending inside a header block or body yields an error wrapping
// io.ErrUnexpectedEOF. Unknown headers are ignored.
func (d *Decoder) Decode() (json.RawMessage, error) {
	length := -1
	for first := true; ; first = false {
		line, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if first && line == "" {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("read header: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), HeaderContentLength) {
			continue
		}
		n, err := parseLength(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidHeader, HeaderContentLength, value)
		}
		length = n
	}

	if length < 0 {
		return nil, ErrMissingLengthHeader
	}
	if length > d.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, d.maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read body: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}

	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return raw, nil
}

// readLine reads one header line without its terminator. A bare "\n"
// terminator is accepted as well as "\r\n".
func (d *Decoder) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := d.r.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > maxHeaderLine {
			return "", fmt.Errorf("%w: header line exceeds %d bytes", ErrInvalidHeader, maxHeaderLine)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		line := sb.String()
		if err != nil {
			return line, err
		}
		line = strings.TrimSuffix(line, "\n")
		return strings.TrimSuffix(line, "\r"), nil
	}
}

// parseLength accepts a plain decimal: ASCII digits only, no sign.
func parseLength(s string) (int, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}

// Encoder writes Content-Length framed JSON values to a stream.
// An Encoder is not safe for concurrent use.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// flusher is satisfied by *bufio.Writer and similar buffered sinks.
type flusher interface {
	Flush() error
}

// Encode marshals v and writes header and body in a single Write, then
// flushes the underlying writer if it buffers. A failed write is not retried.
func (e *Encoder) Encode(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	frame := make([]byte, 0, len(body)+32)
	frame = fmt.Appendf(frame, "%s: %d\r\n\r\n", HeaderContentLength, len(body))
	frame = append(frame, body...)

	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if f, ok := e.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}
