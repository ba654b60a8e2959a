package stratum

import (
	"bytes"

	"github.com/bardlex/gominer/pkg/errors"
)

// DefaultMaxMessageSize is the receive buffer capacity used when none is configured.
const DefaultMaxMessageSize = 4096

// LineBuffer splits a byte stream into newline terminated lines. A partial
// trailing line is kept until the rest of it arrives. It is not safe for
// concurrent use.
type LineBuffer struct {
	buf      []byte
	capacity int
}

// NewLineBuffer creates a line buffer holding at most capacity unterminated bytes
func NewLineBuffer(capacity int) *LineBuffer {
	if capacity <= 0 {
		capacity = DefaultMaxMessageSize
	}
	return &LineBuffer{
		buf:      make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Feed appends chunk and calls fn for every complete line, without the
// terminating newline. The slice passed to fn is only valid during the call.
// fn returns false to stop processing, in which case the remaining data is
// discarded. Feed fails when unterminated data would exceed the capacity.
func (b *LineBuffer) Feed(chunk []byte, fn func(line []byte) bool) error {
	b.buf = append(b.buf, chunk...)

	start := 0
	for {
		i := bytes.IndexByte(b.buf[start:], '\n')
		if i < 0 {
			break
		}

		line := b.buf[start : start+i]
		start += i + 1

		if !fn(bytes.TrimRight(line, "\r")) {
			b.Reset()
			return nil
		}
	}

	remaining := len(b.buf) - start
	if remaining > b.capacity {
		b.Reset()
		return errors.New(errors.ErrorTypeProtocol, "read_line", "line exceeds receive buffer").
			WithContext("capacity", b.capacity)
	}

	// compact
	n := copy(b.buf, b.buf[start:])
	b.buf = b.buf[:n]
	return nil
}

// Len returns the number of buffered unterminated bytes
func (b *LineBuffer) Len() int {
	return len(b.buf)
}

// Reset drops buffered data
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
}
