// writer.go implements the buffered, non-blocking stdin writer of spec
// §4.5: a write attempt that never blocks, backed by an overflow queue for
// the bytes that could not be written immediately. EPIPE downgrades to
// closing the local input half rather than a fatal error, per spec.
package process

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Result is the three-valued outcome of a buffered write (spec §4.5).
type Result int

const (
	ResultOK Result = iota
	ResultBuffered
	ResultClosed
)

// BufferedWriter performs non-blocking writes to fd, queueing whatever
// could not be written immediately.
type BufferedWriter struct {
	fd       int
	overflow []byte
}

// NewBufferedWriter wraps fd, which must already be non-blocking.
func NewBufferedWriter(fd int) *BufferedWriter {
	return &BufferedWriter{fd: fd}
}

// Pending reports whether the overflow queue is non-empty (spec §4.6:
// "watch in_fd for writability only if the overflow buffer is non-empty").
func (w *BufferedWriter) Pending() bool { return len(w.overflow) > 0 }

// Write attempts to flush any queued overflow first, then data. Partial
// progress appends the remainder to the overflow queue and returns
// ResultBuffered (spec §4.5).
func (w *BufferedWriter) Write(data []byte) (Result, error) {
	if len(w.overflow) > 0 {
		w.overflow = append(w.overflow, data...)
		return w.drain()
	}
	n, err := w.writeNonBlocking(data)
	if err != nil {
		return w.classifyError(data[n:], err)
	}
	if n < len(data) {
		w.overflow = append(w.overflow, data[n:]...)
		return ResultBuffered, nil
	}
	return ResultOK, nil
}

// Flush drains the overflow queue without accepting new input (spec §4.5).
func (w *BufferedWriter) Flush() (Result, error) {
	if len(w.overflow) == 0 {
		return ResultOK, nil
	}
	return w.drain()
}

func (w *BufferedWriter) drain() (Result, error) {
	n, err := w.writeNonBlocking(w.overflow)
	if err != nil {
		remaining := w.overflow[n:]
		w.overflow = nil
		return w.classifyError(remaining, err)
	}
	w.overflow = w.overflow[n:]
	if len(w.overflow) > 0 {
		return ResultBuffered, nil
	}
	w.overflow = nil
	return ResultOK, nil
}

func (w *BufferedWriter) classifyError(remaining []byte, err error) (Result, error) {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		w.overflow = append(w.overflow, remaining...)
		return ResultBuffered, nil
	}
	if errors.Is(err, unix.EPIPE) {
		return ResultClosed, err
	}
	return ResultClosed, fmt.Errorf("process: writing stdin: %w", err)
}

// writeNonBlocking performs a single non-blocking write, looping over
// successful partial writes until the buffer is exhausted or the kernel
// would block.
func (w *BufferedWriter) writeNonBlocking(buf []byte) (written int, err error) {
	for written < len(buf) {
		n, werr := unix.Write(w.fd, buf[written:])
		if n > 0 {
			written += n
		}
		if werr != nil {
			return written, werr
		}
		if n == 0 {
			return written, nil
		}
	}
	return written, nil
}
