// Package channel implements the data channel abstraction described in
// SPEC_FULL.md §10.3: a bidirectional, framed, bounded, pollable byte
// channel. The spec treats the real transport (vchan, in the original
// Qubes implementation) as an opaque external collaborator; this package
// supplies a concrete, buildable stand-in over a loopback TCP stream socket,
// framed with package wire, so the handshake and event-loop logic in
// internal/session can be built and tested against something real.
//
// Framing here is grounded on the length-prefixed message helpers in the
// retrieved corpus (pkg/vsock/wire.go's SendMessage/ReadFull, jy-tan-manta's
// internal/agentrpc WriteMessage/ReadMessage). The readiness model exposes a
// raw, pollable file descriptor (Fd) rather than a higher-level Go channel,
// so internal/session can integrate it into a single golang.org/x/sys/unix
// poll() call alongside the local stdin/stdout descriptors — the direct Go
// analogue of spec §5's "the channel's own wait-FD integrates into the
// readiness wait."
package channel

import (
	"bufio"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/QubesOS/qrexec-client-go/internal/errs"
	"github.com/QubesOS/qrexec-client-go/internal/wire"
	"golang.org/x/sys/unix"
)

// Channel is the interface the event loop depends on. A real vchan binding
// would implement the same shape.
type Channel interface {
	// Recv reads exactly one frame, blocking until it is fully available.
	// maxPayload bounds the accepted payload length (spec §4.6.2).
	Recv(maxPayload int) (msgType uint32, payload []byte, err error)
	// Send writes one complete frame.
	Send(msgType uint32, payload []byte) error
	// FreeSpace approximates the remaining buffer space available for a
	// single Send, for the flow-control computation in spec §4.6.1.
	FreeSpace() int
	// Pending reports whether at least one full frame is already buffered
	// and can be serviced without blocking (spec §4.6 step 7).
	Pending() bool
	// Fd is the raw, pollable wait descriptor (spec §5).
	Fd() int
	// Close tears down the transport. Safe to call more than once.
	Close() error
}

// SocketChannel is the loopback-TCP-socket backed Channel implementation.
type SocketChannel struct {
	conn     net.Conn
	rawConn  syscall.RawConn
	fd       int
	br       *bufio.Reader
	freeSpc  int
	closedOK bool
}

// wrap constructs a SocketChannel around an already-connected net.Conn.
func wrap(conn net.Conn) (*SocketChannel, error) {
	sc, ok := conn.(syscallConner)
	if !ok {
		return nil, fmt.Errorf("channel: connection type %T exposes no raw fd", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("channel: SyscallConn: %w", err)
	}
	var fd int
	raw.Control(func(f uintptr) { fd = int(f) })

	return &SocketChannel{
		conn:    conn,
		rawConn: raw,
		fd:      fd,
		br:      bufio.NewReaderSize(conn, 64*1024),
		freeSpc: sndbufSize(raw),
	}, nil
}

// Dial opens the channel as the connecting (client) party — used when the
// endpoint was pre-existing (spec §3, "Data channel" lifetime note).
func Dial(addr string, timeout time.Duration) (*SocketChannel, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errs.ErrTimeout
		}
		return nil, fmt.Errorf("channel: dial %s: %w", addr, err)
	}
	return wrap(conn)
}

// Listener is the server-role half of the data channel: it owns a listening
// socket and accepts exactly one peer, matching "one channel per client
// invocation" (spec Non-goals).
type Listener struct {
	ln net.Listener
}

// Listen allocates a new listening endpoint on loopback and reports its
// port, which stands in for the (domain-id, port) pair the real broker
// would allocate (spec §4.2 negotiate()).
func Listen() (*Listener, int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("channel: listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	return &Listener{ln: ln}, port, nil
}

// Accept blocks, bounded by timeout (0 disables the bound), until a peer
// connects (spec §4.8, server-side wait).
func (l *Listener) Accept(timeout time.Duration) (*SocketChannel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		done <- result{conn, err}
	}()

	if timeout <= 0 {
		r := <-done
		if r.err != nil {
			return nil, fmt.Errorf("channel: accept: %w", r.err)
		}
		return wrap(r.conn)
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("channel: accept: %w", r.err)
		}
		return wrap(r.conn)
	case <-time.After(timeout):
		l.ln.Close()
		return nil, errs.ErrTimeout
	}
}

// Close closes the listening socket without accepting.
func (l *Listener) Close() error { return l.ln.Close() }

// Pending reports whether the bytes already buffered in the reader plus
// those waiting in the kernel socket buffer make up at least one complete
// frame, so Recv can service it without blocking (spec §4.6 step 7's drain
// loop).
func (c *SocketChannel) Pending() bool {
	avail := c.br.Buffered()
	if n, err := unix.IoctlGetInt(c.fd, unix.FIONREAD); err == nil {
		avail += n
	}
	if avail < wire.HeaderSize {
		return false
	}
	hdrBuf, err := c.br.Peek(wire.HeaderSize)
	if err != nil {
		return false
	}
	hdr, err := wire.DecodeHeader(hdrBuf)
	if err != nil {
		return false
	}
	return avail >= wire.HeaderSize+int(hdr.Length)
}

func (c *SocketChannel) Recv(maxPayload int) (uint32, []byte, error) {
	return wire.RecvFrame(c.br, maxPayload)
}

func (c *SocketChannel) Send(msgType uint32, payload []byte) error {
	return wire.SendFrame(c.conn, msgType, payload)
}

func (c *SocketChannel) FreeSpace() int {
	if c.freeSpc <= 0 {
		return 65536
	}
	return c.freeSpc
}

func (c *SocketChannel) Fd() int { return c.fd }

func (c *SocketChannel) Close() error {
	if c.closedOK {
		return nil
	}
	c.closedOK = true
	return c.conn.Close()
}

// sndbufSize reads SO_SNDBUF from the underlying socket, the nearest
// standard-library-plus-golang.org/x/sys analogue of vchan's notion of
// remaining buffer space (spec §4.6.1's channel_free_space).
func sndbufSize(raw syscall.RawConn) int {
	var size int
	raw.Control(func(fd uintptr) {
		size, _ = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	return size
}

type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}
