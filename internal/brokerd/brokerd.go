// Package brokerd implements the minimal reference broker of SPEC_FULL.md
// §10.5: just enough of the broker side of spec §4.2/§6.5 for
// qrexec-client's broker session logic to have something real to dial in
// tests and in the zero-to-working demo path. It has no authorization
// policy — Non-goals (spec §1) still exclude authentication — and serves
// exactly one negotiation per connection ("one channel per client
// invocation", Non-goals).
//
// The listen-socket lifecycle (remove a stale socket file left by an
// unclean shutdown, then net.Listen) follows the teacher's
// common/socket.DaemonListen/AgentListen convention.
package brokerd

import (
	"fmt"
	"net"
	"os"

	"github.com/QubesOS/qrexec-client-go/internal/channel"
	"github.com/QubesOS/qrexec-client-go/internal/config"
	"github.com/QubesOS/qrexec-client-go/internal/wire"
)

// Broker listens for qrexec-client connections on the socket derived from
// its own domain name.
type Broker struct {
	domain string
	ln     net.Listener

	// TargetDomainID is the domain-id value this broker reports back in
	// exec_params for every negotiation (there is no real domain registry
	// to consult in this reference implementation).
	TargetDomainID int
}

// Listen removes any stale socket at the conventional path and binds a new
// Unix listener there (spec §6.5).
func Listen(domain string) (*Broker, error) {
	if _, err := config.EnsureSocketDir(); err != nil {
		return nil, err
	}
	path := config.BrokerSocketPath(domain)
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("brokerd: listening on %s: %w", path, err)
	}
	return &Broker{domain: domain, ln: ln}, nil
}

// Close stops accepting new connections.
func (b *Broker) Close() error { return b.ln.Close() }

// Addr exposes the bound socket path for tests and diagnostics.
func (b *Broker) Addr() string { return b.ln.Addr().String() }

// Accept blocks for the next client connection and returns it.
func (b *Broker) Accept() (net.Conn, error) {
	conn, err := b.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("brokerd: accept: %w", err)
	}
	return conn, nil
}

// Negotiation is the result of serving one client's negotiation request:
// a listener for the allocated data channel, plus the remote command line
// when the request carried one (MSG_EXEC_CMDLINE / MSG_JUST_EXEC).
type Negotiation struct {
	Listener *channel.Listener
	Port     int
	Cmdline  string
}

// Serve drives one client's full broker-session lifecycle (spec §4.2):
// broker HELLO, read exactly one negotiation or SERVICE_CONNECT frame,
// allocate a loopback data-channel listener, and reply with its port. The
// returned Negotiation lets the caller hand the listener to an agent-side
// harness (used by the brokerd integration tests and by
// cmd/qrexec-brokerd's demo agent loop).
func (b *Broker) Serve(conn net.Conn) (Negotiation, error) {
	defer conn.Close()

	hello := make([]byte, 4)
	wire.PutUint32(hello, uint32(config.CurrentProtocolVersion))
	if err := wire.SendFrame(conn, config.MsgHello, hello); err != nil {
		return Negotiation{}, fmt.Errorf("brokerd: sending broker HELLO: %w", err)
	}

	msgType, payload, err := wire.RecvFrame(conn, 4)
	if err != nil {
		return Negotiation{}, fmt.Errorf("brokerd: reading client HELLO: %w", err)
	}
	if msgType != config.MsgHello || len(payload) != 4 {
		return Negotiation{}, fmt.Errorf("brokerd: invalid client HELLO (type=%d len=%d)", msgType, len(payload))
	}

	msgType, payload, err = wire.RecvFrame(conn, config.MaxCmdLine+8)
	if err != nil {
		return Negotiation{}, fmt.Errorf("brokerd: reading negotiation request: %w", err)
	}

	switch msgType {
	case config.MsgExecCmdline, config.MsgJustExec, config.MsgServiceConnect:
		ln, port, err := channel.Listen()
		if err != nil {
			return Negotiation{}, fmt.Errorf("brokerd: allocating data channel: %w", err)
		}
		reply := encodeExecParams(b.TargetDomainID, port)
		if err := wire.SendFrame(conn, msgType, reply); err != nil {
			ln.Close()
			return Negotiation{}, fmt.Errorf("brokerd: sending negotiation reply: %w", err)
		}
		var cmdline string
		if (msgType == config.MsgExecCmdline || msgType == config.MsgJustExec) && len(payload) > 8 {
			cmdline = string(payload[8:])
		}
		return Negotiation{Listener: ln, Port: port, Cmdline: cmdline}, nil
	default:
		return Negotiation{}, fmt.Errorf("brokerd: unexpected request type %d", msgType)
	}
}

func encodeExecParams(domainID, port int) []byte {
	buf := make([]byte, 8)
	wire.PutUint32(buf[0:4], uint32(domainID))
	wire.PutUint32(buf[4:8], uint32(port))
	return buf
}
