// Package broker implements the client's half of the broker session
// described in spec §4.2: connecting to the local broker socket, the
// broker HELLO handshake, endpoint negotiation, and the optional
// SERVICE_CONNECT follow-up. The dial shape follows the teacher's
// common/socket.DaemonDial, generalized from krd's HTTP-over-Unix-socket
// protocol to the framed binary protocol of spec §6.4. Connect makes a
// single dial attempt and does not retry; an unreachable socket is
// returned as an error at once.
package broker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/QubesOS/qrexec-client-go/internal/config"
	"github.com/QubesOS/qrexec-client-go/internal/errs"
	"github.com/QubesOS/qrexec-client-go/internal/wire"
)

// Session is an open connection to the broker, from connect() through the
// end of negotiation (spec §3, "Broker connection").
type Session struct {
	conn net.Conn
}

// Connect opens the local stream socket whose path is derived from domname
// (spec §4.2 connect(), §6.5). Failure here is always fatal to the caller.
func Connect(domname string) (*Session, error) {
	path := config.BrokerSocketPath(domname)
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrBrokerUnreachable, path, err)
	}
	return &Session{conn: conn}, nil
}

// Handshake performs the broker HELLO exchange (spec §4.2 broker_handshake):
// the broker sends HELLO first, the client replies HELLO, and an exact
// version match is required on this transport.
func (s *Session) Handshake(localVersion int) error {
	msgType, payload, err := wire.RecvFrame(s.conn, 4)
	if err != nil {
		return fmt.Errorf("broker: reading broker HELLO: %w", err)
	}
	if msgType != config.MsgHello || len(payload) != 4 {
		return fmt.Errorf("broker: invalid broker HELLO (type=%d len=%d)", msgType, len(payload))
	}
	brokerVersion := int(binary.LittleEndian.Uint32(payload))
	if brokerVersion != localVersion {
		return fmt.Errorf("%w: broker=%d client=%d", errs.ErrVersionMismatch, brokerVersion, localVersion)
	}

	reply := make([]byte, 4)
	binary.LittleEndian.PutUint32(reply, uint32(localVersion))
	if err := wire.SendFrame(s.conn, config.MsgHello, reply); err != nil {
		return fmt.Errorf("broker: sending client HELLO: %w", err)
	}
	return nil
}

// Endpoint is the (domain-id, port) pair allocated for a data channel.
type Endpoint struct {
	DomainID int
	Port     int
}

// encodeExecParams lays out the exec_params sub-structure of §6.4.
func encodeExecParams(domainID, port int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(domainID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(port))
	return buf
}

func decodeExecParams(buf []byte) (domainID, port int, err error) {
	if len(buf) < 8 {
		return 0, 0, fmt.Errorf("broker: short exec_params (%d bytes)", len(buf))
	}
	return int(binary.LittleEndian.Uint32(buf[0:4])), int(binary.LittleEndian.Uint32(buf[4:8])), nil
}

// Negotiate sends {msgType, exec_params{domain, port=0} + extra} to the
// broker and reads back one frame of the same type carrying the allocated
// endpoint (spec §4.2 negotiate()). extra carries the remote command line
// for MSG_EXEC_CMDLINE/MSG_JUST_EXEC, or is nil for a bare negotiation.
func (s *Session) Negotiate(msgType uint32, targetDomainID int, extra []byte) (Endpoint, error) {
	payload := append(encodeExecParams(targetDomainID, 0), extra...)
	if err := wire.SendFrame(s.conn, msgType, payload); err != nil {
		return Endpoint{}, fmt.Errorf("broker: sending negotiation request: %w", err)
	}

	respType, respPayload, err := wire.RecvFrame(s.conn, config.MaxCmdLine+8)
	if err != nil {
		return Endpoint{}, fmt.Errorf("broker: reading negotiation reply: %w", err)
	}
	if respType != msgType {
		return Endpoint{}, fmt.Errorf("%w: unexpected reply type %d (wanted %d)", errs.ErrProtocol, respType, msgType)
	}
	domainID, port, err := decodeExecParams(respPayload)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{DomainID: domainID, Port: port}, nil
}

// SendServiceConnect sends a SERVICE_CONNECT frame carrying the allocated
// endpoint and the fixed-width, NUL-padded service identifier (spec §4.2).
// The caller is responsible for the length check (spec: "truncation
// disallowed"); see internal/config.ServiceIDStringLen and SPEC_FULL.md
// §10.7 / DESIGN.md Open Question (ii) for where that check is enforced.
func (s *Session) SendServiceConnect(requestID string, ep Endpoint) error {
	if len(requestID) >= config.ServiceIDStringLen {
		return fmt.Errorf("broker: request id %q too long (max %d bytes)", requestID, config.ServiceIDStringLen-1)
	}
	ident := make([]byte, config.ServiceIDStringLen)
	copy(ident, requestID)

	payload := append(encodeExecParams(ep.DomainID, ep.Port), ident...)
	if err := wire.SendFrame(s.conn, config.MsgServiceConnect, payload); err != nil {
		return fmt.Errorf("broker: sending SERVICE_CONNECT: %w", err)
	}
	return nil
}

// Conn exposes the underlying connection so the caller can keep it open as
// an EOF sentinel (spec §3, "Broker connection" lifetime note; -W flag).
func (s *Session) Conn() net.Conn { return s.conn }

// Close closes the broker connection.
func (s *Session) Close() error { return s.conn.Close() }

// WaitEOF blocks until the broker closes its end, used by -W (spec §6.1).
func (s *Session) WaitEOF() error {
	buf := make([]byte, 1)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return fmt.Errorf("broker: unexpected data on sentinel connection")
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
