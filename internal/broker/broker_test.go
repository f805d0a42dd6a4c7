package broker

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/QubesOS/qrexec-client-go/internal/config"
	"github.com/QubesOS/qrexec-client-go/internal/wire"
)

func fakeBrokerListen(t *testing.T, domain string) net.Listener {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("QREXEC_SOCKET_DIR", dir)
	path := filepath.Join(dir, "qrexec."+domain)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestConnectAndHandshake(t *testing.T) {
	ln := fakeBrokerListen(t, "workvm")
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hello := make([]byte, 4)
		binary.LittleEndian.PutUint32(hello, uint32(config.CurrentProtocolVersion))
		wire.SendFrame(conn, config.MsgHello, hello)
		wire.RecvFrame(conn, 4)
	}()

	sess, err := Connect("workvm")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.Handshake(config.CurrentProtocolVersion); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	ln := fakeBrokerListen(t, "workvm")
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hello := make([]byte, 4)
		binary.LittleEndian.PutUint32(hello, 999)
		wire.SendFrame(conn, config.MsgHello, hello)
	}()

	sess, err := Connect("workvm")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.Handshake(config.CurrentProtocolVersion); err == nil {
		t.Fatal("expected version mismatch error, got nil")
	}
}

func TestNegotiate(t *testing.T) {
	ln := fakeBrokerListen(t, "workvm")
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msgType, payload, err := wire.RecvFrame(conn, 0)
		if err != nil || msgType != config.MsgExecCmdline {
			return
		}
		_ = payload
		resp := make([]byte, 8)
		binary.LittleEndian.PutUint32(resp[0:4], 7)
		binary.LittleEndian.PutUint32(resp[4:8], 1025)
		wire.SendFrame(conn, config.MsgExecCmdline, resp)
	}()

	sess, err := Connect("workvm")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ep, err := sess.Negotiate(config.MsgExecCmdline, 7, []byte("echo hi\x00"))
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if ep.DomainID != 7 || ep.Port != 1025 {
		t.Errorf("got %+v, want {7 1025}", ep)
	}
}

func TestSendServiceConnectRejectsOverLongIdent(t *testing.T) {
	ln := fakeBrokerListen(t, "workvm")
	defer ln.Close()
	go ln.Accept()

	sess, err := Connect("workvm")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	longIdent := make([]byte, config.ServiceIDStringLen+5)
	for i := range longIdent {
		longIdent[i] = 'a'
	}
	if err := sess.SendServiceConnect(string(longIdent), Endpoint{DomainID: 1, Port: 2}); err == nil {
		t.Fatal("expected rejection of over-long request id, got nil")
	}
}
