package brokerd

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"github.com/QubesOS/qrexec-client-go/internal/config"
	"github.com/QubesOS/qrexec-client-go/internal/wire"
)

func TestServeNegotiatesDataChannel(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QREXEC_SOCKET_DIR", dir)

	b, err := Listen("workvm")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Close()

	if got := filepath.Join(dir, "qrexec.workvm"); b.Addr() != got {
		t.Fatalf("Addr() = %q, want %q", b.Addr(), got)
	}

	clientDone := make(chan error, 1)
	go func() {
		conn, derr := net.Dial("unix", b.Addr())
		if derr != nil {
			clientDone <- derr
			return
		}
		defer conn.Close()

		msgType, payload, rerr := wire.RecvFrame(conn, 4)
		if rerr != nil {
			clientDone <- rerr
			return
		}
		if msgType != config.MsgHello || len(payload) != 4 {
			clientDone <- fmt.Errorf("bad broker HELLO (type=%d len=%d)", msgType, len(payload))
			return
		}

		reply := make([]byte, 4)
		wire.PutUint32(reply, uint32(config.CurrentProtocolVersion))
		if serr := wire.SendFrame(conn, config.MsgHello, reply); serr != nil {
			clientDone <- serr
			return
		}

		req := make([]byte, 8)
		wire.PutUint32(req[0:4], 0)
		wire.PutUint32(req[4:8], 0)
		if serr := wire.SendFrame(conn, config.MsgExecCmdline, req); serr != nil {
			clientDone <- serr
			return
		}

		respType, respPayload, rerr := wire.RecvFrame(conn, 16)
		if rerr != nil {
			clientDone <- rerr
			return
		}
		if respType != config.MsgExecCmdline || len(respPayload) != 8 {
			clientDone <- fmt.Errorf("bad negotiation reply (type=%d len=%d)", respType, len(respPayload))
			return
		}
		clientDone <- nil
	}()

	conn, err := b.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	neg, err := b.Serve(conn)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer neg.Listener.Close()
	if neg.Port <= 0 {
		t.Fatalf("port = %d, want > 0", neg.Port)
	}

	if err := <-clientDone; err != nil {
		t.Fatalf("client: %v", err)
	}
}
