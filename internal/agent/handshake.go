// Package agent implements the two-round HELLO exchange across an already
// open data channel (spec §4.3). Grounded on the same request/response
// shape as the broker's negotiate() (internal/broker) and on the vsock
// wire.OpenPortForward "send request, read one typed response" idiom
// (other_examples pkg/vsock/wire.go).
package agent

import (
	"fmt"

	"github.com/QubesOS/qrexec-client-go/internal/channel"
	"github.com/QubesOS/qrexec-client-go/internal/config"
	"github.com/QubesOS/qrexec-client-go/internal/errs"
	"github.com/QubesOS/qrexec-client-go/internal/wire"
)

// Result is the outcome of a successful handshake.
type Result struct {
	Version int
}

// Handshake performs the two HELLO rounds described in spec §4.3.
// remoteSendsFirst is true when this process is the service-responder
// (the remote peer speaks first); it is false for the initiator.
func Handshake(ch channel.Channel, remoteSendsFirst bool, localVersion, minVersion int) (Result, error) {
	var peerVersion int

	round := func(isRemoteTurn bool) error {
		if isRemoteTurn {
			v, err := recvHello(ch)
			if err != nil {
				return err
			}
			peerVersion = v
			return nil
		}
		return sendHello(ch, localVersion)
	}

	// Two rounds: the side that speaks first does so in round one, the
	// other side responds in round two.
	if err := round(remoteSendsFirst); err != nil {
		return Result{}, fmt.Errorf("agent: first round: %w", err)
	}
	if err := round(!remoteSendsFirst); err != nil {
		return Result{}, fmt.Errorf("agent: second round: %w", err)
	}

	version := localVersion
	if peerVersion < version {
		version = peerVersion
	}
	if version < minVersion {
		return Result{}, fmt.Errorf("%w: negotiated %d below minimum %d", errs.ErrVersionMismatch, version, minVersion)
	}
	return Result{Version: version}, nil
}

func sendHello(ch channel.Channel, version int) error {
	payload := make([]byte, 4)
	wire.PutUint32(payload, uint32(version))
	return ch.Send(config.MsgHello, payload)
}

func recvHello(ch channel.Channel) (int, error) {
	msgType, payload, err := ch.Recv(0)
	if err != nil {
		return 0, fmt.Errorf("agent: reading HELLO: %w", err)
	}
	if msgType != config.MsgHello || len(payload) != 4 {
		return 0, fmt.Errorf("%w: invalid HELLO (type=%d len=%d)", errs.ErrProtocol, msgType, len(payload))
	}
	return int(wire.Uint32(payload)), nil
}
