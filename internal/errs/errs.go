// Package errs defines the package-level sentinel errors for the failure
// taxonomy of spec §7, generalizing the teacher's common/util/error.go
// (package-level fmt.Errorf sentinels for well-known failure categories)
// from user-facing pairing/signing failures to the setup/timeout/protocol
// categories this client can hit. Call sites wrap these with fmt.Errorf's
// %w, unlike the teacher's bare sentinels, so a wrapped error still matches
// its category with errors.Is. cmd/qrexec-client does not branch on them:
// it exits 1 for every error it gets back (§6.3).
package errs

import "fmt"

var (
	// ErrBrokerUnreachable covers connect() failures against the local
	// broker socket (spec §4.2 connect(), §7 "Setup error").
	ErrBrokerUnreachable = fmt.Errorf("qrexec: could not connect to broker")

	// ErrVersionMismatch covers both the broker handshake's exact-match
	// requirement and the agent handshake's minimum-version requirement
	// (spec §4.2, §4.3, §7 "Setup error").
	ErrVersionMismatch = fmt.Errorf("qrexec: protocol version mismatch")

	// ErrTimeout covers the data channel's connection-establishment
	// timeout (spec §4.8, §7 "Timeout").
	ErrTimeout = fmt.Errorf("qrexec: vchan connection timeout")

	// ErrProtocol covers malformed or out-of-sequence frames: unknown
	// message types, over-long payloads, wrong negotiation reply types
	// (spec §7 "Protocol error").
	ErrProtocol = fmt.Errorf("qrexec: protocol error")

	// ErrConnectionClosed covers a channel or broker connection closed
	// by the peer outside of the expected termination sequence (spec §7
	// "Transport error").
	ErrConnectionClosed = fmt.Errorf("qrexec: connection closed unexpectedly")

	// ErrUsage covers malformed invocation arguments (spec §6.1).
	ErrUsage = fmt.Errorf("qrexec: usage error")
)
