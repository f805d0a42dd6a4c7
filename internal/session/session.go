// Package session implements the event loop of spec §4.6: the single
// goroutine that multiplexes a data channel against two local file
// descriptors under flow control, and the termination protocol of §4.7.
// The loop is built directly around golang.org/x/sys/unix.Poll, the most
// literal Go analogue of the original's single poll()/select() call (see
// SPEC_FULL.md §10.6) — one PollFd per watched descriptor, rebuilt each
// iteration from the same conditional-watch rules the spec states.
package session

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/QubesOS/qrexec-client-go/internal/channel"
	"github.com/QubesOS/qrexec-client-go/internal/config"
	"github.com/QubesOS/qrexec-client-go/internal/errs"
	"github.com/QubesOS/qrexec-client-go/internal/process"
	"github.com/QubesOS/qrexec-client-go/internal/sanitize"
	"github.com/QubesOS/qrexec-client-go/internal/wire"
	"golang.org/x/sys/unix"
)

// nominalTimeoutMs is the 10-second wait-loop timeout of spec §4.6.
const nominalTimeoutMs = 10000

// Session is the struct-ified replacement for the original's process-wide
// local_stdin_fd/local_stdout_fd/local_pid/is_service/child_exited globals
// (spec §9, "Global mutable state").
type Session struct {
	Channel   channel.Channel
	Version   int
	IsService bool

	InFD   int
	OutFD  int
	Shared bool

	ChildPID int // 0: no child was spawned, -1: child has been reaped

	SanitizeStdout bool
	SanitizeStderr bool

	// Warnf reports a non-fatal error (spec §4.6.1's "report the write
	// error and continue"). Nil is a valid no-op logger.
	Warnf func(format string, args ...interface{})

	reaper   *process.Reaper
	writer   *process.BufferedWriter
	sharedFD int

	childHasExited  bool
	childExitStatus int
	channelClosed   bool
	exitCode        int
}

// New constructs a Session ready to Run. ep describes the local endpoints
// (spec §3, "Local endpoints"); childPID is 0 when no local command was
// spawned. reaper may be nil when childPID is 0.
func New(ch channel.Channel, version int, isService bool, ep process.Endpoints, childPID int, reaper *process.Reaper) *Session {
	s := &Session{
		Channel:  ch,
		Version:  version,
		IsService: isService,
		InFD:     ep.InFD,
		OutFD:    ep.OutFD,
		Shared:   ep.Shared,
		ChildPID: childPID,
		reaper:   reaper,
		writer:   process.NewBufferedWriter(ep.InFD),
		sharedFD: -1,
	}
	if ep.Shared {
		s.sharedFD = ep.InFD
	}
	return s
}

// doneErr unwinds Run's loop from deep inside frame dispatch once a
// terminal EXIT_CODE frame (or a synthesized one) has decided the
// process's final exit status.
type doneErr struct{ code int }

func (d *doneErr) Error() string { return fmt.Sprintf("session: terminating with status %d", d.code) }

// Run drives the event loop of spec §4.6 to completion and returns the
// process exit status the caller should use (spec §6.3).
func (s *Session) Run() (int, error) {
	for {
		s.checkChildExit()

		if s.OutFD == -1 && (s.childHasExited || s.bothLocalGone()) {
			return s.terminate()
		}

		pollfds, kinds := s.buildPollSet()
		timeout := s.computeTimeout()

		n, perr := unix.Poll(pollfds, timeout)
		if perr != nil {
			if perr == unix.EINTR && s.ChildPID > 0 {
				continue
			}
			return s.fail(fmt.Errorf("session: poll: %w", perr))
		}

		if n == 0 {
			if s.channelClosed {
				return s.fail(fmt.Errorf("%w: no termination frame received", errs.ErrConnectionClosed))
			}
			if !s.Channel.Pending() {
				continue
			}
		}

		channelReady, outReady, inReady := s.classifyRevents(pollfds, kinds)
		channelReady = channelReady || s.Channel.Pending()

		if inReady && s.writer.Pending() {
			if err := s.flushIn(); err != nil {
				return s.fail(err)
			}
		}

		if channelReady {
			for {
				buffered, serr := s.serviceInbound()
				if serr != nil {
					var done *doneErr
					if errors.As(serr, &done) {
						s.shutdown()
						return done.code, nil
					}
					return s.fail(serr)
				}
				if buffered || !s.Channel.Pending() {
					break
				}
			}
		}

		if outReady {
			done, serr := s.serviceOutbound()
			if serr != nil {
				return s.fail(serr)
			}
			if done {
				s.shutdown()
				return s.exitCode, nil
			}
		}
	}
}

func (s *Session) bothLocalGone() bool { return s.InFD == -1 && s.OutFD == -1 }

type pollKind int

const (
	pollChannel pollKind = iota
	pollOut
	pollIn
)

func (s *Session) watchingOut() bool {
	return s.OutFD != -1 && s.Channel.FreeSpace() >= wire.HeaderSize
}

func (s *Session) watchingIn() bool {
	return s.InFD != -1 && s.writer.Pending()
}

func (s *Session) buildPollSet() ([]unix.PollFd, []pollKind) {
	fds := []unix.PollFd{{Fd: int32(s.Channel.Fd()), Events: unix.POLLIN}}
	kinds := []pollKind{pollChannel}
	if s.watchingOut() {
		fds = append(fds, unix.PollFd{Fd: int32(s.OutFD), Events: unix.POLLIN})
		kinds = append(kinds, pollOut)
	}
	if s.watchingIn() {
		fds = append(fds, unix.PollFd{Fd: int32(s.InFD), Events: unix.POLLOUT})
		kinds = append(kinds, pollIn)
	}
	return fds, kinds
}

func (s *Session) classifyRevents(fds []unix.PollFd, kinds []pollKind) (channelReady, outReady, inReady bool) {
	for i, k := range kinds {
		rev := fds[i].Revents
		switch k {
		case pollChannel:
			channelReady = rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		case pollOut:
			outReady = rev&(unix.POLLIN|unix.POLLHUP) != 0
		case pollIn:
			inReady = rev&unix.POLLOUT != 0
		}
	}
	return
}

// computeTimeout implements spec §4.6's timeout policy: drain immediately
// (zero timeout) when the local writer has nothing queued and the channel
// already has a full frame buffered; otherwise wait up to the nominal
// 10-second timeout.
func (s *Session) computeTimeout() int {
	overflowEmpty := s.InFD == -1 || !s.writer.Pending()
	if overflowEmpty && s.Channel.Pending() {
		return 0
	}
	return nominalTimeoutMs
}

// checkChildExit implements the reaper side of spec §4.4/§9: observe the
// SIGCHLD-forwarding channel without blocking, then perform a non-blocking
// wait to learn the exit status.
func (s *Session) checkChildExit() {
	if s.ChildPID <= 0 || s.reaper == nil {
		return
	}
	select {
	case <-s.reaper.C():
		s.reaper.MarkExited()
	default:
	}
	if !s.reaper.Exited() {
		return
	}
	exited, status, err := process.TryWait(s.ChildPID)
	if err != nil || !exited {
		return
	}
	s.childExitStatus = status
	s.childHasExited = true
	s.ChildPID = -1
}

func (s *Session) flushIn() error {
	res, err := s.writer.Flush()
	if res != process.ResultClosed {
		return nil
	}
	if errors.Is(err, unix.EPIPE) {
		return s.closeInFD()
	}
	return fmt.Errorf("session: flushing local input: %w", err)
}

// serviceInbound implements spec §4.6.2: read and dispatch one frame from
// the channel. buffered reports whether the local writer applied
// back-pressure, signalling the caller to stop draining for now.
func (s *Session) serviceInbound() (buffered bool, err error) {
	maxChunk := config.MaxChunkForVersion(s.Version)
	msgType, payload, rerr := s.Channel.Recv(maxChunk)
	if rerr != nil {
		s.channelClosed = true
		return false, fmt.Errorf("%w: reading channel: %v", errs.ErrConnectionClosed, rerr)
	}

	switch msgType {
	case config.MsgDataStdin, config.MsgDataStdout:
		return s.handleInboundData(payload)
	case config.MsgDataStderr:
		s.handleStderr(payload)
		return false, nil
	case config.MsgDataExitCode:
		return false, s.handleExitCode(payload)
	default:
		return false, fmt.Errorf("%w: unexpected frame type %d", errs.ErrProtocol, msgType)
	}
}

func (s *Session) handleInboundData(payload []byte) (buffered bool, err error) {
	if s.InFD == -1 {
		return false, nil
	}
	if s.SanitizeStdout {
		payload = sanitize.Bytes(payload)
	}
	if len(payload) == 0 {
		return false, s.closeInFD()
	}
	res, werr := s.writer.Write(payload)
	switch res {
	case process.ResultOK:
		return false, nil
	case process.ResultBuffered:
		return true, nil
	default: // ResultClosed
		if errors.Is(werr, unix.EPIPE) {
			return false, s.closeInFD()
		}
		return false, fmt.Errorf("session: writing local input: %w", werr)
	}
}

func (s *Session) handleStderr(payload []byte) {
	if s.SanitizeStderr {
		payload = sanitize.Bytes(payload)
	}
	if len(payload) == 0 {
		return
	}
	_, _ = unix.Write(2, payload)
}

func (s *Session) handleExitCode(payload []byte) error {
	_ = s.Channel.Close()
	status := 255
	if len(payload) >= 4 {
		status = int(int32(wire.Uint32(payload[:4])))
	}
	_, _ = s.writer.Flush()
	return &doneErr{code: status}
}

// serviceOutbound implements spec §4.6.1: read from out_fd and forward a
// DATA frame across the channel, or handle the end-of-stream cases.
func (s *Session) serviceOutbound() (done bool, err error) {
	capacity := s.Channel.FreeSpace() - wire.HeaderSize
	if max := config.MaxChunkForVersion(s.Version); capacity > max {
		capacity = max
	}
	if capacity <= 0 {
		return false, nil
	}

	buf := make([]byte, capacity)
	n, rerr := unix.Read(s.OutFD, buf)
	if rerr != nil {
		if errors.Is(rerr, unix.EAGAIN) {
			return false, nil
		}
		return false, fmt.Errorf("session: reading local output: %w", rerr)
	}

	msgType := uint32(config.MsgDataStdin)
	if s.IsService {
		msgType = config.MsgDataStdout
	}

	if serr := s.Channel.Send(msgType, buf[:n]); serr != nil {
		s.channelClosed = true
		if cerr := s.closeOutFD(); cerr != nil {
			return false, cerr
		}
		if s.InFD == -1 {
			return false, fmt.Errorf("session: channel closed, unknown remote status: %w", serr)
		}
		s.warnf("session: writing channel: %v", serr)
		return false, nil
	}

	if n == 0 {
		if cerr := s.closeOutFD(); cerr != nil {
			return false, cerr
		}
		if s.InFD == -1 && s.IsService && s.ChildPID == 0 {
			s.exitCode = 0
			if serr := s.Channel.Send(config.MsgDataExitCode, encodeExitCode(0)); serr != nil {
				return false, fmt.Errorf("session: sending synthesized exit code: %w", serr)
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Session) warnf(format string, args ...interface{}) {
	if s.Warnf != nil {
		s.Warnf(format, args...)
	}
}

// closeInFD / closeOutFD implement the shared-FD half-close rule of spec
// §9: a shared descriptor is never closed independently, only tracked as
// logically closed until shutdown performs the single real close.
func (s *Session) closeInFD() error {
	if s.InFD == -1 {
		return nil
	}
	fd := s.InFD
	s.InFD = -1
	if s.Shared {
		return nil
	}
	return process.CloseFD(fd)
}

func (s *Session) closeOutFD() error {
	if s.OutFD == -1 {
		return nil
	}
	fd := s.OutFD
	s.OutFD = -1
	if s.Shared {
		return nil
	}
	return process.CloseFD(fd)
}

// terminate implements spec §4.7's terminal-status procedure.
func (s *Session) terminate() (int, error) {
	status := s.exitCode
	if s.childHasExited {
		status = s.childExitStatus
	}
	if s.IsService {
		if serr := s.Channel.Send(config.MsgDataExitCode, encodeExitCode(status)); serr != nil {
			s.shutdown()
			return 1, fmt.Errorf("session: sending exit code: %w", serr)
		}
	}
	s.shutdown()
	return status, nil
}

func (s *Session) fail(err error) (int, error) {
	s.shutdown()
	return 1, err
}

// shutdown closes both local FDs (restoring blocking mode on a shared
// descriptor before its single close), closes the channel, and reaps any
// remaining child so the broker can reason about process subtrees (spec
// §4.7, §9).
func (s *Session) shutdown() {
	if s.Shared {
		if s.sharedFD != -1 {
			_ = process.CloseFD(s.sharedFD)
			s.sharedFD = -1
		}
	} else {
		if s.InFD != -1 {
			_ = process.CloseFD(s.InFD)
		}
		if s.OutFD != -1 {
			_ = process.CloseFD(s.OutFD)
		}
	}
	s.InFD, s.OutFD = -1, -1
	_ = s.Channel.Close()
	s.reapRemaining()
}

func (s *Session) reapRemaining() {
	if s.reaper != nil {
		s.reaper.Stop()
	}
	if s.ChildPID > 0 {
		var ws syscall.WaitStatus
		_, _ = syscall.Wait4(s.ChildPID, &ws, 0, nil)
	}
}

func encodeExitCode(code int) []byte {
	buf := make([]byte, 4)
	wire.PutUint32(buf, uint32(int32(code)))
	return buf
}
