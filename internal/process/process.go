// Package process implements the local-process adapter of spec §4.4: it
// either adopts the process's own standard streams, or spawns a local
// command and hands back non-blocking file descriptors for its stdin/
// stdout, plus a child-reaper (see reaper.go). The spawn shape follows the
// teacher's runCommandWithUserInteraction (kr/kr.go: an exec.Cmd wired
// directly to inherited or piped stdio) and the guest-agent's
// exec.Command("sh", "-c", cmd) fallback (other_examples cmd/guest-agent).
package process

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Endpoints holds the local file descriptors the event loop multiplexes:
// InFD is written to (data arriving from the channel), OutFD is read from
// (data sent to the channel). Either may be -1 once closed. Shared is true
// when InFD == OutFD, which changes close semantics (spec §3 invariant,
// §4.7, §9 "Shared-FD half-close").
type Endpoints struct {
	InFD   int
	OutFD  int
	Shared bool
}

// StandardStreams returns the default endpoints used when no local command
// is given: this process's own stdout (fd 1) is written to, and its own
// stdin (fd 0) is read from (spec §3, "Local endpoints").
func StandardStreams() Endpoints {
	return Endpoints{InFD: 1, OutFD: 0}
}

// Child is a spawned local command plus the endpoints the event loop uses
// to talk to it.
type Child struct {
	Pid       int
	Endpoints Endpoints

	cmd        *exec.Cmd
	ownedFiles []*os.File // kept open only to delay GC finalizers closing the fds
}

// internalMultiplexerName is the well-known internal RPC-multiplexer binary
// name recognized by the exec path of spec §4.4. When the command line
// names it directly, it is exec'd without going through a shell.
const internalMultiplexerName = "qubes-rpc-multiplexer"

// resolveArgv implements spec §4.4's "recognize an internal RPC-multiplexer
// invocation and exec it directly, or fall back to executing the command
// through a shell."
func resolveArgv(cmdline string) (path string, argv []string) {
	fields := strings.Fields(cmdline)
	if len(fields) > 0 {
		base := fields[0]
		if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
			base = base[idx+1:]
		}
		if base == internalMultiplexerName {
			if full, err := exec.LookPath(fields[0]); err == nil {
				return full, fields
			}
		}
	}
	return "/bin/sh", []string{"/bin/sh", "-c", cmdline}
}

// Spawn starts cmdline as a local command, returning non-blocking pipe file
// descriptors for its stdin (InFD, the event loop writes to it) and stdout
// (OutFD, the event loop reads from it). Its stderr is inherited directly.
// The pipes are empty at this point, so there is never any pre-buffered
// data to seed before the event loop starts (spec §4.4's "may also take an
// optional initial stdin buffer" does not apply to a freshly created pipe).
func Spawn(cmdline string) (*Child, error) {
	path, argv := resolveArgv(cmdline)

	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("process: creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("process: creating stdout pipe: %w", err)
	}

	cmd := &exec.Cmd{
		Path:   path,
		Args:   argv,
		Stdin:  stdinR,
		Stdout: stdoutW,
		Stderr: os.Stderr,
		Env:    os.Environ(),
	}
	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("process: starting %q: %w", cmdline, err)
	}

	// The child has its own duplicated copies; the parent no longer needs
	// these ends.
	stdinR.Close()
	stdoutW.Close()

	inFD := int(stdinW.Fd())
	outFD := int(stdoutR.Fd())
	if err := unix.SetNonblock(inFD, true); err != nil {
		return nil, fmt.Errorf("process: setting stdin non-blocking: %w", err)
	}
	if err := unix.SetNonblock(outFD, true); err != nil {
		return nil, fmt.Errorf("process: setting stdout non-blocking: %w", err)
	}

	return &Child{
		Pid:        cmd.Process.Pid,
		Endpoints:  Endpoints{InFD: inFD, OutFD: outFD},
		cmd:        cmd,
		ownedFiles: []*os.File{stdinW, stdoutR},
	}, nil
}

// pipe creates an os.Pipe and returns (readEnd, writeEnd).
func pipe() (r, w *os.File, err error) {
	return os.Pipe()
}

// SetBlocking restores blocking mode on fd, as required before the final
// close of a descriptor that may be shared with another process (spec
// §4.7, §9 "Shared-FD half-close").
func SetBlocking(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.SetNonblock(fd, false)
}

// CloseFD restores blocking mode and closes fd. It is a no-op for fd == -1.
func CloseFD(fd int) error {
	if fd < 0 {
		return nil
	}
	_ = SetBlocking(fd)
	return unix.Close(fd)
}
