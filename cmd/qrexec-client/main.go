// Command qrexec-client is the entry point described by SPEC_FULL.md: it
// parses the original qrexec-client(1) flag set, drives a broker session
// (internal/broker), negotiates and opens a data channel (internal/channel),
// performs the agent handshake (internal/agent), and multiplexes local I/O
// across it (internal/session).
//
// Argument handling is grounded on the original's main() in
// original_source/daemon/qrexec-client.c: the mutual exclusivity of
// -e/-l/-c, the privileged-domain-requires-"-c" rule, and the "-c without
// -W closes the trigger socket immediately, -c with -W waits for it to
// report EOF" control flow. The CLI itself follows the teacher's
// cli.NewApp()/app.Flags/app.Action shape (kr/kr.go).
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/QubesOS/qrexec-client-go/internal/agent"
	"github.com/QubesOS/qrexec-client-go/internal/broker"
	"github.com/QubesOS/qrexec-client-go/internal/channel"
	"github.com/QubesOS/qrexec-client-go/internal/config"
	qlog "github.com/QubesOS/qrexec-client-go/internal/log"
	"github.com/QubesOS/qrexec-client-go/internal/process"
	"github.com/QubesOS/qrexec-client-go/internal/session"
	"github.com/op/go-logging"
	"github.com/urfave/cli"
)

var log = qlog.Setup("qrexec-client", logging.WARNING)

func main() {
	defer qlog.RecoverAndLog(log)

	app := cli.NewApp()
	app.Name = "qrexec-client"
	app.Usage = "connect to a qrexec broker and run a command in another domain"
	app.ArgsUsage = "REMOTE_CMDLINE"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "domain, d", Usage: "target domain name (required)"},
		cli.StringFlag{Name: "local-cmd, l", Usage: "local command line to run instead of inheriting stdio"},
		cli.BoolFlag{Name: "just-exec, e", Usage: "send the request and exit; do not open a data channel"},
		cli.StringFlag{Name: "connect, c", Usage: "REQID,SRCNAME,SRCID: respond to an existing trigger as its service"},
		cli.BoolFlag{Name: "sanitize-stdout, t", Usage: "replace non-ASCII/control bytes with '_' on stdout"},
		cli.BoolFlag{Name: "sanitize-stderr, T", Usage: "replace non-ASCII/control bytes with '_' on stderr"},
		cli.IntFlag{Name: "timeout, w", Usage: "connection timeout in seconds (0 disables)", Value: config.DefaultConnectTimeoutSeconds},
		cli.BoolFlag{Name: "wait, W", Usage: "with -c: wait for the trigger connection to close before exiting"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// request is the parsed and validated invocation (spec §6.1).
type request struct {
	domain         string
	localCmd       string
	justExec       bool
	connectReqID   string
	connectSrcName string
	connectSrcID   int
	hasConnect     bool
	sanitizeStdout bool
	sanitizeStderr bool
	timeout        time.Duration
	wait           bool
	cmdline        string
}

func parseRequest(c *cli.Context) (request, error) {
	r := request{
		domain:         c.String("domain"),
		localCmd:       c.String("local-cmd"),
		justExec:       c.Bool("just-exec"),
		sanitizeStdout: c.Bool("sanitize-stdout"),
		sanitizeStderr: c.Bool("sanitize-stderr"),
		timeout:        time.Duration(c.Int("timeout")) * time.Second,
		wait:           c.Bool("wait"),
		cmdline:        c.Args().First(),
	}

	if r.domain == "" {
		return r, fmt.Errorf("%w: -d DOMAIN is required", cliUsageErr)
	}
	if len(r.cmdline) < 2 || len(r.cmdline) > config.MaxCmdLine {
		return r, fmt.Errorf("%w: command line must be between 2 and %d bytes", cliUsageErr, config.MaxCmdLine)
	}

	exclusive := 0
	if r.justExec {
		exclusive++
	}
	if r.localCmd != "" {
		exclusive++
	}
	if connect := c.String("connect"); connect != "" {
		exclusive++
		parts := strings.SplitN(connect, ",", 3)
		if len(parts) != 3 {
			return r, fmt.Errorf("%w: -c wants REQID,SRCNAME,SRCID", cliUsageErr)
		}
		if len(parts[0]) >= config.ServiceIDStringLen {
			return r, fmt.Errorf("%w: -c request id %q exceeds %d bytes", cliUsageErr, parts[0], config.ServiceIDStringLen-1)
		}
		srcID, err := strconv.Atoi(parts[2])
		if err != nil {
			return r, fmt.Errorf("%w: -c source domain id %q is not a number", cliUsageErr, parts[2])
		}
		r.hasConnect = true
		r.connectReqID = parts[0]
		r.connectSrcName = parts[1]
		r.connectSrcID = srcID
	}
	if exclusive > 1 {
		return r, fmt.Errorf("%w: -e, -l and -c are mutually exclusive", cliUsageErr)
	}

	privileged := config.IsPrivilegedDomain(r.domain)
	if privileged && !r.hasConnect {
		return r, fmt.Errorf("%w: -d %s requires -c (it has no cmdline of its own to relay)", cliUsageErr, r.domain)
	}
	if r.wait && (!r.hasConnect || privileged) {
		return r, fmt.Errorf("%w: -W is only valid together with -c, and not against a privileged -d target", cliUsageErr)
	}
	return r, nil
}

// cliUsageErr tags usage errors; it carries no information beyond its
// presence. main exits 1 for it, as for every other returned error (spec
// §6.3).
var cliUsageErr = fmt.Errorf("qrexec-client: usage")

func run(c *cli.Context) error {
	r, err := parseRequest(c)
	if err != nil {
		return err
	}

	if config.IsPrivilegedDomain(r.domain) {
		return runPrivilegedTarget(r)
	}
	return runOrdinaryTarget(r)
}

// runPrivilegedTarget implements the dom0/@adminvm branch of the original's
// main(): the positional argument is the LOCAL command to spawn (the
// privileged domain hosts no cmdline of its own), and this process answers
// an existing trigger as the service (spec §6.1 scenario S2).
func runPrivilegedTarget(r request) error {
	os.Setenv("QREXEC_REMOTE_DOMAIN", r.connectSrcName)

	bs, err := broker.Connect(r.connectSrcName)
	if err != nil {
		return err
	}
	if err := bs.Handshake(config.CurrentProtocolVersion); err != nil {
		bs.Close()
		return err
	}

	ident := make([]byte, config.ServiceIDStringLen)
	copy(ident, r.connectReqID)
	ep, err := bs.Negotiate(config.MsgServiceConnect, 0, ident)
	bs.Close()
	if err != nil {
		return err
	}

	ch, err := channel.Dial(fmt.Sprintf("127.0.0.1:%d", ep.Port), r.timeout)
	if err != nil {
		return err
	}
	result, err := agent.Handshake(ch, true, config.CurrentProtocolVersion, config.MinDataProtocolVersion)
	if err != nil {
		ch.Close()
		return err
	}

	child, err := process.Spawn(r.cmdline)
	if err != nil {
		ch.Close()
		return err
	}
	reaper := process.NewReaper()
	defer reaper.Stop()

	code, err := runSession(ch, result.Version, true, child.Endpoints, child.Pid, reaper, r)
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

// runOrdinaryTarget implements the non-privileged-domain branch: the
// positional argument is the REMOTE command line, sent to the target
// domain's broker. -e exits after negotiation with no data channel; -c
// forwards a SERVICE_CONNECT to the trigger's source domain and, with -W,
// waits for the target-domain broker connection to close; it never runs a
// session
// (spec §6.1 scenarios S1, S3, S4).
func runOrdinaryTarget(r request) error {
	os.Setenv("QREXEC_REMOTE_DOMAIN", r.domain)

	bs, err := broker.Connect(r.domain)
	if err != nil {
		return err
	}
	if err := bs.Handshake(config.CurrentProtocolVersion); err != nil {
		bs.Close()
		return err
	}

	msgType := uint32(config.MsgExecCmdline)
	if r.justExec {
		msgType = config.MsgJustExec
	}
	ep, err := bs.Negotiate(msgType, r.connectSrcID, []byte(r.cmdline))
	if err != nil {
		bs.Close()
		return err
	}

	if r.justExec {
		bs.Close()
		return nil
	}

	if r.hasConnect {
		return forwardTrigger(bs, ep, r)
	}
	bs.Close()

	ch, err := channel.Dial(fmt.Sprintf("127.0.0.1:%d", ep.Port), r.timeout)
	if err != nil {
		return err
	}
	result, err := agent.Handshake(ch, false, config.CurrentProtocolVersion, config.MinDataProtocolVersion)
	if err != nil {
		ch.Close()
		return err
	}

	var ep2 process.Endpoints
	var childPID int
	var reaper *process.Reaper
	if r.localCmd != "" {
		child, err := process.Spawn(r.localCmd)
		if err != nil {
			ch.Close()
			return err
		}
		ep2 = child.Endpoints
		childPID = child.Pid
		reaper = process.NewReaper()
		defer reaper.Stop()
	} else {
		ep2 = process.StandardStreams()
	}

	code, err := runSession(ch, result.Version, false, ep2, childPID, reaper, r)
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

// forwardTrigger sends the SERVICE_CONNECT follow-up to the trigger's
// source domain and, with -W, blocks on the target-domain connection's EOF
// instead of relaying any data itself — this invocation's only job was to
// tell the source domain where the new channel lives.
func forwardTrigger(bs *broker.Session, ep broker.Endpoint, r request) error {
	if !r.wait {
		defer bs.Close()
	}

	srcBs, err := broker.Connect(r.connectSrcName)
	if err != nil {
		return err
	}
	defer srcBs.Close()
	if err := srcBs.Handshake(config.CurrentProtocolVersion); err != nil {
		return err
	}
	if err := srcBs.SendServiceConnect(r.connectReqID, ep); err != nil {
		return err
	}

	if r.wait {
		defer bs.Close()
		return bs.WaitEOF()
	}
	return nil
}

func runSession(ch channel.Channel, version int, isService bool, ep process.Endpoints, childPID int, reaper *process.Reaper, r request) (int, error) {
	sess := session.New(ch, version, isService, ep, childPID, reaper)
	sess.SanitizeStdout = r.sanitizeStdout
	sess.SanitizeStderr = r.sanitizeStderr
	sess.Warnf = func(format string, args ...interface{}) { log.Warningf(format, args...) }
	return sess.Run()
}
