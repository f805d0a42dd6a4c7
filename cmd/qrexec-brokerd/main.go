// Command qrexec-brokerd is the reference broker of SPEC_FULL.md §10.5: a
// minimal, single-domain broker that lets qrexec-client dial something
// real instead of a production qrexec daemon. It has no authorization
// policy and serves one negotiation per connection, matching spec §1's
// Non-goals (authentication, multi-connection multiplexing).
package main

import (
	"net"
	"os"
	"runtime/debug"
	"time"

	"github.com/QubesOS/qrexec-client-go/internal/agent"
	"github.com/QubesOS/qrexec-client-go/internal/brokerd"
	"github.com/QubesOS/qrexec-client-go/internal/config"
	qlog "github.com/QubesOS/qrexec-client-go/internal/log"
	"github.com/QubesOS/qrexec-client-go/internal/process"
	"github.com/QubesOS/qrexec-client-go/internal/session"
	"github.com/op/go-logging"
	"github.com/urfave/cli"
)

var log = qlog.Setup("qrexec-brokerd", logging.INFO)

func main() {
	defer qlog.RecoverAndLog(log)

	app := cli.NewApp()
	app.Name = "qrexec-brokerd"
	app.Usage = "reference broker for qrexec-client (no authorization policy; testing/demo only)"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "domain, d",
			Usage: "domain name this broker answers for",
			Value: "workvm",
		},
		cli.IntFlag{
			Name:  "target-domain-id, t",
			Usage: "domain-id value reported back to clients in exec_params",
			Value: 7,
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	domain := c.String("domain")

	b, err := brokerd.Listen(domain)
	if err != nil {
		return err
	}
	defer b.Close()
	log.Noticef("qrexec-brokerd listening for domain %q on %s", domain, b.Addr())
	b.TargetDomainID = c.Int("target-domain-id")

	for {
		conn, err := b.Accept()
		if err != nil {
			return err
		}
		go handleClient(b, conn)
	}
}

// handleClient serves one client's negotiation, then plays the remote
// agent's half of the handshake and runs the requested command, so a
// plain `qrexec-client -d <domain> <cmd>` invocation has a real peer.
func handleClient(b *brokerd.Broker, conn net.Conn) {
	defer func() {
		if x := recover(); x != nil {
			log.Errorf("client handler panic: %v", x)
			log.Error(string(debug.Stack()))
		}
	}()

	neg, err := b.Serve(conn)
	if err != nil {
		log.Error(err)
		return
	}
	defer neg.Listener.Close()

	ch, err := neg.Listener.Accept(config.DefaultConnectTimeoutSeconds * time.Second)
	if err != nil {
		log.Error(err)
		return
	}

	result, err := agent.Handshake(ch, true, config.CurrentProtocolVersion, config.MinDataProtocolVersion)
	if err != nil {
		log.Error(err)
		ch.Close()
		return
	}

	cmdline := neg.Cmdline
	if cmdline == "" {
		cmdline = "true"
	}
	child, err := process.Spawn(cmdline)
	if err != nil {
		log.Error(err)
		ch.Close()
		return
	}
	reaper := process.NewReaper()
	defer reaper.Stop()

	sess := session.New(ch, result.Version, true, child.Endpoints, child.Pid, reaper)
	sess.Warnf = func(format string, args ...interface{}) { log.Warningf(format, args...) }
	if _, err := sess.Run(); err != nil {
		log.Error(err)
	}
}
