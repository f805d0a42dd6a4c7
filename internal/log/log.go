// Package log centralizes logging setup. It generalizes the teacher's
// logging.go (a package-level SetupLogging building a go-logging backend
// from an environment-variable-selected level, a syslog/stderr choice, and
// a colorized stderr formatter), adapted from the daemon's syslog-vs-stderr
// choice to a single stderr backend, since qrexec-client is a short-lived
// CLI process rather than a long-running daemon.
package log

import (
	"os"
	"runtime/debug"

	"github.com/fatih/color"
	"github.com/op/go-logging"
)

var stderrFormat = logging.MustStringFormatter(
	`%{color}qrexec-client ▶ %{message}%{color:reset}`,
)

// Setup builds a *logging.Logger named prefix, writing to stderr, with its
// level controlled by QREXEC_LOG_LEVEL (falling back to defaultLevel),
// mirroring the teacher's KR_LOG_LEVEL override.
func Setup(prefix string, defaultLevel logging.Level) *logging.Logger {
	color.NoColor = color.NoColor || os.Getenv("QREXEC_LOG_NOCOLOR") != ""

	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetFormatter(stderrFormat)

	leveled := logging.AddModuleLevel(backend)
	switch os.Getenv("QREXEC_LOG_LEVEL") {
	case "CRITICAL":
		leveled.SetLevel(logging.CRITICAL, prefix)
	case "ERROR":
		leveled.SetLevel(logging.ERROR, prefix)
	case "WARNING":
		leveled.SetLevel(logging.WARNING, prefix)
	case "NOTICE":
		leveled.SetLevel(logging.NOTICE, prefix)
	case "INFO":
		leveled.SetLevel(logging.INFO, prefix)
	case "DEBUG":
		leveled.SetLevel(logging.DEBUG, prefix)
	default:
		leveled.SetLevel(defaultLevel, prefix)
	}
	logging.SetBackend(leveled)

	return logging.MustGetLogger(prefix)
}

// RecoverAndLog installs the teacher's krd/main.go panic convention: log
// the panic value and a stack trace, then re-panic so the process still
// terminates with a non-zero status and a core-dumpable trace.
func RecoverAndLog(logger *logging.Logger) {
	if x := recover(); x != nil {
		logger.Errorf("run time panic: %v", x)
		logger.Error(string(debug.Stack()))
		panic(x)
	}
}

