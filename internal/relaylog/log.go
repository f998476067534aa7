// Package relaylog provides the hub's shared log output. All goroutines —
// the acceptor, every session's sender and receiver loop, and the reaper —
// write through here so interleaved lines stay line-atomic, matching the
// "dedicated mutex" requirement for log output.
package relaylog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

var state struct {
	mu     sync.Mutex
	logger *log.Logger
}

func init() {
	state.logger = log.New(os.Stdout, "", log.LstdFlags)
}

// SetOutput redirects all future log output to w. The run subcommand uses
// it to add the file named by SERP_LOG_FILE alongside stdout, the way the
// teacher's main.go redirects to OMNICLOUD_LOG_FILE. A daemonized server
// needs no call here: its stdout is already redirected to logs/log.txt.
func SetOutput(w io.Writer) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.logger = log.New(w, "", log.LstdFlags)
}

// Printf writes one line, prefixed with component (e.g. "[hub]",
// "[session]", "[codec]", "[admin]"), serialized through a single mutex.
func Printf(component, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.logger.Printf("%s %s", component, msg)
}

// Hub logs a hub-dispatcher line.
func Hub(format string, args ...interface{}) { Printf("[hub]", format, args...) }

// Session logs a per-session (send/receive loop) line.
func Session(format string, args ...interface{}) { Printf("[session]", format, args...) }

// Codec logs a framing-codec line (decode failures and the like).
func Codec(format string, args ...interface{}) { Printf("[codec]", format, args...) }

// Admin logs an operator-surface (HTTP/WebSocket) line.
func Admin(format string, args ...interface{}) { Printf("[admin]", format, args...) }

// Config logs a configuration-loading or hot-reload line.
func Config(format string, args ...interface{}) { Printf("[config]", format, args...) }
