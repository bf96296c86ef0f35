//go:build windows

package mcp

import (
	"os"
	"os/signal"
)

// notifySignals routes Ctrl+C to ch. SIGTERM does not exist on Windows.
func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}
