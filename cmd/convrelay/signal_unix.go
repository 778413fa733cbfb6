//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals start a graceful shutdown: open streams finish and
// pending upstream id updates are written before exit.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
