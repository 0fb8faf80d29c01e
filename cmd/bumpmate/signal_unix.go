//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// shutdownContext is cancelled on SIGINT, SIGTERM or SIGHUP. SIGHUP is
// included because closing the terminal that started a foreground daemon
// must still stop the running action.
func shutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}
