//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"
)

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// shutdownContext is cancelled on os.Interrupt. The runtime maps
// CTRL_BREAK_EVENT and console close to os.Interrupt on Windows.
func shutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
