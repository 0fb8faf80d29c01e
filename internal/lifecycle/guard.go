// Package lifecycle reacts to the host environment going away underneath a
// running action.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tools.zach/dev/bumpmate/internal/session"
)

// DefaultNotifyTimeout bounds the single stop attempt made on teardown.
const DefaultNotifyTimeout = 2 * time.Second

// Controller is the part of the session controller the guard drives.
type Controller interface {
	Active() bool
	Abandon(reason session.StopReason)
}

// Notifier makes one stop attempt for uid.
type Notifier interface {
	NotifyOnce(ctx context.Context, uid string) error
}

// Guard turns a teardown signal into a fire-and-forget stop notification
// followed by a local stop that does not notify again.
type Guard struct {
	ctrl    Controller
	notify  Notifier
	uid     func() string
	timeout time.Duration

	wg sync.WaitGroup
}

// New creates a guard. uid is read at teardown time.
func New(ctrl Controller, notify Notifier, uid func() string) *Guard {
	return &Guard{ctrl: ctrl, notify: notify, uid: uid, timeout: DefaultNotifyTimeout}
}

// Teardown handles an "environment is tearing down" signal. It returns
// without waiting for the worker to acknowledge. It reports whether an
// action was running.
func (g *Guard) Teardown() bool {
	if !g.ctrl.Active() {
		return false
	}
	uid := g.uid()
	slog.Info("environment tearing down with an active action", "uid", uid)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.notify.NotifyOnce(ctx, uid); err != nil {
			slog.Error("teardown stop notification failed", "uid", uid, "error", err)
		}
	}()

	g.ctrl.Abandon(session.StopTeardown)
	return true
}

// Wait blocks until in-flight notifications finish. Teardown callers never
// need it; it exists for orderly shutdown and tests.
func (g *Guard) Wait() {
	g.wg.Wait()
}
