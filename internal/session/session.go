// Package session owns the single source of truth for which action, if
// any, is running.
//
// The [Controller] serializes every transition through one run loop: start
// and stop requests, worker messages, page navigations, and external
// balance updates are all processed there in arrival order, with stop
// requests drained ahead of anything else queued. Readers observe state
// through [Controller.Snapshot] and [Controller.Subscribe] and never mutate
// it.
package session

import (
	"errors"
	"time"

	"tools.zach/dev/bumpmate/internal/action"
	"tools.zach/dev/bumpmate/internal/quota"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrConnect wraps failures to open the worker channel or launch the task.
// The session stays idle and no token is consumed.
var ErrConnect = errors.New("connect to worker failed")

// ErrNoPage is returned when the page snapshot cannot be read.
var ErrNoPage = errors.New("page unavailable")

// ErrClosed is returned after [Controller.Close].
var ErrClosed = errors.New("controller closed")

// ///////////////////////////////////////////////
// Stop Reasons
// ///////////////////////////////////////////////

// StopReason records why a run ended.
type StopReason string

const (
	StopUser       StopReason = "user"
	StopToggle     StopReason = "toggle"
	StopSwitch     StopReason = "switched"
	StopComplete   StopReason = "completed"
	StopQuota      StopReason = "quota-exhausted"
	StopLimit      StopReason = "task-limit"
	StopNavigation StopReason = "navigation"
	StopTeardown   StopReason = "teardown"
	StopDropped    StopReason = "channel-dropped"
	StopLaunch     StopReason = "launch-failed"
	StopShutdown   StopReason = "shutdown"
)

// ///////////////////////////////////////////////
// Session
// ///////////////////////////////////////////////

// RunSummary describes the most recently finished run.
type RunSummary struct {
	RunID    string         `json:"run_id"`
	Kind     action.Kind    `json:"kind"`
	Progress quota.Progress `json:"progress"`
	Reason   StopReason     `json:"reason"`
	EndedAt  time.Time      `json:"ended_at"`
}

// Session is a read-only snapshot of controller state.
type Session struct {
	// Active is [action.None] when idle.
	Active action.Kind `json:"active"`
	// TargetIdentity is the identity the channel is registered under.
	TargetIdentity string          `json:"target_identity,omitempty"`
	Store          string          `json:"store,omitempty"`
	Progress       quota.Progress  `json:"progress"`
	Balance        int64           `json:"balance"`
	BalanceDisplay string          `json:"balance_display"`
	TaskLimit      int             `json:"task_limit"`
	RunID          string          `json:"run_id,omitempty"`
	Generation     uint64          `json:"generation"`
	StartedAt      time.Time       `json:"started_at,omitzero"`
	Page           action.PageKind `json:"page"`
	// Offered lists the actions available on the current page.
	Offered []action.Kind `json:"offered"`
	Last    *RunSummary   `json:"last,omitempty"`
}

// Running reports whether an action is active.
func (s Session) Running() bool { return s.Active != action.None }

// ///////////////////////////////////////////////
// Events
// ///////////////////////////////////////////////

// EventType names a user-facing notification.
type EventType string

const (
	EventStarted          EventType = "started"
	EventProgress         EventType = "progress"
	EventCompleted        EventType = "completed"
	EventTaskLimitReached EventType = "task-limit-reached"
	EventQuotaExhausted   EventType = "quota-exhausted"
	EventRejected         EventType = "rejected"
	EventConnectFailed    EventType = "connect-failed"
	EventStopped          EventType = "stopped"
	EventBalance          EventType = "balance"
)

// Event is published to subscribers on every visible transition.
type Event struct {
	Type       EventType      `json:"type"`
	Kind       action.Kind    `json:"kind,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Generation uint64         `json:"generation,omitempty"`
	Progress   quota.Progress `json:"progress"`
	Balance    int64          `json:"balance"`
	// Reason is the rejection reason or stop reason.
	Reason string `json:"reason,omitempty"`
	// Message is user-facing text for rejections.
	Message string `json:"message,omitempty"`
	// TopUp asks the UI to offer a token purchase.
	TopUp bool      `json:"top_up,omitempty"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// Settings are the task settings read at start time.
type Settings struct {
	Delay              int
	DiscountPercentage int
	// TaskLimit caps completed steps per run; zero means unlimited.
	TaskLimit          int
	BumpFromBottom     bool
	FollowExceptions   []string
	UnfollowExceptions []string
}

// ExceptionsFor returns the exception list sent with kind.
func (s Settings) ExceptionsFor(kind action.Kind) []string {
	switch kind.Exceptions() {
	case action.FollowExceptions:
		return s.FollowExceptions
	case action.UnfollowExceptions:
		return s.UnfollowExceptions
	default:
		return nil
	}
}
