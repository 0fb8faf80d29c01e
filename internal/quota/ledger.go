// Package quota tracks the task-token balance and per-action step progress,
// and reads and writes the durable balance record.
//
// The [Ledger] is an in-memory mirror owned by the session controller. The
// durable value lives behind a [Store]; the ledger never assumes exclusive
// ownership of it, so an external write (a daily reset, a purchase) simply
// replaces the mirrored balance via [Ledger.SetBalance].
package quota

import (
	"strconv"
	"sync"
)

// Unlimited is the balance sentinel for accounts without a token cap. It is
// never decremented and never exhausted.
const Unlimited int64 = -1

// Progress is the step counter reported by the remote worker.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// String formats progress the way the worker reports it: "completed/total".
func (p Progress) String() string {
	return strconv.Itoa(p.Completed) + "/" + strconv.Itoa(p.Total)
}

// Ledger holds the mirrored token balance and the progress of the active
// action. It is safe for concurrent use; the controller is its only writer
// apart from external balance updates.
type Ledger struct {
	mu       sync.Mutex
	balance  int64
	progress Progress
}

// NewLedger creates a ledger seeded with balance. Negative values other
// than [Unlimited] are floored at zero.
func NewLedger(balance int64) *Ledger {
	return &Ledger{balance: normalize(balance)}
}

// normalize floors a balance at zero, preserving the unlimited sentinel.
func normalize(b int64) int64 {
	if b == Unlimited || b >= 0 {
		return b
	}
	return 0
}

// Balance returns the mirrored token balance.
func (l *Ledger) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// SetBalance replaces the mirrored balance with an externally observed
// value. Steps already taken are not reconciled.
func (l *Ledger) SetBalance(b int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = normalize(b)
}

// DecrementOne consumes one token and returns the new balance. It is a
// no-op for [Unlimited] and at zero.
func (l *Ledger) DecrementOne() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance != Unlimited && l.balance > 0 {
		l.balance--
	}
	return l.balance
}

// RecordStep stores the latest progress marker. Events are applied in
// arrival order; a marker whose completed count is lower than the current
// one is ignored so progress never moves backwards within an action.
func (l *Ledger) RecordStep(completed, total int) Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	if completed >= l.progress.Completed {
		l.progress.Completed = completed
	}
	l.progress.Total = total
	return l.progress
}

// Progress returns the current step counter.
func (l *Ledger) Progress() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}

// ResetProgress sets progress back to 0/0. Called on every start and stop.
func (l *Ledger) ResetProgress() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = Progress{}
}

// ReachedLimit reports whether the configured per-action task limit has
// been hit. A zero limit means unlimited.
func (l *Ledger) ReachedLimit(taskLimit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return taskLimit != 0 && l.progress.Completed == taskLimit
}

// Exhausted reports whether the balance is zero.
func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance == 0
}

// FormatBalance renders a balance for display, using "∞" for [Unlimited].
func FormatBalance(b int64) string {
	if b == Unlimited {
		return "∞"
	}
	return strconv.FormatInt(b, 10)
}
