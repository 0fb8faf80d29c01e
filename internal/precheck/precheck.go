// Package precheck decides whether an action may start. Checks are pure:
// they read a snapshot of page counts, the membership tier, and the token
// balance, and never touch the network or the session.
package precheck

import (
	"fmt"
	"strings"

	"tools.zach/dev/bumpmate/internal/action"
)

// ///////////////////////////////////////////////
// Rejection Reasons
// ///////////////////////////////////////////////

// Reason is the machine-readable cause of a rejected start.
type Reason string

const (
	MembershipRequired Reason = "membership-required"
	NoBuyers           Reason = "no-buyers"
	NoFollowers        Reason = "no-followers"
	NoFollowing        Reason = "no-following"
	NoTokens           Reason = "no-tokens"
	NotAvailable       Reason = "not-available"
)

// Message returns user-facing text for the reason.
func (r Reason) Message() string {
	switch r {
	case MembershipRequired:
		return "Upgrade your membership to use Follow Buyers."
	case NoBuyers:
		return "This store has no buyers to follow."
	case NoFollowers:
		return "This store has no followers to follow."
	case NoFollowing:
		return "This store is not following anyone."
	case NoTokens:
		return "You are out of task tokens."
	case NotAvailable:
		return "This action is not available on this page."
	default:
		return string(r)
	}
}

// TopUp reports whether the UI should offer a token purchase.
func (r Reason) TopUp() bool { return r == NoTokens }

// RejectedError is returned by [Check] when a start is refused.
type RejectedError struct {
	Reason Reason
}

func (e *RejectedError) Error() string {
	return "start rejected: " + string(e.Reason)
}

// ///////////////////////////////////////////////
// Membership Tiers
// ///////////////////////////////////////////////

// Tier is the user's membership level.
type Tier string

const (
	Basic   Tier = "basic"
	Plus    Tier = "plus"
	Premium Tier = "premium"
)

// ParseTier validates a tier name. Matching is case-insensitive.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case Basic, Plus, Premium:
		return t, nil
	}
	return "", fmt.Errorf("unknown membership tier %q (want basic, plus or premium)", s)
}

// ///////////////////////////////////////////////
// Counts
// ///////////////////////////////////////////////

// Count is a page counter that may be missing from the page.
type Count struct {
	Value int  `json:"value"`
	Known bool `json:"known"`
}

// Known returns a count read from the page.
func Known(n int) Count { return Count{Value: n, Known: true} }

// Positive reports whether the count is known and above zero.
func (c Count) Positive() bool { return c.Known && c.Value > 0 }

// Counts are the read-only page counters consulted by the checks.
type Counts struct {
	Reviews   Count `json:"reviews"`
	Followers Count `json:"followers"`
	Following Count `json:"following"`
}

// ///////////////////////////////////////////////
// Check
// ///////////////////////////////////////////////

// Request carries everything a start decision depends on.
type Request struct {
	Kind    action.Kind
	Page    action.PageKind
	Counts  Counts
	Tier    Tier
	Balance int64
	// Active is true when some action is already running.
	Active bool
}

// Check applies the start rules in order and returns a [*RejectedError] for
// the first one that fails, or nil.
func Check(r Request) error {
	switch {
	case r.Kind == action.FollowBuyers && r.Tier == Basic:
		return &RejectedError{Reason: MembershipRequired}
	case r.Kind == action.FollowBuyers && !r.Counts.Reviews.Positive():
		return &RejectedError{Reason: NoBuyers}
	case r.Kind == action.FollowFollowers && !r.Counts.Followers.Positive():
		return &RejectedError{Reason: NoFollowers}
	case (r.Kind == action.FollowFollowing || r.Kind == action.UnfollowUsers) && !r.Counts.Following.Positive():
		return &RejectedError{Reason: NoFollowing}
	case r.Balance == 0 && !r.Active:
		return &RejectedError{Reason: NoTokens}
	case !r.Kind.OfferedOn(r.Page):
		return &RejectedError{Reason: NotAvailable}
	}
	return nil
}
