// Package action defines the automation actions the remote worker can run
// against a store page, and which page kinds offer them.
package action

import (
	"fmt"
	"strings"
)

// ///////////////////////////////////////////////
// Kinds
// ///////////////////////////////////////////////

// Kind identifies one automation action. The zero value [None] means no
// action is active.
type Kind string

const (
	None            Kind = ""
	BumpListings    Kind = "bump-listings"
	FollowFollowers Kind = "follow-followers"
	FollowFollowing Kind = "follow-following"
	UnfollowUsers   Kind = "unfollow-users"
	BulkUnlike      Kind = "bulk-unlike"
	FollowBuyers    Kind = "follow-buyers"
	LikeItems       Kind = "like-items"
)

// All lists every runnable kind in display order.
var All = []Kind{
	BumpListings,
	FollowFollowers,
	FollowFollowing,
	UnfollowUsers,
	BulkUnlike,
	FollowBuyers,
	LikeItems,
}

// Parse converts a wire name such as "bump-listings" into a [Kind].
// Matching is case-insensitive; surrounding whitespace is ignored.
func Parse(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if k == known {
			return k, nil
		}
	}
	return None, fmt.Errorf("unknown action %q", s)
}

// String returns the wire name, or "none" for [None].
func (k Kind) String() string {
	if k == None {
		return "none"
	}
	return string(k)
}

// Label returns the human-readable button text for the kind.
func (k Kind) Label() string {
	switch k {
	case BumpListings:
		return "Bump Listings"
	case FollowFollowers:
		return "Follow Followers"
	case FollowFollowing:
		return "Follow Following"
	case UnfollowUsers:
		return "Unfollow Users"
	case BulkUnlike:
		return "Bulk Unlike"
	case FollowBuyers:
		return "Follow Buyers"
	case LikeItems:
		return "Like Items"
	default:
		return "None"
	}
}

// ///////////////////////////////////////////////
// Exception Lists
// ///////////////////////////////////////////////

// ExceptionList selects which configured exception list is sent with a task.
type ExceptionList int

const (
	// NoExceptions means the kind does not act on other users.
	NoExceptions ExceptionList = iota
	// FollowExceptions is the list of handles never followed.
	FollowExceptions
	// UnfollowExceptions is the list of handles never unfollowed.
	UnfollowExceptions
)

// Exceptions reports which exception list applies to the kind.
func (k Kind) Exceptions() ExceptionList {
	switch k {
	case UnfollowUsers:
		return UnfollowExceptions
	case FollowFollowers, FollowFollowing, FollowBuyers:
		return FollowExceptions
	default:
		return NoExceptions
	}
}

// ///////////////////////////////////////////////
// Page Scopes
// ///////////////////////////////////////////////

// PageKind classifies the page the browser is showing.
type PageKind string

const (
	// PageNone is any page that is not a store page.
	PageNone PageKind = "none"
	// PageOwnStore is the signed-in user's own store.
	PageOwnStore PageKind = "own-store"
	// PageOtherStore is another seller's store.
	PageOtherStore PageKind = "other-store"
)

// scopes maps each page kind to the actions it offers.
var scopes = map[PageKind][]Kind{
	PageOwnStore:   {BumpListings, FollowFollowers, UnfollowUsers, BulkUnlike, FollowBuyers},
	PageOtherStore: {FollowFollowers, FollowFollowing, LikeItems, FollowBuyers},
}

// AvailableOn returns the kinds offered on a page kind. The returned slice
// must not be modified.
func AvailableOn(p PageKind) []Kind {
	return scopes[p]
}

// OfferedOn reports whether k is offered on page kind p.
func (k Kind) OfferedOn(p PageKind) bool {
	for _, offered := range scopes[p] {
		if offered == k {
			return true
		}
	}
	return false
}
