package precheck

import (
	"errors"
	"testing"

	"tools.zach/dev/bumpmate/internal/action"
	"tools.zach/dev/bumpmate/internal/quota"
)

// full is a page with every counter populated.
var full = Counts{Reviews: Known(3), Followers: Known(10), Following: Known(7)}

func TestCheck(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want Reason // empty means accepted
	}{
		{
			name: "basic tier cannot follow buyers",
			req:  Request{Kind: action.FollowBuyers, Page: action.PageOwnStore, Counts: Counts{}, Tier: Basic, Balance: 0},
			want: MembershipRequired,
		},
		{
			name: "follow buyers with zero reviews",
			req:  Request{Kind: action.FollowBuyers, Page: action.PageOwnStore, Counts: Counts{Reviews: Known(0)}, Tier: Plus, Balance: 5},
			want: NoBuyers,
		},
		{
			name: "follow buyers with unknown reviews",
			req:  Request{Kind: action.FollowBuyers, Page: action.PageOtherStore, Tier: Premium, Balance: 5},
			want: NoBuyers,
		},
		{
			name: "follow followers with no followers",
			req:  Request{Kind: action.FollowFollowers, Page: action.PageOwnStore, Counts: Counts{Followers: Known(0)}, Tier: Basic, Balance: 5},
			want: NoFollowers,
		},
		{
			name: "unfollow with unknown following",
			req:  Request{Kind: action.UnfollowUsers, Page: action.PageOwnStore, Tier: Basic, Balance: 5},
			want: NoFollowing,
		},
		{
			name: "follow following with no following",
			req:  Request{Kind: action.FollowFollowing, Page: action.PageOtherStore, Counts: Counts{Following: Known(0)}, Tier: Basic, Balance: 5},
			want: NoFollowing,
		},
		{
			name: "no tokens while idle",
			req:  Request{Kind: action.BumpListings, Page: action.PageOwnStore, Counts: full, Tier: Basic, Balance: 0},
			want: NoTokens,
		},
		{
			name: "no tokens while another action is active",
			req:  Request{Kind: action.BumpListings, Page: action.PageOwnStore, Counts: full, Tier: Basic, Balance: 0, Active: true},
		},
		{
			name: "unlimited balance",
			req:  Request{Kind: action.BumpListings, Page: action.PageOwnStore, Counts: full, Tier: Basic, Balance: quota.Unlimited},
		},
		{
			name: "count rules win over page scope",
			req:  Request{Kind: action.FollowFollowers, Page: action.PageNone, Tier: Basic, Balance: 5},
			want: NoFollowers,
		},
		{
			name: "token rule wins over page scope",
			req:  Request{Kind: action.LikeItems, Page: action.PageOwnStore, Counts: full, Tier: Basic, Balance: 0},
			want: NoTokens,
		},
		{
			name: "not offered on own store",
			req:  Request{Kind: action.LikeItems, Page: action.PageOwnStore, Counts: full, Tier: Basic, Balance: 5},
			want: NotAvailable,
		},
		{
			name: "accepted",
			req:  Request{Kind: action.FollowBuyers, Page: action.PageOtherStore, Counts: full, Tier: Plus, Balance: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.req)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Check() = %v, want nil", err)
				}
				return
			}
			var rej *RejectedError
			if !errors.As(err, &rej) {
				t.Fatalf("Check() = %v, want *RejectedError", err)
			}
			if rej.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", rej.Reason, tt.want)
			}
		})
	}
}

func TestTopUp(t *testing.T) {
	if !NoTokens.TopUp() {
		t.Error("NoTokens.TopUp() = false")
	}
	if NoBuyers.TopUp() {
		t.Error("NoBuyers.TopUp() = true")
	}
}

func TestParseTier(t *testing.T) {
	if got, err := ParseTier(" Premium "); err != nil || got != Premium {
		t.Errorf("ParseTier(Premium) = %q, %v", got, err)
	}
	if _, err := ParseTier("gold"); err == nil {
		t.Error("ParseTier(gold) should fail")
	}
}
