// SPDX-License-Identifier: MIT

package grant

import (
	"fmt"

	"github.com/tonehaven/tonehaven/internal/store"
)

// Decision is the outcome of the unified access evaluation.
type Decision struct {
	Allowed bool
	// Message is the user-facing denial text, empty when allowed.
	Message string
	// Bypass notes why restriction checks were skipped (creator, team).
	Bypass string
}

// EvaluateAccess applies the album tier policy to one user.
//
// Order matters: creator and team bypass come before the restriction
// check, and a one-off donation tops up the recurring tier amount.
func EvaluateAccess(user store.User, ownerID int64, restrictions *store.TierRestrictions, donationCents int64) Decision {
	if user.UserID == ownerID {
		return Decision{Allowed: true, Bypass: "creator"}
	}
	if user.IsTeam {
		return Decision{Allowed: true, Bypass: "team"}
	}
	if restrictions == nil || !restrictions.IsRestricted {
		return Decision{Allowed: true}
	}

	required := restrictions.MinimumTierCents
	if user.TierAmountCents >= required {
		return Decision{Allowed: true}
	}
	if donationCents > 0 && user.TierAmountCents+donationCents >= required {
		return Decision{Allowed: true}
	}

	name := restrictions.MinimumTierName
	if name == "" {
		name = fmt.Sprintf("$%d.%02d", required/100, required%100)
	}
	return Decision{
		Message: fmt.Sprintf("This track requires the %s tier or higher.", name),
	}
}
