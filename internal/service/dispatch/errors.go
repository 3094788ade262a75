package dispatch

import "errors"

// Sentinel errors for the distribution engine.
var (
	// ErrNoEligibleProfiles means the group has no active profile to
	// assign recipients to. Callers must not create a Message when
	// distribution fails with this error.
	ErrNoEligibleProfiles = errors.New("no eligible profiles in group")

	ErrNoRecipients = errors.New("no recipients to distribute")
)
