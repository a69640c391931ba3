package core

import "gridcore/pkg/apperrors"

// IllegalTransitionError builds the sentinel error for a rejected state
// transition, tagged with apperrors.KindIllegalTransition so callers can route
// on kind instead of matching strings.
func IllegalTransitionError(orderID string, from, to State) error {
	return apperrors.New(apperrors.KindIllegalTransition,
		"order %s: illegal transition %s -> %s", orderID, from, to)
}
