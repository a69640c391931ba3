// Package chainamount implements the tagged float/int conversion pair that
// crosses the boundary between this module's decimal-denominated domain
// model and a DEX client's integer, chain-native amounts. A bare
// decimal.Decimal or int64 is never passed across that boundary directly;
// callers must go through Tag/Untag so a double conversion (applying the
// decimals scale twice) fails loudly instead of silently corrupting a
// balance.
package chainamount

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"gridcore/pkg/apperrors"
)

// maxPlausibleInt bounds the raw chain amount TagFloatChecked accepts;
// anything larger is treated as almost certainly scaled twice already.
var maxPlausibleInt = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)

// Float is a decimal amount tagged as having already crossed the chain
// boundary in the float direction (chain integer -> human decimal).
type Float struct {
	v      decimal.Decimal
	tagged bool
}

// Int is a chain-native integer amount tagged as having already crossed the
// chain boundary in the int direction (human decimal -> chain integer).
type Int struct {
	v      *big.Int
	tagged bool
}

// TagFloat converts a raw chain integer amount (e.g. base units) into a
// tagged Float, scaling by 10^-decimals. It is the only legal way to
// produce a Float from chain data.
func TagFloat(raw *big.Int, decimals int32) Float {
	d := decimal.NewFromBigInt(raw, 0).Shift(-decimals)
	return Float{v: d, tagged: true}
}

// TagInt converts a human decimal amount into a tagged chain integer,
// scaling by 10^decimals and truncating to the integer base unit. It is the
// only legal way to produce an Int from domain-level decimal math.
func TagInt(amount decimal.Decimal, decimals int32) Int {
	scaled := amount.Shift(decimals).Truncate(0)
	bi := scaled.BigInt()
	return Int{v: bi, tagged: true}
}

// Decimal returns the untagged decimal.Decimal value, panicking on an
// untagged Float (a Float can only be constructed tagged, so this only
// fires on a zero-value Float reaching here by programmer error, which is
// exactly the double-conversion bug class this package exists to catch).
func (f Float) Decimal() decimal.Decimal {
	if !f.tagged {
		panic(apperrors.ErrUntaggedValue)
	}
	return f.v
}

// BigInt returns the untagged *big.Int value.
func (i Int) BigInt() *big.Int {
	if !i.tagged {
		panic(apperrors.ErrUntaggedValue)
	}
	return i.v
}

// IsTagged reports whether the value was produced through a Tag
// constructor, for callers that want to check rather than panic.
func (f Float) IsTagged() bool { return f.tagged }
func (i Int) IsTagged() bool   { return i.tagged }

func (f Float) String() string {
	if !f.tagged {
		return "<untagged>"
	}
	return f.v.String()
}

func (i Int) String() string {
	if !i.tagged {
		return "<untagged>"
	}
	return i.v.String()
}

// RoundTripError describes a Float->Int->Float conversion whose relative
// error exceeded the allowed tolerance (Testable Property 10).
type RoundTripError struct {
	Original, RoundTripped decimal.Decimal
	RelativeError         decimal.Decimal
}

func (e *RoundTripError) Error() string {
	return fmt.Sprintf("chainamount round trip: %s -> %s (relative error %s)",
		e.Original, e.RoundTripped, e.RelativeError)
}

// maxRelativeError is the tolerance a Float->Int->Float round trip must stay
// within, per spec's round-trip property.
var maxRelativeError = decimal.New(1, -10)

// CheckRoundTrip converts f to an Int and back at the given decimals and
// returns a *RoundTripError if the relative error exceeds 10^-10. It exists
// purely to let tests assert the property; production code never needs to
// call it.
func CheckRoundTrip(f Float, decimals int32) error {
	orig := f.Decimal()
	back := TagInt(orig, decimals)
	roundTripped := TagFloat(back.BigInt(), decimals).Decimal()
	if orig.IsZero() {
		if roundTripped.IsZero() {
			return nil
		}
		return &RoundTripError{Original: orig, RoundTripped: roundTripped, RelativeError: decimal.NewFromInt(1)}
	}
	diff := orig.Sub(roundTripped).Abs()
	relErr := diff.Div(orig.Abs())
	if relErr.GreaterThan(maxRelativeError) {
		return &RoundTripError{Original: orig, RoundTripped: roundTripped, RelativeError: relErr}
	}
	return nil
}

// plausible reports whether |raw| is at most maxPlausibleInt, i.e. small
// enough not to look scaled twice; TagFloatChecked uses it as an extra
// guard against double-tagging bugs before constructing a Float.
func plausible(raw *big.Int) bool {
	return raw.CmpAbs(maxPlausibleInt) <= 0
}

// TagFloatChecked is TagFloat with an added implausible-magnitude guard,
// for boundary code that wants to fail fast on an obviously-already-scaled
// input rather than produce a nonsensical Float.
func TagFloatChecked(raw *big.Int, decimals int32) (Float, error) {
	if !plausible(raw) {
		return Float{}, apperrors.Wrap(apperrors.KindTypeMismatch, apperrors.ErrUntaggedValue,
			"chain amount %s implausibly large for decimals=%d", raw.String(), decimals)
	}
	return TagFloat(raw, decimals), nil
}
