// Package smoothing implements the saturation curve that decides how
// many peers an announce response should carry, given the seed supply
// of a swarm relative to an operator-chosen reference level.
//
// The curve is
//
//	y = min + (max - min) * tanh(k * supply)
//
// where the steepness k is derived so that a swarm at exactly the
// reference seed level is allocated within a small margin of the
// requested ceiling. The curve starts at the minimum, increases
// monotonically, and approaches the ceiling asymptotically, so
// allocations never jump as swarms cross supply thresholds.
package smoothing

import (
	"errors"
	"math"
)

// delta keeps the steepness derivation finite. The curve never reaches
// its ceiling, so k is calibrated against a point delta below the
// ceiling rather than the ceiling itself. The value is part of the
// curve shape and must stay in sync with any external response logic
// mirroring this curve.
const delta = 0.1

// ErrInvalidReferenceSeedLevel is returned by New for a reference seed
// level that is zero or negative.
var ErrInvalidReferenceSeedLevel = errors.New("smoothing: reference seed level must be positive")

// ErrInvalidPeerRange is returned by New when the requested ceiling is
// below the minimum, or the minimum is negative.
var ErrInvalidPeerRange = errors.New("smoothing: requested peers must be no less than minimum peers, and minimum peers must be non-negative")

// A Curve allocates peers as a smooth function of seed supply.
//
// A Curve is immutable after construction and safe for concurrent use;
// Allocate performs no I/O and touches no shared state.
type Curve struct {
	min float64
	max float64
	k   float64

	// degenerate is set when min == max. The curve has zero amplitude
	// and the steepness derivation is undefined, so Allocate returns
	// the minimum directly.
	degenerate bool
}

// New derives a Curve from the configured minimum peers, the requested
// peer ceiling, and the reference seed level at which a swarm deserves
// essentially everything it asked for.
//
// Configuration is validated here, once, rather than on every
// allocation.
func New(minimumPeers, requestedPeers, referenceSeedLevel float64) (*Curve, error) {
	if referenceSeedLevel <= 0 {
		return nil, ErrInvalidReferenceSeedLevel
	}
	if minimumPeers < 0 || requestedPeers < minimumPeers {
		return nil, ErrInvalidPeerRange
	}

	c := &Curve{
		min: minimumPeers,
		max: requestedPeers,
	}

	if requestedPeers == minimumPeers {
		c.degenerate = true
		return c, nil
	}

	// Solve for k at the point (referenceSeedLevel, requestedPeers-delta).
	// The delta in the denominator avoids atanh(1).
	amplitude := requestedPeers - minimumPeers
	c.k = math.Atanh((amplitude-delta)/(amplitude+delta)) / referenceSeedLevel

	return c, nil
}

// Allocate returns the recommended peer count for the given seed
// supply.
//
// The result is exact: Allocate(0) is the configured minimum, and the
// result approaches but never reaches the requested ceiling as supply
// grows. Negative supply is treated as zero. Callers round and clamp
// against the peers actually present in the swarm; the curve may
// recommend more peers than exist.
func (c *Curve) Allocate(seedCount float64) float64 {
	if c.degenerate || seedCount <= 0 {
		return c.min
	}

	y := c.min + (c.max-c.min)*math.Tanh(c.k*seedCount)
	if y >= c.max {
		// float64 tanh saturates to exactly 1 for large arguments.
		// Clamp to the largest value below the ceiling so the curve
		// stays strictly below it for any finite supply.
		return math.Nextafter(c.max, c.min)
	}
	return y
}

// AllocateInt rounds an allocation up to a whole peer count.
func (c *Curve) AllocateInt(seedCount int) int {
	return int(math.Ceil(c.Allocate(float64(seedCount))))
}
