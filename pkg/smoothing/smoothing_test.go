package smoothing

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

var curveTable = []struct {
	min, max, ref float64
}{
	{0, 50, 25},
	{1, 30, 10},
	{5, 50, 100},
	{5, 200, 300},
	{10, 10.5, 1},
}

func TestAllocateAtZeroSupply(t *testing.T) {
	for _, tt := range curveTable {
		t.Run(fmt.Sprintf("%v-%v-%v", tt.min, tt.max, tt.ref), func(t *testing.T) {
			c, err := New(tt.min, tt.max, tt.ref)
			require.Nil(t, err)
			require.Equal(t, tt.min, c.Allocate(0), "zero supply must yield exactly the minimum")
			require.Equal(t, tt.min, c.Allocate(-3), "negative supply must yield exactly the minimum")
		})
	}
}

func TestAllocateMonotonic(t *testing.T) {
	for _, tt := range curveTable {
		t.Run(fmt.Sprintf("%v-%v-%v", tt.min, tt.max, tt.ref), func(t *testing.T) {
			c, err := New(tt.min, tt.max, tt.ref)
			require.Nil(t, err)

			prev := c.Allocate(0)
			for s := 1.0; s < 20*tt.ref; s += tt.ref / 8 {
				cur := c.Allocate(s)
				require.GreaterOrEqual(t, cur, prev, "allocation must not decrease with supply")
				prev = cur
			}
		})
	}
}

func TestAllocateBelowCeiling(t *testing.T) {
	for _, tt := range curveTable {
		t.Run(fmt.Sprintf("%v-%v-%v", tt.min, tt.max, tt.ref), func(t *testing.T) {
			c, err := New(tt.min, tt.max, tt.ref)
			require.Nil(t, err)

			for _, s := range []float64{0, 1, tt.ref / 2, tt.ref, 10 * tt.ref, 1e6} {
				require.Less(t, c.Allocate(s), tt.max, "allocation must stay below the ceiling for finite supply")
			}
		})
	}
}

func TestAllocateCalibration(t *testing.T) {
	for _, tt := range curveTable {
		t.Run(fmt.Sprintf("%v-%v-%v", tt.min, tt.max, tt.ref), func(t *testing.T) {
			c, err := New(tt.min, tt.max, tt.ref)
			require.Nil(t, err)

			// At the reference level the curve sits within twice delta
			// of the ceiling; well past it, a small fraction of delta
			// below. The exact gap is 2*delta*amp/(amp+delta).
			require.InDelta(t, tt.max, c.Allocate(tt.ref), 2*delta)
			require.InDelta(t, tt.max, c.Allocate(10*tt.ref), delta/100)
		})
	}
}

func TestAllocateScenario(t *testing.T) {
	c, err := New(5, 50, 100)
	require.Nil(t, err)

	// At the reference level the curve reaches
	// min + amp*(amp-delta)/(amp+delta) = 5 + 45*44.9/45.1.
	require.Equal(t, 5.0, c.Allocate(0))
	require.InDelta(t, 49.8004, c.Allocate(100), 1e-4)
	require.Greater(t, c.Allocate(1000), 49.999)

	require.Equal(t, 5, c.AllocateInt(0))
	require.Equal(t, 50, c.AllocateInt(100))
	require.Equal(t, 50, c.AllocateInt(1000))
}

func TestAllocateSaturatedSupplyStaysBelowCeiling(t *testing.T) {
	c, err := New(5, 50, 100)
	require.Nil(t, err)

	// tanh saturates to exactly 1 in float64 well before these supply
	// levels; the allocation must still sit strictly below the ceiling.
	for _, s := range []float64{1e6, 1e9, 1e12, math.MaxFloat64} {
		y := c.Allocate(s)
		require.Less(t, y, 50.0)
		require.GreaterOrEqual(t, y, c.Allocate(s/2), "clamping must not break monotonicity")
	}

	require.Equal(t, 50, c.AllocateInt(1<<30))
}

func TestAllocateDegenerate(t *testing.T) {
	c, err := New(5, 5, 100)
	require.Nil(t, err)

	for _, s := range []int{0, 50, 1000} {
		require.Equal(t, 5.0, c.Allocate(float64(s)))
		require.Equal(t, 5, c.AllocateInt(s))
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	var invalid = []struct {
		min, max, ref float64
		expected      error
	}{
		{5, 50, 0, ErrInvalidReferenceSeedLevel},
		{5, 50, -1, ErrInvalidReferenceSeedLevel},
		{50, 5, 100, ErrInvalidPeerRange},
		{-1, 50, 100, ErrInvalidPeerRange},
	}

	for _, tt := range invalid {
		t.Run(fmt.Sprintf("%v-%v-%v", tt.min, tt.max, tt.ref), func(t *testing.T) {
			c, err := New(tt.min, tt.max, tt.ref)
			require.Nil(t, c)
			require.ErrorIs(t, err, tt.expected)
		})
	}
}

func BenchmarkAllocate(b *testing.B) {
	c, err := New(5, 50, 100)
	require.Nil(b, err)

	for i := 0; i < b.N; i++ {
		c.Allocate(float64(i % 500))
	}
}
