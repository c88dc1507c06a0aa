package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svdrecbd/lattice/internal/store"
)

func samplesOf(vals ...float64) []store.Sample {
	out := make([]store.Sample, len(vals))
	for i, v := range vals {
		out[i] = store.Sample{TsUnixMs: int64(i) * 1000, RTTMs: v}
	}
	return out
}

func TestCompute_Empty(t *testing.T) {
	_, ok := Compute(nil)
	assert.False(t, ok)
}

func TestCompute_QuantileOrdering(t *testing.T) {
	entry, ok := Compute(samplesOf(10, 20, 15, 12, 30, 11, 14, 50, 13, 16))
	require.True(t, ok)
	assert.LessOrEqual(t, entry.P05, entry.P50)
	assert.LessOrEqual(t, entry.P50, entry.P95)
	assert.GreaterOrEqual(t, entry.Jitter, 0.0)
	assert.Equal(t, 10, entry.Count)
}

func TestCompute_QuantilesInterpolateLinearly(t *testing.T) {
	// p's fractional rank (p*(n-1)) is non-integer here, so linear
	// interpolation between adjacent order statistics gives a different
	// answer than gonum's step-function Empirical kind would. n=4, p=0.05
	// -> fractional rank 0.15 between the 1st and 2nd order statistics:
	// 10+0.15*10=11.5; Empirical would instead return 10.
	entry, ok := Compute(samplesOf(10, 20, 30, 40))
	require.True(t, ok)
	assert.InDelta(t, 11.5, entry.P05, 1e-9)
	assert.InDelta(t, 38.5, entry.P95, 1e-9)

	// p50 over two samples: fractional rank 0.5, interpolates to the
	// midpoint (15); Empirical would return 10.
	entry2, ok := Compute(samplesOf(10, 20))
	require.True(t, ok)
	assert.InDelta(t, 15.0, entry2.P50, 1e-9)
}

func TestCompute_SingleSample(t *testing.T) {
	entry, ok := Compute(samplesOf(42))
	require.True(t, ok)
	assert.Equal(t, 42.0, entry.P05)
	assert.Equal(t, 42.0, entry.P50)
	assert.Equal(t, 42.0, entry.P95)
	assert.Equal(t, 0.0, entry.Jitter)
}

func TestComputeBurstLoss_NoExpectedWhenZero(t *testing.T) {
	bursts := []store.Burst{{TsUnixMs: 1000, SampleCount: 3}}
	loss, ok := ComputeBurstLoss(bursts, 0)
	require.True(t, ok)
	assert.False(t, loss.HasExpected)
}

func TestComputeBurstLoss_LossClampedNonNegative(t *testing.T) {
	bursts := []store.Burst{
		{TsUnixMs: 1000, SampleCount: 5},
		{TsUnixMs: 2000, SampleCount: 5},
	}
	// Over-delivered relative to configured rate: loss should clamp to 0.
	loss, ok := ComputeBurstLoss(bursts, 2)
	require.True(t, ok)
	assert.Equal(t, 0.0, loss.LossPct)
}

func TestComputeBurstLoss_PartialLoss(t *testing.T) {
	bursts := []store.Burst{
		{TsUnixMs: 1000, SampleCount: 2},
		{TsUnixMs: 2000, SampleCount: 2},
	}
	// expected = 2*5=10, got 4 -> 60% loss
	loss, ok := ComputeBurstLoss(bursts, 5)
	require.True(t, ok)
	assert.InDelta(t, 60.0, loss.LossPct, 1e-9)
}

func TestComputeBurstLoss_Empty(t *testing.T) {
	_, ok := ComputeBurstLoss(nil, 5)
	assert.False(t, ok)
}
