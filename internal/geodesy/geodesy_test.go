package geodesy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKm_ZeroDistance(t *testing.T) {
	assert.InDelta(t, 0.0, HaversineKm(40.7, -74.0, 40.7, -74.0), 1e-9)
}

func TestHaversineKm_KnownPair(t *testing.T) {
	// New York to London is roughly 5570km great-circle.
	d := HaversineKm(40.7128, -74.0060, 51.5074, -0.1278)
	assert.InDelta(t, 5570, d, 60)
}

func TestMaxDistanceKm_NonPositiveRTT(t *testing.T) {
	_, ok := MaxDistanceKm(0, 200000)
	assert.False(t, ok)

	_, ok = MaxDistanceKm(-5, 200000)
	assert.False(t, ok)
}

func TestMaxDistanceKm_Positive(t *testing.T) {
	km, ok := MaxDistanceKm(10, 200000)
	assert.True(t, ok)
	// oneway 5ms -> 0.005s * 200000km/s = 1000km
	assert.InDelta(t, 1000, km, 1e-9)
}

func TestLocalOffsetKm_Center(t *testing.T) {
	e, n := LocalOffsetKm(10, 20, 10, 20)
	assert.InDelta(t, 0, e, 1e-9)
	assert.InDelta(t, 0, n, 1e-9)
}
