package estimator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultParams() Params {
	return Params{
		GridStepDeg:      2,
		RefineStepDeg:    0.2,
		RefineWindowMult: 3,
		BandFactor:       0.1,
		BandWindowDeg:    5,
		SpeedKmS:         200000,
	}
}

func TestRun_TwoObservationsReturnsNull(t *testing.T) {
	obs := []Observation{
		{EndpointID: "a", Lat: 0, Lon: 0, RTTMs: 10, Weight: 1},
		{EndpointID: "b", Lat: 0, Lon: 10, RTTMs: 10, Weight: 1},
	}
	_, ok := Run(context.Background(), obs, defaultParams())
	assert.False(t, ok)
}

func TestRun_S5_SymmetricCentroid(t *testing.T) {
	// Three endpoints symmetric around the origin with equal RTT should
	// localize near the centroid within grid/2.
	obs := []Observation{
		{EndpointID: "a", Lat: 10, Lon: 0, RTTMs: 100, Weight: 1},
		{EndpointID: "b", Lat: -5, Lon: 8.66, RTTMs: 100, Weight: 1},
		{EndpointID: "c", Lat: -5, Lon: -8.66, RTTMs: 100, Weight: 1},
	}
	p := defaultParams()
	est, ok := Run(context.Background(), obs, p)
	require.True(t, ok)

	assert.InDelta(t, 0, est.Lat, p.GridStepDeg/2+p.RefineStepDeg)
	assert.InDelta(t, 0, est.Lon, p.GridStepDeg/2+p.RefineStepDeg)
	assert.GreaterOrEqual(t, est.BiasMs, 0.0)
}

func TestRun_BiasNeverNegative(t *testing.T) {
	obs := []Observation{
		{EndpointID: "a", Lat: 40, Lon: -74, RTTMs: 1, Weight: 1},
		{EndpointID: "b", Lat: 41, Lon: -73, RTTMs: 1, Weight: 1},
		{EndpointID: "c", Lat: 39, Lon: -75, RTTMs: 1, Weight: 1},
	}
	est, ok := Run(context.Background(), obs, defaultParams())
	require.True(t, ok)
	assert.GreaterOrEqual(t, est.BiasMs, 0.0)
}

func TestRun_GridOptimality(t *testing.T) {
	// Invariant 6: the refined report should not be beaten by any coarser
	// grid point within the explored window.
	obs := []Observation{
		{EndpointID: "a", Lat: 10, Lon: 0, RTTMs: 100, Weight: 1},
		{EndpointID: "b", Lat: -5, Lon: 8.66, RTTMs: 120, Weight: 1},
		{EndpointID: "c", Lat: -5, Lon: -8.66, RTTMs: 80, Weight: 1},
	}
	p := defaultParams()
	est, ok := Run(context.Background(), obs, p)
	require.True(t, ok)

	best := cost(obs, est.Lat, est.Lon, p.SpeedKmS)
	for lat := -20.0; lat <= 20.0; lat += 2 {
		for lon := -20.0; lon <= 20.0; lon += 2 {
			c := cost(obs, lat, lon, p.SpeedKmS)
			assert.GreaterOrEqual(t, c.sse, best.sse-1e-6)
		}
	}
}

func TestRun_BandsOrdering(t *testing.T) {
	obs := []Observation{
		{EndpointID: "a", Lat: 10, Lon: 0, RTTMs: 100, Weight: 1},
		{EndpointID: "b", Lat: -5, Lon: 8.66, RTTMs: 105, Weight: 1},
		{EndpointID: "c", Lat: -5, Lon: -8.66, RTTMs: 95, Weight: 1},
		{EndpointID: "d", Lat: 20, Lon: 20, RTTMs: 300, Weight: 1},
	}
	est, ok := Run(context.Background(), obs, defaultParams())
	require.True(t, ok)
	if est.BandTight != nil && est.BandLoose != nil {
		assert.LessOrEqual(t, est.BandTight.RadiusKm, est.BandLoose.RadiusKm+1e-6)
	}
}

func TestGridRange_InclusiveEndpoints(t *testing.T) {
	points := gridRange(-2, 2, 1)
	require.NotEmpty(t, points)
	assert.InDelta(t, -2, points[0], 1e-9)
	assert.InDelta(t, 2, points[len(points)-1], 1e-9)
}
