package falsifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckClaim_S6(t *testing.T) {
	// Claim far from endpoint e whose p05 implies a small maxTightKm.
	endpoints := []EndpointInput{
		{EndpointID: "e", Lat: 0, Lon: 0, AdjustedP05Ms: 1, AdjustedP50Ms: 1},
	}
	checks := CheckClaim(40, 40, endpoints, 200000)
	require.Len(t, checks, 1)
	require.NotNil(t, checks[0].FalsifyTight)
	assert.True(t, *checks[0].FalsifyTight)
}

func TestCheckClaim_FalsificationSymmetry(t *testing.T) {
	// Invariant 5: (not falsifyLoose) => (not falsifyTight), since loose
	// bound (p50) >= tight bound (p05).
	endpoints := []EndpointInput{
		{EndpointID: "e", Lat: 10, Lon: 10, AdjustedP05Ms: 5, AdjustedP50Ms: 50},
	}
	checks := CheckClaim(10.01, 10.01, endpoints, 200000)
	require.Len(t, checks, 1)
	c := checks[0]
	if c.FalsifyLoose != nil && !*c.FalsifyLoose {
		if c.FalsifyTight != nil {
			assert.False(t, *c.FalsifyTight)
		}
	}
}

func TestCheckClaim_UndefinedBoundWhenRTTNonPositive(t *testing.T) {
	endpoints := []EndpointInput{
		{EndpointID: "e", Lat: 0, Lon: 0, AdjustedP05Ms: 0, AdjustedP50Ms: 0},
	}
	checks := CheckClaim(1, 1, endpoints, 200000)
	require.Len(t, checks, 1)
	assert.Nil(t, checks[0].TightKm)
	assert.Nil(t, checks[0].FalsifyTight)
}
