// Package falsifier checks a claimed location against each endpoint's
// maximum-distance circle implied by its adjusted RTT: a tight bound from
// the p05 reference and a loose one from p50.
package falsifier

import "github.com/svdrecbd/lattice/internal/geodesy"

// Check is one endpoint's falsification result against a claimed location.
// Bound and verdict fields are null when the underlying RTT is non-positive,
// since the distance bound is undefined there.
type Check struct {
	EndpointID   string   `json:"endpointId"`
	DistKm       float64  `json:"distKm"`
	TightKm      *float64 `json:"tightKm,omitempty"`
	LooseKm      *float64 `json:"looseKm,omitempty"`
	FalsifyTight *bool    `json:"falsifyTight,omitempty"`
	FalsifyLoose *bool    `json:"falsifyLoose,omitempty"`
}

// EndpointInput is the per-endpoint data the falsifier needs: coordinates
// and the calibration-adjusted p05/p50 reference RTTs.
type EndpointInput struct {
	EndpointID    string
	Lat           float64
	Lon           float64
	AdjustedP05Ms float64
	AdjustedP50Ms float64
}

// CheckClaim evaluates every endpoint's distance bound against a claimed
// (lat, lon), at the given propagation speed.
func CheckClaim(claimLat, claimLon float64, endpoints []EndpointInput, speedKmS float64) []Check {
	checks := make([]Check, 0, len(endpoints))
	for _, ep := range endpoints {
		distKm := geodesy.HaversineKm(claimLat, claimLon, ep.Lat, ep.Lon)
		check := Check{EndpointID: ep.EndpointID, DistKm: distKm}

		if tightKm, ok := geodesy.MaxDistanceKm(ep.AdjustedP05Ms, speedKmS); ok {
			falsify := distKm > tightKm
			check.TightKm = &tightKm
			check.FalsifyTight = &falsify
		}
		if looseKm, ok := geodesy.MaxDistanceKm(ep.AdjustedP50Ms, speedKmS); ok {
			falsify := distKm > looseKm
			check.LooseKm = &looseKm
			check.FalsifyLoose = &falsify
		}

		checks = append(checks, check)
	}
	return checks
}
