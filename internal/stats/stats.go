// Package stats computes per-endpoint quantiles, jitter, and burst-loss
// accounting over the sample store's windowed time series.
package stats

import (
	"math"
	"sort"

	"github.com/svdrecbd/lattice/internal/store"
)

// Entry is one endpoint's statistics snapshot.
type Entry struct {
	Count      int     `json:"count"`
	P05        float64 `json:"p05"`
	P50        float64 `json:"p50"`
	P95        float64 `json:"p95"`
	Min        float64 `json:"min"`
	Jitter     float64 `json:"jitter"`
	LastSeenMs int64   `json:"lastSeenMs"`
}

// Compute returns the statistics entry for one endpoint's samples. Empty
// input yields (Entry{}, false); empty endpoints are omitted from output.
func Compute(samples []store.Sample) (Entry, bool) {
	if len(samples) == 0 {
		return Entry{}, false
	}

	values := make([]float64, len(samples))
	lastSeen := samples[0].TsUnixMs
	for i, s := range samples {
		values[i] = s.RTTMs
		if s.TsUnixMs > lastSeen {
			lastSeen = s.TsUnixMs
		}
	}
	sort.Float64s(values)

	// Fractional rank p*(n-1), interpolated linearly between the adjacent
	// order statistics on either side of it.
	quantile := func(p float64) float64 {
		pos := p * float64(len(values)-1)
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		return values[lo] + (values[hi]-values[lo])*(pos-float64(lo))
	}
	p05 := quantile(0.05)
	p50 := quantile(0.50)
	p95 := quantile(0.95)

	jitter := p95 - p05
	if jitter < 0 {
		jitter = 0
	}

	return Entry{
		Count:      len(values),
		P05:        p05,
		P50:        p50,
		P95:        p95,
		Min:        values[0],
		Jitter:     jitter,
		LastSeenMs: lastSeen,
	}, true
}

// BurstLoss is the per-endpoint burst-loss accounting. Expected is
// omitted from the wire form when no samplesPerEndpoint is configured,
// since expected loss is undefined then; LossPct is still emitted, as 0.
type BurstLoss struct {
	BurstCount  int     `json:"burstCount"`
	SampleCount int     `json:"sampleCount"`
	Expected    float64 `json:"expected,omitempty"`
	HasExpected bool    `json:"-"`
	LossPct     float64 `json:"lossPct"`
	LastSeenMs  int64   `json:"lastSeenMs"`
}

// ComputeBurstLoss summarizes bursts against a configured samplesPerEndpoint.
// samplesPerEndpoint == 0 leaves Expected undefined (HasExpected=false).
func ComputeBurstLoss(bursts []store.Burst, samplesPerEndpoint int) (BurstLoss, bool) {
	if len(bursts) == 0 {
		return BurstLoss{}, false
	}

	burstCount := len(bursts)
	sampleCount := 0
	lastSeen := bursts[0].TsUnixMs
	for _, b := range bursts {
		sampleCount += b.SampleCount
		if b.TsUnixMs > lastSeen {
			lastSeen = b.TsUnixMs
		}
	}

	result := BurstLoss{
		BurstCount:  burstCount,
		SampleCount: sampleCount,
		LastSeenMs:  lastSeen,
	}

	if samplesPerEndpoint <= 0 {
		return result, true
	}

	expected := float64(burstCount) * float64(samplesPerEndpoint)
	result.Expected = expected
	result.HasExpected = true

	lossPct := (expected - float64(sampleCount)) / expected * 100
	if lossPct < 0 {
		lossPct = 0
	}
	result.LossPct = lossPct

	return result, true
}
