// Package calibration implements the per-endpoint affine RTT correction:
// adjusted = (raw - bias) / scale, fitted by linear regression over
// (expected, observed) training pairs and persisted as a JSON file.
package calibration

import (
	"encoding/json"
	"math"
	"os"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/svdrecbd/lattice/internal/geodesy"
	"github.com/svdrecbd/lattice/internal/lerrors"
)

// TrainingPoint is one (expected, observed) pair recorded while fitting.
type TrainingPoint struct {
	ExpectedMs float64 `json:"expectedMs"`
	RTTMs      float64 `json:"rttMs"`
	TsUnixMs   int64   `json:"ts"`
	Source     string  `json:"source,omitempty"`
}

// EndpointCalibration is the fitted affine correction for one endpoint.
type EndpointCalibration struct {
	BiasMs      float64  `json:"biasMs"`
	Scale       float64  `json:"scale"`
	SampleCount int      `json:"sampleCount"`
	RMSEMs      *float64 `json:"rmseMs,omitempty"`
}

// Calibration is the full fitted state: one operator-claimed location,
// plus a per-endpoint affine correction and its bounded training ring.
type Calibration struct {
	GeneratedAt    int64                          `json:"generatedAt"`
	CalibrationLat float64                        `json:"calibrationLat"`
	CalibrationLon float64                        `json:"calibrationLon"`
	SpeedKmS       float64                        `json:"speedKmS"`
	PathStretch    float64                        `json:"pathStretch"`
	Endpoints      map[string]EndpointCalibration `json:"endpoints"`
	Samples        map[string][]TrainingPoint     `json:"samples"`
}

// New constructs an empty calibration anchored at the operator's
// self-reported location.
func New(lat, lon, speedKmS, pathStretch float64, generatedAt int64) *Calibration {
	return &Calibration{
		GeneratedAt:    generatedAt,
		CalibrationLat: lat,
		CalibrationLon: lon,
		SpeedKmS:       speedKmS,
		PathStretch:    pathStretch,
		Endpoints:      make(map[string]EndpointCalibration),
		Samples:        make(map[string][]TrainingPoint),
	}
}

// EffectiveSpeedKmS is speedKmS / max(1, pathStretch).
func (c *Calibration) EffectiveSpeedKmS() float64 {
	stretch := c.PathStretch
	if stretch < 1 {
		stretch = 1
	}
	return c.SpeedKmS / stretch
}

// ExpectedMs computes the predicted RTT from the calibration anchor to
// (epLat, epLon) at the calibration's effective speed.
func (c *Calibration) ExpectedMs(epLat, epLon float64) float64 {
	distKm := geodesy.HaversineKm(c.CalibrationLat, c.CalibrationLon, epLat, epLon)
	return geodesy.RTTFactor * distKm / (c.EffectiveSpeedKmS() / 1000.0)
}

// Observe appends one training sample for endpoint ep and refits its
// correction. cap bounds the training ring; the oldest sample is dropped
// on overflow (FIFO), per the bounded-ring design.
func (c *Calibration) Observe(ep string, expectedMs, rttMs float64, ts int64, source string, minScale, maxScale float64, cap int) {
	points := append(c.Samples[ep], TrainingPoint{
		ExpectedMs: expectedMs,
		RTTMs:      rttMs,
		TsUnixMs:   ts,
		Source:     source,
	})
	if len(points) > cap {
		points = points[len(points)-cap:]
	}
	c.Samples[ep] = points
	c.Endpoints[ep] = Refit(points, minScale, maxScale)
}

// Refit computes the affine correction for a set of training points,
// following the three-way split in the fit algorithm: zero points, one
// point, or a linear regression over two or more.
func Refit(points []TrainingPoint, minScale, maxScale float64) EndpointCalibration {
	switch len(points) {
	case 0:
		return EndpointCalibration{BiasMs: 0, Scale: 1, SampleCount: 0}
	case 1:
		bias := points[0].RTTMs - points[0].ExpectedMs
		if bias < 0 {
			bias = 0
		}
		return EndpointCalibration{BiasMs: bias, Scale: 1, SampleCount: 1}
	}

	expected := make([]float64, len(points))
	rtt := make([]float64, len(points))
	for i, p := range points {
		expected[i] = p.ExpectedMs
		rtt[i] = p.RTTMs
	}

	_, slope := stat.LinearRegression(expected, rtt, nil, false)

	scale := slope
	if scale < minScale {
		scale = minScale
	}
	if scale > maxScale {
		scale = maxScale
	}

	meanExpected := stat.Mean(expected, nil)
	meanRTT := stat.Mean(rtt, nil)
	bias := meanRTT - scale*meanExpected
	if bias < 0 {
		bias = 0
	}

	sse := 0.0
	for i := range points {
		pred := bias + scale*expected[i]
		diff := rtt[i] - pred
		sse += diff * diff
	}
	rmse := math.Sqrt(sse / float64(len(points)))

	return EndpointCalibration{
		BiasMs:      bias,
		Scale:       scale,
		SampleCount: len(points),
		RMSEMs:      &rmse,
	}
}

// baseID strips a "@suffix" probe-path discriminator, used when an
// endpoint id carries no calibration entry of its own.
func baseID(epID string) string {
	if idx := strings.IndexByte(epID, '@'); idx >= 0 {
		return epID[:idx]
	}
	return epID
}

// Adjust applies the fitted correction for epID to rttMs, clamped to zero.
// Unknown ids fall back to the base id before "@"; if neither has a
// calibration entry, the raw value passes through unchanged.
func (c *Calibration) Adjust(rttMs float64, epID string) float64 {
	entry, ok := c.Endpoints[epID]
	if !ok {
		entry, ok = c.Endpoints[baseID(epID)]
		if !ok {
			return rttMs
		}
	}
	adjusted := (rttMs - entry.BiasMs) / entry.Scale
	if adjusted < 0 {
		return 0
	}
	return adjusted
}

// Health is the calibration staleness/drift report.
type Health struct {
	AgeMs     int64 `json:"ageMs"`
	DriftWarn bool  `json:"driftWarn"`
}

// ComputeHealth reports staleness (nowMs - GeneratedAt) and whether the
// median absolute difference between session and baseline adjusted p05s
// exceeds driftWarnMs.
func ComputeHealth(c *Calibration, nowMs int64, sessionAdjustedP05, baselineAdjustedP05 map[string]float64, driftWarnMs float64) Health {
	health := Health{AgeMs: nowMs - c.GeneratedAt}

	diffs := make([]float64, 0, len(sessionAdjustedP05))
	for id, sessionVal := range sessionAdjustedP05 {
		baselineVal, ok := baselineAdjustedP05[id]
		if !ok {
			continue
		}
		diffs = append(diffs, math.Abs(sessionVal-baselineVal))
	}
	if len(diffs) == 0 {
		return health
	}

	health.DriftWarn = medianAbs(diffs) >= driftWarnMs
	return health
}

func medianAbs(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	// An even-length input averages the two middle values, a true
	// statistical median rather than a single order statistic.
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Load reads a calibration file. Missing fields are tolerated as zero
// values so files written by older versions keep loading.
func Load(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, lerrors.NewIOError("calibration_load", "failed to read calibration file", err).WithContext("path", path)
	}
	var c Calibration
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, lerrors.NewIOError("calibration_load", "failed to parse calibration file", err).WithContext("path", path)
	}
	if c.Endpoints == nil {
		c.Endpoints = make(map[string]EndpointCalibration)
	}
	if c.Samples == nil {
		c.Samples = make(map[string][]TrainingPoint)
	}
	return &c, nil
}

// Save persists the calibration as JSON. Callers must not swap the
// in-memory calibration in until Save succeeds.
func Save(path string, c *Calibration) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return lerrors.NewIOError("calibration_save", "failed to marshal calibration", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return lerrors.NewIOError("calibration_save", "failed to write calibration file", err).WithContext("path", path)
	}
	return nil
}
