// Package estimator implements the geolocation estimator: a weighted
// least-squares grid search (coarse pass, then refinement) that jointly
// estimates position and a nonnegative timing bias, plus tight/loose
// confidence bands. The coarse pass is parallelized per latitude row over
// a bounded worker pool; the confidence ellipse comes from a symmetric
// eigendecomposition of the in-band points' local covariance.
package estimator

import (
	"context"
	"math"
	"runtime"

	"github.com/alitto/pond/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/svdrecbd/lattice/internal/geodesy"
)

// Observation is one endpoint's adjusted reference RTT, ready for the
// estimator: coordinates, the adjusted RTT, and its inverse-jitter weight.
type Observation struct {
	EndpointID string
	Lat        float64
	Lon        float64
	RTTMs      float64
	Weight     float64
}

// Params bundles the estimator tunables drawn from config.Params.
type Params struct {
	GridStepDeg      float64
	RefineStepDeg    float64
	RefineWindowMult float64
	BandFactor       float64
	BandWindowDeg    float64
	SpeedKmS         float64
}

// Ellipse is the covariance-fit confidence ellipse in a local tangent
// plane, reported when at least 2 in-band points exist.
type Ellipse struct {
	MajorKm  float64 `json:"majorKm"`
	MinorKm  float64 `json:"minorKm"`
	AngleDeg float64 `json:"angleDeg"`
}

// Band is a confidence region: the bounding box and radius of every
// candidate whose SSE falls within the band's threshold of the minimum,
// plus an optional covariance ellipse.
type Band struct {
	RadiusKm     float64  `json:"radiusKm"`
	SSEThreshold float64  `json:"sseThreshold"`
	Points       int      `json:"points"`
	MinLat       float64  `json:"minLat"`
	MaxLat       float64  `json:"maxLat"`
	MinLon       float64  `json:"minLon"`
	MaxLon       float64  `json:"maxLon"`
	Ellipse      *Ellipse `json:"ellipse,omitempty"`
}

// Estimate is the estimator's output for one grid search.
type Estimate struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	BiasMs    float64 `json:"biasMs"`
	SSE       float64 `json:"sse"`
	Points    int     `json:"points"`
	BandTight *Band   `json:"bandTight,omitempty"`
	BandLoose *Band   `json:"bandLoose,omitempty"`
}

// candidate is one (lat, lon) grid point's evaluated cost.
type candidate struct {
	lat, lon, bias, sse float64
}

// cost evaluates the closed-form nonnegative-bias weighted SSE at (lat, lon).
func cost(observations []Observation, lat, lon, speedKmS float64) candidate {
	var sumW, sumWResidual float64
	preds := make([]float64, len(observations))
	for i, obs := range observations {
		distKm := geodesy.HaversineKm(lat, lon, obs.Lat, obs.Lon)
		pred := geodesy.RTTFactor * distKm / (speedKmS / 1000.0)
		preds[i] = pred
		sumW += obs.Weight
		sumWResidual += obs.Weight * (obs.RTTMs - pred)
	}

	bias := 0.0
	if sumW > 0 {
		bias = sumWResidual / sumW
	}
	if bias < 0 {
		bias = 0
	}

	sse := 0.0
	for i, obs := range observations {
		diff := obs.RTTMs - (preds[i] + bias)
		sse += obs.Weight * diff * diff
	}

	return candidate{lat: lat, lon: lon, bias: bias, sse: sse}
}

// Run executes the coarse-then-refined grid search and confidence band
// pass. Requires at least 3 observations; otherwise returns (nil, false),
// since insufficient data is not an error.
func Run(ctx context.Context, observations []Observation, p Params) (*Estimate, bool) {
	if len(observations) < 3 {
		return nil, false
	}

	best := coarseSearch(ctx, observations, p.GridStepDeg, p.SpeedKmS)
	halfWidth := p.RefineStepDeg * p.RefineWindowMult
	if halfWidth < p.GridStepDeg {
		halfWidth = p.GridStepDeg
	}
	refined := refineSearch(observations, best, p.RefineStepDeg, halfWidth, p.SpeedKmS)

	tightFactor := math.Max(0.05, p.BandFactor*0.5)
	looseFactor := p.BandFactor

	bandHalfWidth := math.Max(p.BandWindowDeg, halfWidth)
	tight := confidenceBand(observations, refined, tightFactor, bandHalfWidth, p.RefineStepDeg, p.SpeedKmS)
	loose := confidenceBand(observations, refined, looseFactor, bandHalfWidth, p.RefineStepDeg, p.SpeedKmS)

	return &Estimate{
		Lat:       refined.lat,
		Lon:       refined.lon,
		BiasMs:    refined.bias,
		SSE:       refined.sse,
		Points:    len(observations),
		BandTight: tight,
		BandLoose: loose,
	}, true
}

// coarseSearch is an exhaustive scan over [-90,90]x[-180,180] at step grid,
// parallelized one pool task per latitude row. Deterministic scan order
// (lat outer, lon inner, ascending) with first-found minimum wins, so the
// per-row winners are reduced in lat order after the pool drains.
func coarseSearch(ctx context.Context, observations []Observation, gridStep, speedKmS float64) candidate {
	lats := gridRange(-90, 90, gridStep)

	pool := pond.NewResultPool[candidate](runtime.GOMAXPROCS(0))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	for _, lat := range lats {
		lat := lat
		group.SubmitErr(func() (candidate, error) {
			return bestInRow(observations, lat, gridRange(-180, 180, gridStep), speedKmS), nil
		})
	}

	rows, err := group.Wait()
	if err != nil {
		// The cost function cannot fail; a non-nil error here would only
		// occur on ctx cancellation, in which case fall back to a serial
		// scan so Estimate always returns a deterministic answer.
		lons := gridRange(-180, 180, gridStep)
		best := bestInRow(observations, lats[0], lons, speedKmS)
		for _, lat := range lats[1:] {
			if row := bestInRow(observations, lat, lons, speedKmS); row.sse < best.sse {
				best = row
			}
		}
		return best
	}

	best := rows[0]
	for _, row := range rows[1:] {
		if row.sse < best.sse {
			best = row
		}
	}
	return best
}

func bestInRow(observations []Observation, lat float64, lons []float64, speedKmS float64) candidate {
	best := cost(observations, lat, lons[0], speedKmS)
	for _, lon := range lons[1:] {
		c := cost(observations, lat, lon, speedKmS)
		if c.sse < best.sse {
			best = c
		}
	}
	return best
}

// refineSearch re-scans a window of half-width halfWidth around coarse at
// step refineStep, clamped in latitude.
func refineSearch(observations []Observation, coarse candidate, refineStep, halfWidth, speedKmS float64) candidate {
	minLat := math.Max(-90, coarse.lat-halfWidth)
	maxLat := math.Min(90, coarse.lat+halfWidth)
	minLon := coarse.lon - halfWidth
	maxLon := coarse.lon + halfWidth

	lats := gridRange(minLat, maxLat, refineStep)
	lons := gridRange(minLon, maxLon, refineStep)

	best := cost(observations, lats[0], lons[0], speedKmS)
	for _, lat := range lats {
		for _, lon := range lons {
			c := cost(observations, lat, lon, speedKmS)
			if c.sse < best.sse {
				best = c
			}
		}
	}
	return best
}

// confidenceBand re-samples a window around center at refineStep and
// accumulates every point within the SSE threshold implied by factor.
func confidenceBand(observations []Observation, center candidate, factor, halfWidth, refineStep, speedKmS float64) *Band {
	threshold := math.Max(center.sse*(1+factor), center.sse+sseEpsilon)

	minLat := math.Max(-90, center.lat-halfWidth)
	maxLat := math.Min(90, center.lat+halfWidth)
	minLon := center.lon - halfWidth
	maxLon := center.lon + halfWidth

	lats := gridRange(minLat, maxLat, refineStep)
	lons := gridRange(minLon, maxLon, refineStep)

	band := Band{
		SSEThreshold: threshold,
		MinLat:       math.Inf(1),
		MaxLat:       math.Inf(-1),
		MinLon:       math.Inf(1),
		MaxLon:       math.Inf(-1),
	}

	var eastPoints, northPoints []float64
	maxRadius := 0.0

	for _, lat := range lats {
		for _, lon := range lons {
			c := cost(observations, lat, lon, speedKmS)
			if c.sse > threshold {
				continue
			}
			band.Points++
			if lat < band.MinLat {
				band.MinLat = lat
			}
			if lat > band.MaxLat {
				band.MaxLat = lat
			}
			if lon < band.MinLon {
				band.MinLon = lon
			}
			if lon > band.MaxLon {
				band.MaxLon = lon
			}
			radius := geodesy.HaversineKm(center.lat, center.lon, lat, lon)
			if radius > maxRadius {
				maxRadius = radius
			}

			east, north := geodesy.LocalOffsetKm(lat, lon, center.lat, center.lon)
			eastPoints = append(eastPoints, east)
			northPoints = append(northPoints, north)
		}
	}

	if band.Points == 0 {
		return nil
	}
	band.RadiusKm = maxRadius

	if len(eastPoints) >= 2 {
		band.Ellipse = fitEllipse(eastPoints, northPoints)
	}

	return &band
}

// sseEpsilon is the additive floor on the band threshold, so a perfect
// zero-SSE fit still yields a non-degenerate band.
const sseEpsilon = 1e-6

// fitEllipse fits a 2x2 covariance over local east/north km offsets and
// eigendecomposes it with gonum's symmetric eigensolver; the angle comes
// from the closed-form atan2 of the covariance terms.
func fitEllipse(east, north []float64) *Ellipse {
	n := float64(len(east))

	var meanE, meanN float64
	for i := range east {
		meanE += east[i]
		meanN += north[i]
	}
	meanE /= n
	meanN /= n

	var varE, varN, covEN float64
	for i := range east {
		de := east[i] - meanE
		dn := north[i] - meanN
		varE += de * de
		varN += dn * dn
		covEN += de * dn
	}
	varE /= n
	varN /= n
	covEN /= n

	cov := mat.NewSymDense(2, []float64{varE, covEN, covEN, varN})
	var eig mat.EigenSym
	ok := eig.Factorize(cov, true)

	major := math.Sqrt(varE)
	minor := math.Sqrt(varN)
	if ok {
		values := eig.Values(nil)
		// Values() returns ascending eigenvalues; major axis is the larger.
		minor = math.Sqrt(math.Max(values[0], 0))
		major = math.Sqrt(math.Max(values[1], 0))
	}

	angle := 0.5 * math.Atan2(2*covEN, varE-varN) * 180 / math.Pi

	return &Ellipse{MajorKm: major, MinorKm: minor, AngleDeg: angle}
}

// gridRange returns the inclusive ascending grid of points from lo to hi
// (inclusive) at step, guaranteed to contain at least one point.
func gridRange(lo, hi, step float64) []float64 {
	if step <= 0 {
		return []float64{lo}
	}
	count := int(math.Floor((hi-lo)/step)) + 1
	if count < 1 {
		count = 1
	}
	points := make([]float64, 0, count+1)
	for v := lo; v <= hi+1e-9; v += step {
		points = append(points, v)
	}
	if len(points) == 0 {
		points = append(points, lo)
	}
	return points
}
