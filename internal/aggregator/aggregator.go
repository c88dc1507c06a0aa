// Package aggregator implements the state aggregator: the single owner of
// ingestion, windowing, and summarization that produces one
// internally-consistent snapshot per request. One mutex-guarded owner, a
// TTL cache for the expensive grid-search estimate, and plain getter
// methods for everything else.
package aggregator

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/svdrecbd/lattice/internal/calibration"
	"github.com/svdrecbd/lattice/internal/config"
	"github.com/svdrecbd/lattice/internal/estimator"
	"github.com/svdrecbd/lattice/internal/falsifier"
	"github.com/svdrecbd/lattice/internal/ingest"
	"github.com/svdrecbd/lattice/internal/lerrors"
	"github.com/svdrecbd/lattice/internal/metrics"
	"github.com/svdrecbd/lattice/internal/stats"
	"github.com/svdrecbd/lattice/internal/store"
)

// estimateCacheKey is the ttlcache's sole key; there is only ever one
// estimate in flight, so nothing varies in the key.
const estimateCacheKey = "estimate"

// Claim is the operator's self-reported location under test.
type Claim struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// EndpointSnapshot is one endpoint's configuration plus its current-window
// statistics and burst-loss accounting, omitted fields left zero when no
// samples have arrived yet.
type EndpointSnapshot struct {
	Endpoint    config.Endpoint  `json:"endpoint"`
	Stats       *stats.Entry     `json:"stats,omitempty"`
	BurstLoss   *stats.BurstLoss `json:"burstLoss,omitempty"`
	AdjustedP05 *float64         `json:"adjustedP05,omitempty"`
	AdjustedP50 *float64         `json:"adjustedP50,omitempty"`
}

// Hygiene is the endpoint-configuration hygiene report: missing
// coordinates, missing region hints, and hosts reused across ids.
type Hygiene struct {
	MissingCoordinates []string            `json:"missingCoordinates,omitempty"`
	MissingRegion      []string            `json:"missingRegion,omitempty"`
	SharedHosts        map[string][]string `json:"sharedHosts,omitempty"`
}

// WindowView is a statistics-only subset of the snapshot, used for the
// session (since-start) and baseline views.
type WindowView struct {
	Endpoints map[string]stats.Entry `json:"endpoints"`
}

// AutoBaselineStatus reports the auto-baseline capture: the first
// autoBaselineMinutes of samples after the first ingested record,
// captured only when no explicit baseline was configured.
type AutoBaselineStatus struct {
	StartedAtMs int64 `json:"startedAtMs"`
	Complete    bool  `json:"complete"`
}

// Snapshot is the aggregator's single per-request output. Field names are
// part of the wire contract consumed downstream.
type Snapshot struct {
	UpdatedAtMs       int64                      `json:"updatedAt"`
	WindowMinutes     int                        `json:"windowMinutes"`
	Params            config.Params              `json:"params"`
	Endpoints         []EndpointSnapshot         `json:"endpoints"`
	Health            map[string]stats.BurstLoss `json:"health"`
	Estimate          *estimator.Estimate        `json:"estimate,omitempty"`
	Calibration       *calibration.Calibration   `json:"calibration,omitempty"`
	CalibrationHealth *calibration.Health        `json:"calibrationHealth,omitempty"`
	ClaimChecks       []falsifier.Check          `json:"claimChecks,omitempty"`
	Claim             *Claim                     `json:"claim,omitempty"`
	Hygiene           Hygiene                    `json:"hygiene"`
	LogStatus         ingest.Status              `json:"logStatus"`
	Session           *WindowView                `json:"session,omitempty"`
	AutoBaseline      *AutoBaselineStatus        `json:"autoBaseline,omitempty"`
	Baseline          *WindowView                `json:"baseline,omitempty"`
}

// Aggregator is the single mutex-guarded owner of ingestion, calibration,
// and claim state: one writer, many snapshot readers.
type Aggregator struct {
	log    *slog.Logger
	clock  clockwork.Clock
	tailer *ingest.Tailer
	store  *store.Store

	estimateCache *ttlcache.Cache[string, *estimator.Estimate]

	mu                  sync.Mutex
	endpoints           []config.Endpoint
	params              config.Params
	samplesPerEndpoint  int
	calib               *calibration.Calibration
	claim               *Claim
	sessionStartMs      int64
	haveSessionStart    bool
	autoBaselineStart   int64
	autoBaselineEndMs   int64
	autoBaselineDone    bool
	autoBaselineOut     string
	autoBaselineSamples map[string][]store.Sample // in-flight capture, immune to window trim
	autoBaselineLines   [][]byte
	baseline            map[string][]store.Sample // explicit or captured baseline samples, nil if none
	baselineIsAuto      bool
	lastEstimateAtMs    int64
}

// New constructs an Aggregator. endpoints is the immutable, validated set
// for this session; updates replace the whole set via a new Aggregator.
func New(log *slog.Logger, clock clockwork.Clock, params config.Params, endpoints []config.Endpoint, samplesPerEndpoint int, tailer *ingest.Tailer, st *store.Store) *Aggregator {
	cache := ttlcache.New[string, *estimator.Estimate](
		ttlcache.WithTTL[string, *estimator.Estimate](time.Duration(params.EstimateIntervalMs) * time.Millisecond),
	)
	go cache.Start()

	a := &Aggregator{
		log:                log,
		clock:              clock,
		tailer:             tailer,
		store:              st,
		estimateCache:      cache,
		endpoints:          endpoints,
		params:             params,
		samplesPerEndpoint: samplesPerEndpoint,
	}
	tailer.SetRecordObserver(a.observeRecord)
	return a
}

// SetAutoBaselineOutput sets the path the captured auto-baseline raw lines
// are persisted to on finalization. Empty (the default) disables persistence;
// the in-memory capture is unaffected either way.
func (a *Aggregator) SetAutoBaselineOutput(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.autoBaselineOut = path
}

// observeRecord runs on every ingested record. While auto-baseline capture
// is active it accumulates the record's samples (and, when an output path is
// set, the raw line). Capture happens at ingest time so the baseline isn't
// eroded by window trimming before finalization.
func (a *Aggregator) observeRecord(ts int64, ep string, samplesMs []float64, raw []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.params.AutoBaselineMinutes <= 0 || a.autoBaselineDone || a.baseline != nil {
		return
	}
	if !a.baselineIsAuto {
		a.baselineIsAuto = true
		a.autoBaselineStart = ts
		a.autoBaselineEndMs = ts + int64(a.params.AutoBaselineMinutes)*60000
		a.autoBaselineSamples = make(map[string][]store.Sample)
	}
	if ts > a.autoBaselineEndMs {
		return
	}
	for _, v := range samplesMs {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			continue
		}
		a.autoBaselineSamples[ep] = append(a.autoBaselineSamples[ep], store.Sample{TsUnixMs: ts, RTTMs: v})
	}
	if a.autoBaselineOut != "" {
		a.autoBaselineLines = append(a.autoBaselineLines, append([]byte(nil), raw...))
	}
}

// Close stops the background ttlcache janitor goroutine.
func (a *Aggregator) Close() {
	a.estimateCache.Stop()
}

// SetBaseline installs an operator-supplied baseline sample set, disabling
// auto-baseline capture.
func (a *Aggregator) SetBaseline(samples map[string][]store.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseline = samples
	a.baselineIsAuto = false
	a.autoBaselineDone = true
	a.autoBaselineSamples = nil
	a.autoBaselineLines = nil
}

// SetClaim installs the operator's self-reported location for falsifier
// cross-checks, or clears it when claim is nil.
func (a *Aggregator) SetClaim(claim *Claim) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.claim = claim
}

// SetCalibration swaps the active calibration, acquiring the lock only for
// the swap itself so calibration jobs never stall snapshot readers.
func (a *Aggregator) SetCalibration(c *calibration.Calibration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calib = c
}

// Calibration returns the active calibration, or nil if none is loaded.
func (a *Aggregator) Calibration() *calibration.Calibration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calib
}

// GenerateCalibration fits or refits the affine correction against either
// the baseline sample set, when one exists, or the current window's
// statistics otherwise. Observed from the operator's self-reported
// (claimLat, claimLon). Each training sample's source label ("baseline"
// or "window") reflects which stats were actually used. It does not
// install the result; callers (typically the calibration job supervisor)
// call SetCalibration once the fit and any persistence succeed.
func (a *Aggregator) GenerateCalibration(claimLat, claimLon float64) (*calibration.Calibration, error) {
	nowMs := a.clock.Now().UnixMilli()

	a.mu.Lock()
	endpoints := append([]config.Endpoint(nil), a.endpoints...)
	params := a.params
	existing := a.calib
	baseline := a.baseline
	a.mu.Unlock()

	hasCoords := false
	for _, ep := range endpoints {
		if ep.HasCoordinates() {
			hasCoords = true
			break
		}
	}
	if !hasCoords {
		return nil, lerrors.ErrNoCoordinateEndpoints
	}

	source := "window"
	statsFor := func(id string) (stats.Entry, bool) {
		return stats.Compute(a.store.Samples(id))
	}
	if baseline != nil {
		source = "baseline"
		statsFor = func(id string) (stats.Entry, bool) {
			return stats.Compute(baseline[id])
		}
	}

	var calib *calibration.Calibration
	if existing == nil {
		calib = calibration.New(claimLat, claimLon, params.SpeedKmS, params.PathStretch, nowMs)
	} else {
		// Refit a copy so the active calibration is untouched until the
		// caller installs the result.
		cp := *existing
		cp.Endpoints = make(map[string]calibration.EndpointCalibration, len(existing.Endpoints))
		for id, e := range existing.Endpoints {
			cp.Endpoints[id] = e
		}
		cp.Samples = make(map[string][]calibration.TrainingPoint, len(existing.Samples))
		for id, pts := range existing.Samples {
			cp.Samples[id] = append([]calibration.TrainingPoint(nil), pts...)
		}
		calib = &cp
		calib.CalibrationLat = claimLat
		calib.CalibrationLon = claimLon
		calib.GeneratedAt = nowMs
	}

	observed := false
	for _, ep := range endpoints {
		if !ep.HasCoordinates() {
			continue
		}
		entry, ok := statsFor(ep.ID)
		if !ok {
			continue
		}
		// Reference RTT is p05, falling back to min when p05 is non-positive.
		rtt := entry.P05
		if rtt <= 0 {
			rtt = entry.Min
		}
		if rtt <= 0 {
			continue
		}
		expected := calib.ExpectedMs(*ep.Lat, *ep.Lon)
		calib.Observe(ep.ID, expected, rtt, nowMs, source,
			params.MinCalibrationScale, params.MaxCalibrationScale, params.MaxCalibrationSamples)
		observed = true
	}
	if !observed {
		return nil, lerrors.ErrNoStatistics
	}

	return calib, nil
}

// Poll advances the tail-follower by one read and clears any stale reset
// notice.
func (a *Aggregator) Poll(ctx context.Context) error {
	if err := a.tailer.Poll(ctx, a.store); err != nil {
		return err
	}
	a.tailer.ClearStaleReset(a.params.LogResetNoticeMs)

	a.mu.Lock()
	if !a.haveSessionStart {
		a.sessionStartMs = a.clock.Now().UnixMilli()
		a.haveSessionStart = true
	}
	a.mu.Unlock()

	return nil
}

// Snapshot builds one internally-consistent view of the aggregator's
// state. Trim runs first so every derived field reflects the same
// windowing cutoff.
func (a *Aggregator) Snapshot(ctx context.Context) *Snapshot {
	nowMs := a.clock.Now().UnixMilli()
	a.store.Trim(nowMs)

	a.mu.Lock()
	endpoints := append([]config.Endpoint(nil), a.endpoints...)
	params := a.params
	samplesPerEndpoint := a.samplesPerEndpoint
	calib := a.calib
	claim := a.claim
	sessionStart := a.sessionStartMs
	haveSessionStart := a.haveSessionStart
	autoBaselineStart := a.autoBaselineStart
	autoBaselineEnd := a.autoBaselineEndMs
	autoBaselineDone := a.autoBaselineDone
	baselineIsAuto := a.baselineIsAuto
	baseline := a.baseline
	a.mu.Unlock()

	entries := make(map[string]stats.Entry, len(endpoints))
	bursts := make(map[string]stats.BurstLoss, len(endpoints))
	endpointSnapshots := make([]EndpointSnapshot, 0, len(endpoints))

	for _, ep := range endpoints {
		samples := a.store.Samples(ep.ID)
		entry, hasEntry := stats.Compute(samples)
		burstLoss, hasBurst := stats.ComputeBurstLoss(a.store.Bursts(ep.ID), samplesPerEndpoint)

		snap := EndpointSnapshot{Endpoint: ep}
		if hasEntry {
			e := entry
			entries[ep.ID] = entry
			snap.Stats = &e
			if calib != nil {
				p05 := calib.Adjust(entry.P05, ep.ID)
				p50 := calib.Adjust(entry.P50, ep.ID)
				snap.AdjustedP05 = &p05
				snap.AdjustedP50 = &p50
			}
		}
		if hasBurst {
			b := burstLoss
			bursts[ep.ID] = burstLoss
			snap.BurstLoss = &b
		}
		metrics.WindowSampleCount.WithLabelValues(ep.ID).Set(float64(len(samples)))
		endpointSnapshots = append(endpointSnapshots, snap)
	}

	estimate := a.cachedEstimate(ctx, endpoints, entries, calib, params)
	if estimate != nil {
		metrics.EstimateSSE.Set(estimate.SSE)
		a.mu.Lock()
		age := nowMs - a.lastEstimateAtMs
		a.mu.Unlock()
		metrics.EstimateAgeSeconds.Set(float64(age) / 1000)
	}

	var claimChecks []falsifier.Check
	var claimOut *Claim
	if claim != nil {
		claimOut = &Claim{Lat: claim.Lat, Lon: claim.Lon}
		inputs := make([]falsifier.EndpointInput, 0, len(endpoints))
		for _, ep := range endpoints {
			if !ep.HasCoordinates() {
				continue
			}
			entry, ok := entries[ep.ID]
			if !ok {
				continue
			}
			p05, p50 := entry.P05, entry.P50
			if calib != nil {
				p05 = calib.Adjust(p05, ep.ID)
				p50 = calib.Adjust(p50, ep.ID)
			}
			inputs = append(inputs, falsifier.EndpointInput{
				EndpointID:    ep.ID,
				Lat:           *ep.Lat,
				Lon:           *ep.Lon,
				AdjustedP05Ms: p05,
				AdjustedP50Ms: p50,
			})
		}
		claimChecks = falsifier.CheckClaim(claim.Lat, claim.Lon, inputs, params.SpeedKmS)
		for _, check := range claimChecks {
			if check.FalsifyTight != nil {
				metrics.FalsificationFlags.WithLabelValues(check.EndpointID, "tight").Set(boolToFloat(*check.FalsifyTight))
			}
			if check.FalsifyLoose != nil {
				metrics.FalsificationFlags.WithLabelValues(check.EndpointID, "loose").Set(boolToFloat(*check.FalsifyLoose))
			}
		}
	}

	var calibHealth *calibration.Health
	if calib != nil {
		sessionP05 := adjustedP05ByID(a.store, endpoints, calib, sessionStart)
		baselineP05 := adjustedP05FromSamples(baseline, calib)
		h := calibration.ComputeHealth(calib, nowMs, sessionP05, baselineP05, params.CalibDriftWarnMs)
		calibHealth = &h
	}

	var session *WindowView
	if haveSessionStart {
		session = &WindowView{Endpoints: windowEntries(a.store, endpoints, sessionStart)}
	}

	var autoBaseline *AutoBaselineStatus
	var baselineView *WindowView
	if baselineIsAuto {
		complete := autoBaselineDone || nowMs >= autoBaselineEnd
		autoBaseline = &AutoBaselineStatus{StartedAtMs: autoBaselineStart, Complete: complete}
		if complete && !autoBaselineDone {
			a.finalizeAutoBaseline()
			a.mu.Lock()
			baseline = a.baseline
			a.mu.Unlock()
		}
	}
	if baseline != nil {
		baselineView = &WindowView{Endpoints: entriesFromSamples(baseline)}
	}

	return &Snapshot{
		UpdatedAtMs:       nowMs,
		WindowMinutes:     params.WindowMinutes,
		Params:            params,
		Endpoints:         endpointSnapshots,
		Health:            bursts,
		Estimate:          estimate,
		Calibration:       calib,
		CalibrationHealth: calibHealth,
		ClaimChecks:       claimChecks,
		Claim:             claimOut,
		Hygiene:           computeHygiene(endpoints),
		LogStatus:         a.tailer.Status(),
		Session:           session,
		AutoBaseline:      autoBaseline,
		Baseline:          baselineView,
	}
}

// cachedEstimate returns the cached estimate if still fresh, otherwise runs
// the grid search and caches the result for EstimateIntervalMs.
func (a *Aggregator) cachedEstimate(ctx context.Context, endpoints []config.Endpoint, entries map[string]stats.Entry, calib *calibration.Calibration, params config.Params) *estimator.Estimate {
	if item := a.estimateCache.Get(estimateCacheKey); item != nil {
		return item.Value()
	}

	observations := make([]estimator.Observation, 0, len(endpoints))
	for _, ep := range endpoints {
		if !ep.HasCoordinates() {
			continue
		}
		entry, ok := entries[ep.ID]
		if !ok {
			continue
		}
		// Reference RTT is p05, falling back to min when p05 is non-positive,
		// same as the calibration fit's reference selection.
		rtt := entry.P05
		if rtt <= 0 {
			rtt = entry.Min
		}
		if calib != nil {
			rtt = calib.Adjust(rtt, ep.ID)
		}
		if rtt <= 0 {
			continue
		}
		weight := 1.0 / maxFloat(entry.Jitter, params.MinJitterMs)
		observations = append(observations, estimator.Observation{
			EndpointID: ep.ID,
			Lat:        *ep.Lat,
			Lon:        *ep.Lon,
			RTTMs:      rtt,
			Weight:     weight,
		})
	}

	est, ok := estimator.Run(ctx, observations, estimator.Params{
		GridStepDeg:      params.GridStepDeg,
		RefineStepDeg:    params.RefineStepDeg,
		RefineWindowMult: params.RefineWindowMult,
		BandFactor:       params.BandFactor,
		BandWindowDeg:    params.BandWindowDeg,
		SpeedKmS:         params.SpeedKmS,
	})
	if !ok {
		est = nil
	}

	a.estimateCache.Set(estimateCacheKey, est, ttlcache.DefaultTTL)
	if est != nil {
		a.mu.Lock()
		a.lastEstimateAtMs = a.clock.Now().UnixMilli()
		a.mu.Unlock()
	}
	return est
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func windowEntries(st *store.Store, endpoints []config.Endpoint, sinceMs int64) map[string]stats.Entry {
	out := make(map[string]stats.Entry, len(endpoints))
	for _, ep := range endpoints {
		samples := st.FilterSince(ep.ID, sinceMs)
		if entry, ok := stats.Compute(samples); ok {
			out[ep.ID] = entry
		}
	}
	return out
}

// finalizeAutoBaseline flips the captured samples into the active baseline
// and, when an output path is configured, persists the captured raw lines.
// A persistence failure is logged but does not discard the in-memory
// baseline, mirroring the I/O policy of never aborting on recoverable
// failures.
func (a *Aggregator) finalizeAutoBaseline() {
	a.mu.Lock()
	if a.autoBaselineDone {
		a.mu.Unlock()
		return
	}
	a.autoBaselineDone = true
	a.baseline = a.autoBaselineSamples
	lines := a.autoBaselineLines
	out := a.autoBaselineOut
	a.autoBaselineSamples = nil
	a.autoBaselineLines = nil
	a.mu.Unlock()

	if out == "" || len(lines) == 0 {
		return
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		a.log.Warn("failed to persist auto-baseline lines", "path", out, "error", err)
	}
}

func entriesFromSamples(samples map[string][]store.Sample) map[string]stats.Entry {
	out := make(map[string]stats.Entry, len(samples))
	for id, s := range samples {
		if entry, ok := stats.Compute(s); ok {
			out[id] = entry
		}
	}
	return out
}

func adjustedP05ByID(st *store.Store, endpoints []config.Endpoint, calib *calibration.Calibration, sinceMs int64) map[string]float64 {
	out := make(map[string]float64, len(endpoints))
	for _, ep := range endpoints {
		entry, ok := stats.Compute(st.FilterSince(ep.ID, sinceMs))
		if !ok {
			continue
		}
		out[ep.ID] = calib.Adjust(entry.P05, ep.ID)
	}
	return out
}

func adjustedP05FromSamples(samples map[string][]store.Sample, calib *calibration.Calibration) map[string]float64 {
	if samples == nil {
		return nil
	}
	out := make(map[string]float64, len(samples))
	for id, s := range samples {
		entry, ok := stats.Compute(s)
		if !ok {
			continue
		}
		out[id] = calib.Adjust(entry.P05, id)
	}
	return out
}

// computeHygiene reports endpoints missing coordinates or region hints,
// and hosts shared by more than one endpoint id.
func computeHygiene(endpoints []config.Endpoint) Hygiene {
	var h Hygiene
	byHost := make(map[string][]string)
	for _, ep := range endpoints {
		if !ep.HasCoordinates() {
			h.MissingCoordinates = append(h.MissingCoordinates, ep.ID)
		}
		if strings.TrimSpace(ep.RegionHint) == "" {
			h.MissingRegion = append(h.MissingRegion, ep.ID)
		}
		byHost[ep.Host] = append(byHost[ep.Host], ep.ID)
	}
	sort.Strings(h.MissingCoordinates)
	sort.Strings(h.MissingRegion)
	for host, ids := range byHost {
		if len(ids) > 1 {
			if h.SharedHosts == nil {
				h.SharedHosts = make(map[string][]string)
			}
			sorted := append([]string(nil), ids...)
			sort.Strings(sorted)
			h.SharedHosts[host] = sorted
		}
	}
	return h
}
