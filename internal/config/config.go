// Package config holds the tunable constants, the Endpoint type, and the
// JSON/CSV loaders for an endpoint set.
package config

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/svdrecbd/lattice/internal/lerrors"
)

// Defaults for the documented tunables in the external-interfaces contract.
const (
	DefaultWindowMinutes          = 15
	DefaultGridStepDeg            = 2.0
	DefaultRefineStepDeg          = 0.1
	DefaultRefineWindowMult       = 3.0
	DefaultBandFactor             = 0.1
	DefaultBandWindowDeg          = 5.0
	DefaultSpeedKmS               = 200000.0 // ~2/3 c, typical fiber propagation speed
	DefaultPathStretch            = 1.3
	DefaultMinJitterMs            = 1.0
	DefaultMinCalibrationScale    = 0.5
	DefaultMaxCalibrationScale    = 2.0
	DefaultMaxCalibrationSamples  = 50
	DefaultCalibDriftWarnMs       = 15.0
	DefaultLogResetNoticeMs       = 30000
	DefaultEstimateIntervalMs     = 5000
	DefaultAutoBaselineMinutes    = 0
	EarthRadiusKm                 = 6371.0
	RTTFactor                     = 2.0
	SSEEpsilon                    = 1e-6
)

// Endpoint is a single probe target: a network address and, usually, known
// geographic coordinates.
type Endpoint struct {
	ID         string   `json:"id"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	RegionHint string   `json:"regionHint,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
}

// HasCoordinates reports whether both lat and lon are known.
func (e Endpoint) HasCoordinates() bool {
	return e.Lat != nil && e.Lon != nil
}

// Validate checks the per-field invariants in the data model: port range
// and coordinate bounds. It does not check cross-endpoint invariants
// (duplicate ids); that's EndpointSet.Validate's job.
func (e Endpoint) Validate() error {
	if e.ID == "" {
		return lerrors.NewConfigError("endpoint_validation", "endpoint id must not be empty", nil)
	}
	if e.Port < 1 || e.Port > 65535 {
		return lerrors.ErrInvalidPort.WithContext("id", e.ID).WithContext("port", e.Port)
	}
	if e.Lat != nil && (*e.Lat < -90 || *e.Lat > 90) {
		return lerrors.ErrInvalidCoordinate.WithContext("id", e.ID).WithContext("lat", *e.Lat)
	}
	if e.Lon != nil && (*e.Lon < -180 || *e.Lon > 180) {
		return lerrors.ErrInvalidCoordinate.WithContext("id", e.ID).WithContext("lon", *e.Lon)
	}
	return nil
}

// ProbePath is an optional per-endpoint probe-path override (bind
// interface/IP for multi-homed probing). The core treats it as opaque
// configuration passed through to the external probe collaborator.
type ProbePath struct {
	ID            string `json:"id"`
	BindInterface string `json:"bindInterface,omitempty"`
	BindIP        string `json:"bindIp,omitempty"`
}

// EndpointSet is the parsed contents of an endpoint configuration document.
type EndpointSet struct {
	Endpoints          []Endpoint  `json:"endpoints"`
	SamplesPerEndpoint int         `json:"samplesPerEndpoint,omitempty"`
	ProbePaths         []ProbePath `json:"probePaths,omitempty"`
}

// Validate checks every endpoint and rejects duplicate ids.
func (s EndpointSet) Validate() error {
	seen := make(map[string]struct{}, len(s.Endpoints))
	for _, ep := range s.Endpoints {
		if err := ep.Validate(); err != nil {
			return err
		}
		if _, dup := seen[ep.ID]; dup {
			return lerrors.ErrDuplicateEndpointID.WithContext("id", ep.ID)
		}
		seen[ep.ID] = struct{}{}
	}
	return nil
}

// ParseEndpointSetJSON parses an endpoint configuration document.
func ParseEndpointSetJSON(r io.Reader) (EndpointSet, error) {
	var set EndpointSet
	dec := json.NewDecoder(r)
	if err := dec.Decode(&set); err != nil {
		return EndpointSet{}, lerrors.New(lerrors.ErrTypeConfigInvalid, "parse_endpoint_json", "malformed endpoint document", err)
	}
	if err := set.Validate(); err != nil {
		return EndpointSet{}, err
	}
	return set, nil
}

// csvHeader is the canonical header row. Positional CSV (no matching
// header) is also accepted in that same column order.
var csvHeader = []string{"id", "host", "port", "region", "lat", "lon"}

// ParseEndpointsCSV parses "id,host,port,region,lat,lon" rows, with or
// without a matching header line.
func ParseEndpointsCSV(r io.Reader) ([]Endpoint, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, lerrors.New(lerrors.ErrTypeConfigInvalid, "parse_endpoint_csv", "malformed CSV", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	start := 0
	if isHeaderRow(rows[0]) {
		start = 1
	}

	endpoints := make([]Endpoint, 0, len(rows)-start)
	for i := start; i < len(rows); i++ {
		row := rows[i]
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		ep, err := endpointFromRow(row)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	set := EndpointSet{Endpoints: endpoints}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return endpoints, nil
}

func isHeaderRow(row []string) bool {
	if len(row) == 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(row[0]), csvHeader[0])
}

func endpointFromRow(row []string) (Endpoint, error) {
	get := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	port, err := strconv.Atoi(get(2))
	if err != nil {
		return Endpoint{}, lerrors.New(lerrors.ErrTypeConfigInvalid, "parse_endpoint_csv", fmt.Sprintf("invalid port %q", get(2)), err)
	}

	ep := Endpoint{
		ID:         get(0),
		Host:       get(1),
		Port:       port,
		RegionHint: get(3),
	}

	if latStr := get(4); latStr != "" {
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil {
			return Endpoint{}, lerrors.New(lerrors.ErrTypeConfigInvalid, "parse_endpoint_csv", fmt.Sprintf("invalid lat %q", latStr), err)
		}
		ep.Lat = &lat
	}
	if lonStr := get(5); lonStr != "" {
		lon, err := strconv.ParseFloat(lonStr, 64)
		if err != nil {
			return Endpoint{}, lerrors.New(lerrors.ErrTypeConfigInvalid, "parse_endpoint_csv", fmt.Sprintf("invalid lon %q", lonStr), err)
		}
		ep.Lon = &lon
	}

	return ep, nil
}

// Params bundles every tunable the analyzer exposes, with documented
// defaults in DefaultParams.
type Params struct {
	WindowMinutes         int     `json:"windowMinutes"`
	GridStepDeg           float64 `json:"gridStepDeg"`
	RefineStepDeg         float64 `json:"refineStepDeg"`
	RefineWindowMult      float64 `json:"refineWindowMult"`
	BandFactor            float64 `json:"bandFactor"`
	BandWindowDeg         float64 `json:"bandWindowDeg"`
	SpeedKmS              float64 `json:"speedKmS"`
	PathStretch           float64 `json:"pathStretch"`
	MinJitterMs           float64 `json:"minJitterMs"`
	MinCalibrationScale   float64 `json:"minCalibrationScale"`
	MaxCalibrationScale   float64 `json:"maxCalibrationScale"`
	MaxCalibrationSamples int     `json:"maxCalibrationSamples"`
	CalibDriftWarnMs      float64 `json:"calibDriftWarnMs"`
	LogResetNoticeMs      int64   `json:"logResetNoticeMs"`
	EstimateIntervalMs    int64   `json:"estimateIntervalMs"`
	AutoBaselineMinutes   int     `json:"autoBaselineMinutes"`
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		WindowMinutes:         DefaultWindowMinutes,
		GridStepDeg:           DefaultGridStepDeg,
		RefineStepDeg:         DefaultRefineStepDeg,
		RefineWindowMult:      DefaultRefineWindowMult,
		BandFactor:            DefaultBandFactor,
		BandWindowDeg:         DefaultBandWindowDeg,
		SpeedKmS:              DefaultSpeedKmS,
		PathStretch:           DefaultPathStretch,
		MinJitterMs:           DefaultMinJitterMs,
		MinCalibrationScale:   DefaultMinCalibrationScale,
		MaxCalibrationScale:   DefaultMaxCalibrationScale,
		MaxCalibrationSamples: DefaultMaxCalibrationSamples,
		CalibDriftWarnMs:      DefaultCalibDriftWarnMs,
		LogResetNoticeMs:      DefaultLogResetNoticeMs,
		EstimateIntervalMs:    DefaultEstimateIntervalMs,
		AutoBaselineMinutes:   DefaultAutoBaselineMinutes,
	}
}

// Validate checks that every tunable is within a sane range.
func (p Params) Validate() error {
	if p.WindowMinutes <= 0 {
		return lerrors.NewConfigError("params_validation", "windowMinutes must be positive", nil)
	}
	if p.GridStepDeg <= 0 || p.RefineStepDeg <= 0 {
		return lerrors.NewConfigError("params_validation", "grid/refine step must be positive", nil)
	}
	if p.RefineWindowMult <= 0 {
		return lerrors.NewConfigError("params_validation", "refineWindowMult must be positive", nil)
	}
	if p.BandFactor <= 0 || p.BandWindowDeg <= 0 {
		return lerrors.NewConfigError("params_validation", "band factor/window must be positive", nil)
	}
	if p.SpeedKmS <= 0 {
		return lerrors.NewConfigError("params_validation", "speedKmS must be positive", nil)
	}
	if p.PathStretch <= 0 {
		return lerrors.NewConfigError("params_validation", "pathStretch must be positive", nil)
	}
	if p.MinJitterMs <= 0 {
		return lerrors.NewConfigError("params_validation", "minJitterMs must be positive", nil)
	}
	if p.MinCalibrationScale <= 0 || p.MaxCalibrationScale < p.MinCalibrationScale {
		return lerrors.NewConfigError("params_validation", "calibration scale bounds invalid", nil)
	}
	if p.MaxCalibrationSamples <= 0 {
		return lerrors.NewConfigError("params_validation", "maxCalibrationSamples must be positive", nil)
	}
	if p.LogResetNoticeMs < 0 || p.EstimateIntervalMs < 0 {
		return lerrors.NewConfigError("params_validation", "reset notice / estimate interval must be non-negative", nil)
	}
	if p.AutoBaselineMinutes < 0 {
		return lerrors.NewConfigError("params_validation", "autoBaselineMinutes must be non-negative", nil)
	}
	return nil
}
