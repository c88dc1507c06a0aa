// Package geoip provides optional, best-effort region-hint enrichment for
// endpoints whose configuration omits one. It is pure hygiene: absence of
// a MaxMind City database changes nothing about the core's correctness.
package geoip

import (
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/svdrecbd/lattice/internal/config"
)

// Resolver looks up a best-effort region hint for an IP address.
type Resolver interface {
	RegionHint(ip net.IP) (string, bool)
}

// DB is a Resolver backed by an open MaxMind City database.
type DB struct {
	log    *slog.Logger
	cityDB *geoip2.Reader
}

// Open opens a MaxMind City database at path. Callers should treat a
// non-nil error as "enrichment unavailable" and proceed without it.
func Open(log *slog.Logger, path string) (*DB, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &DB{log: log, cityDB: db}, nil
}

// RegionHint resolves ip to a "City, Country" style hint. Returns
// (..., false) on any lookup failure rather than erroring, since this is
// purely additive hygiene data.
func (r *DB) RegionHint(ip net.IP) (string, bool) {
	if ip == nil {
		return "", false
	}
	rec, err := r.cityDB.City(ip)
	if err != nil {
		r.log.Debug("geoip lookup failed", "ip", ip.String(), "error", err)
		return "", false
	}

	city := rec.City.Names["en"]
	country := rec.Country.Names["en"]
	switch {
	case city != "" && country != "":
		return city + ", " + country, true
	case country != "":
		return country, true
	default:
		return "", false
	}
}

// Close releases the underlying database handle.
func (r *DB) Close() error {
	return r.cityDB.Close()
}

// NoopResolver is the Resolver used when no database path is configured.
type NoopResolver struct{}

func (NoopResolver) RegionHint(net.IP) (string, bool) { return "", false }

// Enrich fills in regionHint for every endpoint whose host parses as an IP
// address, is missing a region hint, and resolves via r. It never overrides
// an operator-supplied value and returns a new slice, leaving the input
// untouched.
func Enrich(r Resolver, endpoints []config.Endpoint) []config.Endpoint {
	out := make([]config.Endpoint, len(endpoints))
	copy(out, endpoints)
	for i, ep := range out {
		if ep.RegionHint != "" {
			continue
		}
		ip := net.ParseIP(ep.Host)
		if ip == nil {
			continue
		}
		if hint, ok := r.RegionHint(ip); ok {
			out[i].RegionHint = hint
		}
	}
	return out
}
