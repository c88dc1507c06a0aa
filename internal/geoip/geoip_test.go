package geoip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/svdrecbd/lattice/internal/config"
)

type fakeResolver map[string]string

func (f fakeResolver) RegionHint(ip net.IP) (string, bool) {
	hint, ok := f[ip.String()]
	return hint, ok
}

func TestEnrich_FillsMissingRegionHint(t *testing.T) {
	resolver := fakeResolver{"1.2.3.4": "nyc, us"}
	endpoints := []config.Endpoint{
		{ID: "a", Host: "1.2.3.4", Port: 9000},
	}

	out := Enrich(resolver, endpoints)

	assert.Equal(t, "nyc, us", out[0].RegionHint)
	assert.Empty(t, endpoints[0].RegionHint, "input slice must not be mutated")
}

func TestEnrich_NeverOverridesExistingHint(t *testing.T) {
	resolver := fakeResolver{"1.2.3.4": "nyc, us"}
	endpoints := []config.Endpoint{
		{ID: "a", Host: "1.2.3.4", Port: 9000, RegionHint: "operator-supplied"},
	}

	out := Enrich(resolver, endpoints)

	assert.Equal(t, "operator-supplied", out[0].RegionHint)
}

func TestEnrich_SkipsUnresolvableHost(t *testing.T) {
	resolver := fakeResolver{}
	endpoints := []config.Endpoint{
		{ID: "a", Host: "not-an-ip.example.com", Port: 9000},
	}

	out := Enrich(resolver, endpoints)

	assert.Empty(t, out[0].RegionHint)
}

func TestNoopResolver_AlwaysMisses(t *testing.T) {
	_, ok := NoopResolver{}.RegionHint(net.ParseIP("1.2.3.4"))
	assert.False(t, ok)
}
