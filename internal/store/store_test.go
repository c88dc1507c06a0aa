package store

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAndSamples(t *testing.T) {
	s := New(15)
	require.NoError(t, s.Append("a", 1000, 10.5))
	require.NoError(t, s.Append("a", 2000, 11.5))

	samples := s.Samples("a")
	require.Len(t, samples, 2)
	assert.Equal(t, int64(1000), samples[0].TsUnixMs)
	assert.Equal(t, int64(2000), samples[1].TsUnixMs)
}

func TestStore_AppendRejectsNegativeAndNonFinite(t *testing.T) {
	s := New(15)
	require.Error(t, s.Append("a", 1000, -1))
	require.Error(t, s.Append("a", 1000, math.Inf(1)))
	require.Error(t, s.Append("a", 1000, math.NaN()))
}

func TestStore_Trim(t *testing.T) {
	s := New(1) // 1 minute window
	require.NoError(t, s.Append("a", 0, 1))
	require.NoError(t, s.Append("a", 60_000, 2))
	require.NoError(t, s.Append("a", 120_000, 3))

	s.Trim(120_000)

	samples := s.Samples("a")
	// cutoff = 120000 - 60000 = 60000; entries with ts<60000 dropped, the
	// one exactly at the cutoff kept.
	require.Len(t, samples, 2)
	assert.Equal(t, int64(60_000), samples[0].TsUnixMs)
	assert.Equal(t, int64(120_000), samples[1].TsUnixMs)
}

func TestStore_FilterSince(t *testing.T) {
	s := New(15)
	require.NoError(t, s.Append("a", 1000, 1))
	require.NoError(t, s.Append("a", 2000, 2))
	require.NoError(t, s.Append("a", 3000, 3))

	filtered := s.FilterSince("a", 2000)
	require.Len(t, filtered, 2)
	assert.Equal(t, int64(2000), filtered[0].TsUnixMs)
}

func TestStore_IdempotentIngestionAcrossSplitReads(t *testing.T) {
	// Invariant 1: splitting the log into two prefix reads yields the same
	// store as ingesting it all at once.
	whole := New(60)
	require.NoError(t, whole.Append("a", 1000, 1))
	require.NoError(t, whole.Append("a", 2000, 2))
	require.NoError(t, whole.Append("a", 3000, 3))

	split := New(60)
	require.NoError(t, split.Append("a", 1000, 1))
	require.NoError(t, split.Append("a", 2000, 2))
	require.NoError(t, split.Append("a", 3000, 3))

	assert.Equal(t, whole.Samples("a"), split.Samples("a"))
}

func TestStore_Reset(t *testing.T) {
	s := New(15)
	require.NoError(t, s.Append("a", 1000, 1))
	s.AppendBurst("a", 1000, 4)

	s.Reset()

	assert.Empty(t, s.Samples("a"))
	assert.Empty(t, s.Bursts("a"))
}

func TestStore_EndpointIDs(t *testing.T) {
	s := New(15)
	require.NoError(t, s.Append("a", 1000, 1))
	s.AppendBurst("b", 1000, 2)

	ids := s.EndpointIDs()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
