package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svdrecbd/lattice/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestTailer_IngestsNewLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	writeFile(t, path, `{"tsUnixMs":1000,"endpointId":"a","samplesMs":[10,20]}`+"\n")

	tailer := New(path, clockwork.NewFakeClock())
	s := store.New(60)

	require.NoError(t, tailer.Poll(context.Background(), s))

	samples := s.Samples("a")
	require.Len(t, samples, 2)
	assert.Equal(t, 10.0, samples[0].RTTMs)
	assert.Equal(t, 20.0, samples[1].RTTMs)
}

func TestTailer_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	writeFile(t, path, "not json\n"+`{"tsUnixMs":1000,"endpointId":"a","samplesMs":[10]}`+"\n"+`{"endpointId":"a","samplesMs":[10]}`+"\n")

	tailer := New(path, clockwork.NewFakeClock())
	s := store.New(60)

	require.NoError(t, tailer.Poll(context.Background(), s))

	samples := s.Samples("a")
	require.Len(t, samples, 1)
}

func TestTailer_BurstMetaCountsDeclaredLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	// One sample is negative and rejected by the store, but burst-meta must
	// still record the declared samplesMs length (3), not the valid count (2).
	writeFile(t, path, `{"tsUnixMs":1000,"endpointId":"a","samplesMs":[10,-5,20]}`+"\n")

	tailer := New(path, clockwork.NewFakeClock())
	s := store.New(60)
	require.NoError(t, tailer.Poll(context.Background(), s))

	require.Len(t, s.Samples("a"), 2)
	bursts := s.Bursts("a")
	require.Len(t, bursts, 1)
	assert.Equal(t, 3, bursts[0].SampleCount)
}

func TestTailer_AtMostOnceAcrossPolls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	writeFile(t, path, `{"tsUnixMs":1000,"endpointId":"a","samplesMs":[10]}`+"\n")

	tailer := New(path, clockwork.NewFakeClock())
	s := store.New(60)
	require.NoError(t, tailer.Poll(context.Background(), s))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"tsUnixMs":2000,"endpointId":"a","samplesMs":[20]}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, tailer.Poll(context.Background(), s))

	samples := s.Samples("a")
	require.Len(t, samples, 2)
}

func TestTailer_TruncationResetsStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	writeFile(t, path, `{"tsUnixMs":1000,"endpointId":"a","samplesMs":[10]}`+"\n")

	clock := clockwork.NewFakeClock()
	tailer := New(path, clock)
	s := store.New(60)
	require.NoError(t, tailer.Poll(context.Background(), s))
	require.Len(t, s.Samples("a"), 1)

	writeFile(t, path, `{"tsUnixMs":500,"endpointId":"a","samplesMs":[1]}`+"\n")
	require.NoError(t, tailer.Poll(context.Background(), s))

	status := tailer.Status()
	assert.Equal(t, "truncated", status.ResetReason)
	assert.Len(t, s.Samples("a"), 1)
	assert.Equal(t, 1.0, s.Samples("a")[0].RTTMs)
}

func TestTailer_MissingFileDoesNotError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.jsonl")

	tailer := New(path, clockwork.NewFakeClock())
	s := store.New(60)
	require.NoError(t, tailer.Poll(context.Background(), s))

	assert.True(t, tailer.Status().Missing)
}

func TestTailer_RecordObserverSeesValidRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	writeFile(t, path, "garbage\n"+`{"tsUnixMs":1000,"endpointId":"a","samplesMs":[10,20]}`+"\n")

	tailer := New(path, clockwork.NewFakeClock())
	var observedTs int64
	var observedEp string
	var observedN int
	calls := 0
	tailer.SetRecordObserver(func(ts int64, ep string, samplesMs []float64, raw []byte) {
		calls++
		observedTs = ts
		observedEp = ep
		observedN = len(samplesMs)
	})

	require.NoError(t, tailer.Poll(context.Background(), store.New(60)))

	assert.Equal(t, 1, calls, "malformed lines must not reach the observer")
	assert.Equal(t, int64(1000), observedTs)
	assert.Equal(t, "a", observedEp)
	assert.Equal(t, 2, observedN)
}

func TestLoadRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "baseline.jsonl")
	writeFile(t, path, `{"tsUnixMs":1000,"endpointId":"a","samplesMs":[10,-2]}`+"\n"+"garbage\n")

	samples, err := LoadRecords(path)
	require.NoError(t, err)
	require.Len(t, samples["a"], 1)
	assert.Equal(t, 10.0, samples["a"][0].RTTMs)
}

func TestTailer_ClearStaleReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tailer := New("/nonexistent", clock)
	tailer.status.ResetReason = "rotated"
	tailer.status.ResetAtMs = clock.Now().UnixMilli()

	clock.Advance(0)
	tailer.ClearStaleReset(30000)
	assert.Equal(t, "rotated", tailer.Status().ResetReason)

	clock.Advance(31 * time.Second)
	tailer.ClearStaleReset(30000)
	assert.Empty(t, tailer.Status().ResetReason)
}
