// Package ingest implements the log tail-follower: append-only JSONL
// ingestion tolerant of rotation and truncation. Transient stat/open
// errors are retried with a bounded exponential backoff; time is read
// through an injected clockwork.Clock so reset-notice behavior is
// deterministic under test.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/svdrecbd/lattice/internal/metrics"
	"github.com/svdrecbd/lattice/internal/store"
)

// Status is the tail-follower's reset/health state, surfaced to
// observers as part of the snapshot's logStatus.
type Status struct {
	Offset      int64  `json:"offset"`
	Inode       uint64 `json:"inode"`
	Size        int64  `json:"size"`
	Missing     bool   `json:"missing"`
	Error       string `json:"error,omitempty"`
	ResetReason string `json:"resetReason,omitempty"`
	ResetAtMs   int64  `json:"resetAtMs,omitempty"`
}

// rawRecord is one measurement log line before validation.
type rawRecord struct {
	TsUnixMs   *int64    `json:"tsUnixMs"`
	EndpointID *string   `json:"endpointId"`
	SamplesMs  []float64 `json:"samplesMs"`
}

// RecordObserver receives every valid record as it is ingested, with the
// raw line bytes. Used by the aggregator's auto-baseline capture, which
// needs the records as they arrive rather than the (trimmed) store's view.
type RecordObserver func(tsUnixMs int64, endpointID string, samplesMs []float64, raw []byte)

// Tailer polls a single append-only measurement log path.
type Tailer struct {
	path  string
	clock clockwork.Clock

	mu       sync.Mutex
	status   Status
	observer RecordObserver
}

// New constructs a Tailer over path using clock for reset-notice timing.
func New(path string, clock clockwork.Clock) *Tailer {
	return &Tailer{path: path, clock: clock}
}

// SetRecordObserver installs fn to be called for every valid record. Must
// be set before the first Poll.
func (t *Tailer) SetRecordObserver(fn RecordObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = fn
}

// Status returns a copy of the tailer's current status.
func (t *Tailer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ClearStaleReset clears resetReason once it has been visible for at
// least noticeMs, so downstream observers see a reset notice for a
// bounded time only.
func (t *Tailer) ClearStaleReset(noticeMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.ResetReason == "" {
		return
	}
	nowMs := t.clock.Now().UnixMilli()
	if nowMs-t.status.ResetAtMs >= noticeMs {
		t.status.ResetReason = ""
		t.status.ResetAtMs = 0
	}
}

// Poll re-stats the log file and ingests any new bytes into s. Rotation
// (inode change) or truncation (size < offset) drops s's in-memory state
// and resets the tailer's offset to zero, surfacing a reset reason.
func (t *Tailer) Poll(ctx context.Context, s *store.Store) error {
	info, err := backoff.Retry(ctx, func() (os.FileInfo, error) {
		fi, statErr := os.Stat(t.path)
		if os.IsNotExist(statErr) {
			return nil, backoff.Permanent(statErr)
		}
		return fi, statErr
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))

	t.mu.Lock()
	if err != nil {
		t.status.Missing = true
		t.status.Error = err.Error()
		t.mu.Unlock()
		return nil
	}
	t.status.Missing = false
	t.status.Error = ""

	inode := inodeOf(info)
	size := info.Size()

	reset := ""
	if t.status.Inode != 0 && inode != t.status.Inode {
		reset = "rotated"
	} else if size < t.status.Offset {
		reset = "truncated"
	}

	if reset != "" {
		s.Reset()
		t.status.Offset = 0
		t.status.ResetReason = reset
		t.status.ResetAtMs = t.clock.Now().UnixMilli()
		metrics.LogResets.WithLabelValues(reset).Inc()
	}
	t.status.Inode = inode
	t.status.Size = size
	offset := t.status.Offset
	observer := t.observer
	t.mu.Unlock()

	f, err := backoff.Retry(ctx, func() (*os.File, error) {
		return os.Open(t.path)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		t.mu.Lock()
		t.status.Error = err.Error()
		t.mu.Unlock()
		return nil
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		t.mu.Lock()
		t.status.Error = err.Error()
		t.mu.Unlock()
		return nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		t.mu.Lock()
		t.status.Error = err.Error()
		t.mu.Unlock()
		return nil
	}

	// Only fully newline-terminated lines are consumed; a trailing partial
	// line (the writer mid-append) is left for the next poll so no byte
	// range is counted twice.
	consumed := 0
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		line := data[start:i]
		if len(line) > 0 {
			ingestLine(line, s, observer)
		}
		start = i + 1
		consumed = start
	}

	t.mu.Lock()
	t.status.Offset = offset + int64(consumed)
	t.mu.Unlock()

	return nil
}

// ingestLine parses one log line, silently skipping malformed lines and
// records missing required fields, per the input-malformed policy.
func ingestLine(line []byte, s *store.Store, observer RecordObserver) {
	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		metrics.LinesSkipped.Inc()
		return
	}
	if rec.TsUnixMs == nil || rec.EndpointID == nil || rec.SamplesMs == nil {
		metrics.LinesSkipped.Inc()
		return
	}

	ts := *rec.TsUnixMs
	ep := *rec.EndpointID

	for _, v := range rec.SamplesMs {
		_ = s.Append(ep, ts, v)
	}
	// Burst-meta records the declared burst size, not the count that passed
	// the finite/non-negative filter, so loss accounting sees what the probe
	// claimed to send.
	s.AppendBurst(ep, ts, len(rec.SamplesMs))
	metrics.RecordsIngested.WithLabelValues(ep).Inc()

	if observer != nil {
		observer(ts, ep, rec.SamplesMs, line)
	}
}

// LoadRecords reads a complete measurement log (the same JSONL shape the
// tailer follows) into a per-endpoint sample map, used for an explicit
// operator-supplied baseline. Malformed lines are skipped the same way live
// ingestion skips them.
func LoadRecords(path string) (map[string][]store.Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]store.Sample)
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec rawRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.TsUnixMs == nil || rec.EndpointID == nil || rec.SamplesMs == nil {
			continue
		}
		for _, v := range rec.SamplesMs {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				continue
			}
			out[*rec.EndpointID] = append(out[*rec.EndpointID], store.Sample{TsUnixMs: *rec.TsUnixMs, RTTMs: v})
		}
	}
	return out, nil
}
