// Package supervisor implements the calibration job supervisor: a
// single-slot async worker that serializes generate/load/clear calibration
// operations off the snapshot thread, so snapshots stay responsive while a
// fit or file I/O runs.
package supervisor

import (
	"log/slog"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/svdrecbd/lattice/internal/lerrors"
	"github.com/svdrecbd/lattice/internal/metrics"
)

// Kind identifies which calibration operation a job performs.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindLoad     Kind = "load"
	KindClear    Kind = "clear"
)

// Status is a job's observable state. Result is left as `any` since its
// shape depends on Kind (a *calibration.Calibration for generate/load,
// nil for clear) and the supervisor stays generic over job bodies.
type Status struct {
	ID         string `json:"id"`
	Running    bool   `json:"running"`
	Kind       Kind   `json:"kind"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt int64  `json:"finishedAt,omitempty"`
	Error      string `json:"error,omitempty"`
	Result     any    `json:"result,omitempty"`
}

// Supervisor runs at most one calibration job at a time. A second Submit
// while a job is running is rejected outright rather than queued.
type Supervisor struct {
	log   *slog.Logger
	clock clockwork.Clock
	pool  pond.Pool

	mu      sync.Mutex
	current Status
}

// New constructs a Supervisor backed by a capacity-1 worker pool.
func New(log *slog.Logger, clock clockwork.Clock) *Supervisor {
	return &Supervisor{
		log:   log,
		clock: clock,
		pool:  pond.NewPool(1),
	}
}

// Stop drains and releases the underlying worker pool.
func (s *Supervisor) Stop() {
	s.pool.StopAndWait()
}

// Status returns a copy of the most recently started (or running) job's
// status. The zero value (Kind == "") means no job has ever run.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Submit starts fn asynchronously as a job of the given kind. It returns
// an error without running fn if a job is already in flight.
func (s *Supervisor) Submit(kind Kind, fn func() (any, error)) error {
	s.mu.Lock()
	if s.current.Running {
		s.mu.Unlock()
		return lerrors.New(lerrors.ErrTypeCalibrationInvalid, "calibration_supervisor",
			"a calibration job is already running", nil).WithContext("running_kind", s.current.Kind)
	}

	id := uuid.NewString()
	s.current = Status{
		ID:        id,
		Running:   true,
		Kind:      kind,
		StartedAt: s.clock.Now().UnixMilli(),
	}
	s.mu.Unlock()

	s.pool.Submit(func() {
		result, err := fn()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.current.ID != id {
			// Shouldn't happen given the single-slot guard, but guards
			// against a stale closure clobbering a newer job's status.
			return
		}
		s.current.Running = false
		s.current.FinishedAt = s.clock.Now().UnixMilli()
		if err != nil {
			s.current.Error = err.Error()
			s.current.Result = nil
			s.log.Error("calibration job failed", "kind", kind, "job_id", id, "error", err)
			metrics.CalibrationJobOutcomes.WithLabelValues(string(kind), "error").Inc()
			return
		}
		s.current.Error = ""
		s.current.Result = result
		s.log.Info("calibration job finished", "kind", kind, "job_id", id)
		metrics.CalibrationJobOutcomes.WithLabelValues(string(kind), "ok").Inc()
	})

	return nil
}
