package supervisor

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitUntilIdle(t *testing.T, s *Supervisor) Status {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := s.Status()
		if !st.Running {
			return st
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("supervisor job did not finish in time")
	return Status{}
}

func TestSupervisor_RunsJobAndRecordsResult(t *testing.T) {
	s := New(slog.Default(), clockwork.NewFakeClock())
	defer s.Stop()

	require.NoError(t, s.Submit(KindGenerate, func() (any, error) {
		return "ok", nil
	}))

	st := waitUntilIdle(t, s)
	assert.Equal(t, KindGenerate, st.Kind)
	assert.Equal(t, "ok", st.Result)
	assert.Empty(t, st.Error)
}

func TestSupervisor_RecordsJobError(t *testing.T) {
	s := New(slog.Default(), clockwork.NewFakeClock())
	defer s.Stop()

	require.NoError(t, s.Submit(KindLoad, func() (any, error) {
		return nil, errors.New("boom")
	}))

	st := waitUntilIdle(t, s)
	assert.Equal(t, "boom", st.Error)
	assert.Nil(t, st.Result)
}

func TestSupervisor_RejectsConcurrentSubmit(t *testing.T) {
	s := New(slog.Default(), clockwork.NewFakeClock())
	defer s.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Submit(KindGenerate, func() (any, error) {
		close(started)
		<-release
		return nil, nil
	}))
	<-started

	err := s.Submit(KindClear, func() (any, error) { return nil, nil })
	require.Error(t, err)

	close(release)
	waitUntilIdle(t, s)
}
