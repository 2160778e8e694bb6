//go:build !windows

package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/semfold/internal/config"
)

func fastPolicy() config.AutoRestart {
	return config.AutoRestart{
		Enabled:            true,
		MaxRetries:         3,
		Delay:              10 * time.Millisecond,
		MaxDelay:           100 * time.Millisecond,
		ExponentialBackoff: true,
	}
}

func TestSupervisorRunsAndStops(t *testing.T) {
	s := NewSupervisor(fastPolicy(), "sleep", "30")
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.State() == ProcessRunning },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, s.IsResponsive())

	s.Stop(2 * time.Second)
	assert.Equal(t, ProcessStopped, s.State())
	assert.False(t, s.IsResponsive())
}

func TestSupervisorRestartsExitedChild(t *testing.T) {
	// "true" exits immediately; the supervisor should burn through its
	// restart budget and land in failed
	s := NewSupervisor(fastPolicy(), "true")
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.State() == ProcessFailed },
		5*time.Second, 10*time.Millisecond)
	s.Stop(time.Second)
}

func TestSupervisorDisabledRestartFailsOnce(t *testing.T) {
	policy := fastPolicy()
	policy.Enabled = false
	s := NewSupervisor(policy, "true")
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.State() == ProcessFailed },
		5*time.Second, 10*time.Millisecond)
	s.Stop(time.Second)
}

func TestStopDuringRestartChurnTerminatesCurrentChild(t *testing.T) {
	// a short-lived child keeps the supervisor relaunching; Stop must
	// signal whichever child is current, not a command captured before
	// cancellation, and return promptly
	policy := fastPolicy()
	policy.MaxRetries = 0 // unlimited
	s := NewSupervisor(policy, "sleep", "0.02")
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(50 * time.Millisecond) // let at least one restart happen

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Stop(2 * time.Second)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, ProcessStopped, s.State())
}

func TestSupervisorRestart(t *testing.T) {
	s := NewSupervisor(fastPolicy(), "sleep", "30")
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.State() == ProcessRunning },
		2*time.Second, 10*time.Millisecond)
	firstPid := s.currentProcess().Pid

	require.NoError(t, s.Restart(context.Background(), 2*time.Second))
	require.Eventually(t, func() bool { return s.State() == ProcessRunning },
		2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, firstPid, s.currentProcess().Pid)

	s.Stop(2 * time.Second)
}

func TestSupervisorKill(t *testing.T) {
	s := NewSupervisor(fastPolicy(), "sleep", "30")
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.State() == ProcessRunning },
		2*time.Second, 10*time.Millisecond)

	s.Kill()
	assert.Equal(t, ProcessStopped, s.State())
	assert.False(t, s.IsResponsive())
	s.Kill() // idempotent on a stopped supervisor
}

func TestSupervisorStartFailure(t *testing.T) {
	s := NewSupervisor(fastPolicy(), "/nonexistent/binary")
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, ProcessFailed, s.State())
}

func TestRestartDelayDoublesAndCaps(t *testing.T) {
	s := NewSupervisor(fastPolicy(), "true")
	assert.Equal(t, 10*time.Millisecond, s.restartDelay(0))
	assert.Equal(t, 20*time.Millisecond, s.restartDelay(1))
	assert.Equal(t, 40*time.Millisecond, s.restartDelay(2))
	assert.Equal(t, 100*time.Millisecond, s.restartDelay(5), "capped at maxDelay")
}
