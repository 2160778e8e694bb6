package daemon

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/semfold/internal/config"
	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/logging"
)

// ProcessState is the supervised child's lifecycle position.
type ProcessState string

const (
	ProcessStopped    ProcessState = "stopped"
	ProcessStarting   ProcessState = "starting"
	ProcessRunning    ProcessState = "running"
	ProcessStopping   ProcessState = "stopping"
	ProcessRestarting ProcessState = "restarting"
	ProcessFailed     ProcessState = "failed"
)

// stableAfter is how long a child must stay up before its restart attempt
// counter resets.
const stableAfter = 30 * time.Second

// Supervisor keeps one child process (typically the embedding backend)
// running, restarting it with exponential backoff when it exits. Restart
// delays double per attempt up to the configured cap; a child that
// survives stableAfter resets the counter.
type Supervisor struct {
	name   string
	args   []string
	policy config.AutoRestart
	log    *zap.Logger

	mu       sync.Mutex
	state    ProcessState
	cmd      *exec.Cmd
	attempts int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor prepares a supervisor for the given command. Nothing runs
// until Start.
func NewSupervisor(policy config.AutoRestart, name string, args ...string) *Supervisor {
	return &Supervisor{
		name:   name,
		args:   args,
		policy: policy,
		state:  ProcessStopped,
		log:    logging.Named("supervisor").With(zap.String("command", name)),
	}
}

// State returns the child's current lifecycle state.
func (s *Supervisor) State() ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsResponsive reports whether the child process is currently alive.
func (s *Supervisor) IsResponsive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == ProcessRunning && s.cmd != nil && s.cmd.Process != nil &&
		signalZero(s.cmd.Process.Pid)
}

// Start launches the child and the restart loop. Idempotent while running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != ProcessStopped && s.state != ProcessFailed {
		s.mu.Unlock()
		return nil
	}
	s.state = ProcessStarting
	s.attempts = 0
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.launch(); err != nil {
		cancel()
		s.setState(ProcessFailed)
		close(s.done)
		return err
	}

	go s.superviseLoop(runCtx)
	return nil
}

// Stop terminates the child gracefully, escalating to a kill after the
// timeout. Safe to call in any state.
func (s *Supervisor) Stop(timeout time.Duration) {
	s.mu.Lock()
	if s.state == ProcessStopped || s.state == ProcessFailed {
		s.mu.Unlock()
		return
	}
	s.state = ProcessStopping
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Re-read the child after cancelling: the supervise loop may have
	// relaunched between the state check and the cancellation, and signaling
	// a stale command would leave the live child running.
	if proc := s.currentProcess(); proc != nil {
		if err := terminateProcess(proc); err != nil {
			s.log.Debug("terminate failed", zap.Error(err))
		}
		select {
		case <-done:
		case <-time.After(timeout):
			s.log.Warn("child did not exit in time, killing")
			if p := s.currentProcess(); p != nil {
				p.Kill()
			}
			<-done
		}
	} else if done != nil {
		<-done
	}
	s.setState(ProcessStopped)
	s.log.Info("child stopped")
}

// Restart stops the child and launches it fresh with a reset attempt
// counter.
func (s *Supervisor) Restart(ctx context.Context, timeout time.Duration) error {
	s.Stop(timeout)
	return s.Start(ctx)
}

// Kill terminates the child immediately, skipping the graceful window.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	if s.state == ProcessStopped || s.state == ProcessFailed {
		s.mu.Unlock()
		return
	}
	s.state = ProcessStopping
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if proc := s.currentProcess(); proc != nil {
		proc.Kill()
	}
	if done != nil {
		<-done
	}
	s.setState(ProcessStopped)
	s.log.Info("child killed")
}

func (s *Supervisor) currentProcess() *os.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	return s.cmd.Process
}

func (s *Supervisor) launch() error {
	cmd := exec.Command(s.name, s.args...)
	if err := cmd.Start(); err != nil {
		return semerrors.Supervisor("supervisor.start", err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.state = ProcessRunning
	s.mu.Unlock()
	s.log.Info("child started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// superviseLoop waits for the child to exit and restarts it per policy.
func (s *Supervisor) superviseLoop(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()

		started := time.Now()
		err := cmd.Wait()

		if ctx.Err() != nil {
			return
		}
		s.log.Warn("child exited", zap.Error(err))

		if time.Since(started) >= stableAfter {
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
		}

		if !s.policy.Enabled {
			s.setState(ProcessFailed)
			return
		}

		s.mu.Lock()
		attempts := s.attempts
		s.attempts++
		s.mu.Unlock()
		if s.policy.MaxRetries > 0 && attempts >= s.policy.MaxRetries {
			s.log.Error("restart budget exhausted", zap.Int("attempts", attempts))
			s.setState(ProcessFailed)
			return
		}

		delay := s.restartDelay(attempts)
		s.setState(ProcessRestarting)
		s.log.Info("restarting child",
			zap.Int("attempt", attempts+1),
			zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.launch(); err != nil {
			s.log.Error("restart failed", zap.Error(err))
			s.setState(ProcessFailed)
			return
		}
	}
}

func (s *Supervisor) restartDelay(attempts int) time.Duration {
	delay := s.policy.Delay
	if delay <= 0 {
		delay = time.Second
	}
	if s.policy.ExponentialBackoff {
		for i := 0; i < attempts; i++ {
			delay *= 2
			if s.policy.MaxDelay > 0 && delay >= s.policy.MaxDelay {
				return s.policy.MaxDelay
			}
		}
	}
	if s.policy.MaxDelay > 0 && delay > s.policy.MaxDelay {
		delay = s.policy.MaxDelay
	}
	return delay
}

func (s *Supervisor) setState(state ProcessState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
