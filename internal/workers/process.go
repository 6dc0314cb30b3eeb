package workers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
)

// LaunchSpec describes a worker process to start
type LaunchSpec struct {
	WorkerID string
	Command  string
	Args     []string
	Env      []string        // Appended to the parent environment
	OnOutput func(line string) // Called for every stdout/stderr line
}

// Process is a running worker process owned by the Manager
type Process interface {
	PID() int
	// Done is closed once the process has exited and its output is drained,
	// or the drain delay passed
	Done() <-chan struct{}
	// ExitCode is valid after Done; -1 means terminated by a signal
	ExitCode() int
	Terminate() error
	Kill() error
}

// Launcher starts worker processes
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher starts workers with os/exec
type ExecLauncher struct {
	logger     arbor.ILogger
	drainDelay time.Duration
}

// NewExecLauncher creates a launcher that logs worker output through logger
func NewExecLauncher(logger arbor.ILogger) *ExecLauncher {
	return &ExecLauncher{logger: logger, drainDelay: outputDrainDelay}
}

// outputDrainDelay bounds how long Wait lets output copying run after the
// worker exits. A forked child that inherited stdout keeps the pipe open.
const outputDrainDelay = 2 * time.Second

// Launch starts the process. Its lifetime is independent of any request context.
func (l *ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = l.drainDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	var scanners sync.WaitGroup
	scanners.Add(2)
	scan := func(r io.Reader, stream string) {
		defer scanners.Done()
		s := bufio.NewScanner(r)
		s.Buffer(make([]byte, 64*1024), 1024*1024)
		for s.Scan() {
			line := s.Text()
			if line == "" {
				continue
			}
			l.logger.Debug().Str("worker", spec.WorkerID).Str("stream", stream).Msg(line)
			if spec.OnOutput != nil {
				spec.OnOutput(line)
			}
		}
		// Keep the pipe flowing after an oversized line
		_, _ = io.Copy(io.Discard, r)
	}
	common.SafeGo(l.logger, "worker-stdout-"+spec.WorkerID, func() { scan(stdoutR, "stdout") })
	common.SafeGo(l.logger, "worker-stderr-"+spec.WorkerID, func() { scan(stderrR, "stderr") })

	common.SafeGo(l.logger, "worker-wait-"+spec.WorkerID, func() {
		err := cmd.Wait()
		if errors.Is(err, exec.ErrWaitDelay) {
			l.logger.Debug().Str("worker", spec.WorkerID).Msg("Worker output still open after exit, detached")
		}
		stdoutW.Close()
		stderrW.Close()
		scanners.Wait()

		p.exitCode = exitCodeOf(cmd, err)
		close(p.done)
	})

	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// terminate sends SIGTERM and escalates to SIGKILL after grace
func terminate(logger arbor.ILogger, id string, p Process, grace time.Duration) {
	if err := p.Terminate(); err != nil {
		logger.Debug().Err(err).Str("worker", id).Msg("SIGTERM failed, killing")
		_ = p.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.Done():
	case <-timer.C:
		logger.Warn().Str("worker", id).Dur("grace", grace).Msg("Worker ignored SIGTERM, killing")
		if err := p.Kill(); err != nil {
			logger.Warn().Err(err).Str("worker", id).Msg("Failed to kill worker")
		}
	}
}
