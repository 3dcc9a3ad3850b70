package handler

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"
)

// RunRequest describes one QA command invocation
type RunRequest struct {
	RunID   string
	Command string
	Args    []string
	Dir     string   // host working directory
	Env     []string // KEY=VALUE pairs added to the environment
	Output  io.Writer
}

// ExitStatus is the outcome of a finished process
type ExitStatus struct {
	Code     int
	Signaled bool   // terminated by a signal or killed
	Reason   string // human readable detail for crashes
}

// Process is a started QA command
type Process interface {
	// PID identifies the process (OS pid or container id)
	PID() string
	// Alive reports whether the process is still running
	Alive() bool
	// Wait blocks until the process exits
	Wait() (ExitStatus, error)
}

// Runner starts QA commands
type Runner interface {
	Start(ctx context.Context, req RunRequest) (Process, error)
}

// LocalRunner runs commands as child processes of the server
type LocalRunner struct {
	// WaitDelay bounds how long Wait lingers on I/O after the process is killed
	WaitDelay time.Duration
}

// NewLocalRunner creates a runner using os/exec
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{WaitDelay: 5 * time.Second}
}

// Start implements Runner
func (r *LocalRunner) Start(ctx context.Context, req RunRequest) (Process, error) {
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(cmd.Environ(), req.Env...)
	cmd.Stdout = req.Output
	cmd.Stderr = req.Output
	cmd.WaitDelay = r.WaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	p := &localProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status ExitStatus
	err    error
}

func (p *localProcess) wait() {
	defer close(p.done)

	err := p.cmd.Wait()
	if err == nil {
		return
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		p.err = err
		return
	}
	code := exitErr.ExitCode()
	if code == -1 {
		// -1 means the process was terminated by a signal
		p.status = ExitStatus{Code: -1, Signaled: true, Reason: exitErr.Error()}
		return
	}
	p.status = ExitStatus{Code: code}
}

func (p *localProcess) PID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *localProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *localProcess) Wait() (ExitStatus, error) {
	<-p.done
	return p.status, p.err
}
