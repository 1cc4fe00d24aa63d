package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessState is the lifecycle state of a spawned child.
type ProcessState int32

const (
	StateRunning ProcessState = iota
	StateExited
	StateKilled
)

// String returns a human-readable state name.
func (s ProcessState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// child is the supervisory loop's view of a running process. *Process is the
// real implementation; tests substitute a fake.
type child interface {
	PID() int
	Started() time.Time
	Output() (stdout, stderr io.Reader)
	Done() <-chan struct{}
	Poll() bool
	Kill() error
	Wait() (int, error)
	CloseOutput()
}

var _ child = (*Process)(nil)

// Process is a spawned child owned by exactly one run.
//
// A single reaper goroutine calls cmd.Wait, so the OS process is reaped once
// no matter how many goroutines call Poll, Kill or Wait. stdout and stderr are
// plain os.Pipe read ends rather than cmd.StdoutPipe: cmd.Wait never touches
// them, which lets the streamers drain every byte after the child exits.
type Process struct {
	cmd     *exec.Cmd
	stdout  *os.File
	stderr  *os.File
	started time.Time

	done     chan struct{}
	state    atomic.Int32
	exitCode int   // written before done is closed
	waitErr  error // written before done is closed

	killed    atomic.Bool
	closeOnce sync.Once
}

// Spawn launches sh with command as its single argument.
//
// dir sets the working directory when non-empty. env is overlaid on the
// parent's environment. The child gets its own process group so Kill can
// take down everything the shell started.
func Spawn(sh Shell, command, dir string, env map[string]string) (*Process, error) {
	cmd := exec.Command(sh.Binary, sh.Flag, command)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = overlayEnv(os.Environ(), env)
	}
	setProcessGroup(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("starting %s: %w", sh.Binary, err)
	}

	// The child holds its own copies of the write ends. Closing ours means
	// the streamers see EOF as soon as the child side is gone.
	outW.Close()
	errW.Close()

	p := &Process{
		cmd:     cmd,
		stdout:  outR,
		stderr:  errR,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	p.state.Store(int32(StateRunning))
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	p.exitCode = code

	if p.killed.Load() {
		p.state.Store(int32(StateKilled))
	} else {
		p.state.Store(int32(StateExited))
	}
	close(p.done)
}

// PID returns the OS process identifier.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Started returns the spawn timestamp.
func (p *Process) Started() time.Time { return p.started }

// State returns the current lifecycle state.
func (p *Process) State() ProcessState { return ProcessState(p.state.Load()) }

// Output returns the read ends of the child's stdout and stderr.
func (p *Process) Output() (io.Reader, io.Reader) { return p.stdout, p.stderr }

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Poll reports whether the child has exited. It never blocks.
func (p *Process) Poll() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Kill forcefully terminates the child and its process group.
// It is a no-op once the child has exited.
func (p *Process) Kill() error {
	if p.Poll() {
		return nil
	}
	p.killed.Store(true)
	err := killProcessTree(p.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait blocks until the child has been reaped and returns its exit code.
// The code is -1 when the child was terminated by a signal. A non-nil error
// means the wait itself failed, not that the command exited non-zero.
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

// CloseOutput closes the read ends of both output pipes. Blocked readers
// return an error, which ends their streamer with a partial buffer.
func (p *Process) CloseOutput() {
	p.closeOnce.Do(func() {
		p.stdout.Close()
		p.stderr.Close()
	})
}

// overlayEnv returns base with every key in extra set, replacing any
// existing entry. Keys are applied in sorted order for a stable result.
func overlayEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' && i > 0 {
				name = kv[:i]
				break
			}
		}
		if _, overridden := extra[name]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
