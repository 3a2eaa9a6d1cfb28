package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

// MaxOutput caps captured stdout+stderr per exec
const MaxOutput = 256 * 1024

const (
	pidPollInterval = 50 * time.Millisecond
	pidPollAttempts = 100
	exitPollInterval = 100 * time.Millisecond
)

// ExecResult is the outcome of one exec invocation
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	OLE      bool
	TimedOut bool
	Pid      int
}

// errOutputLimit aborts the stream copy once the shared budget is spent
var errOutputLimit = errors.New("output limit exceeded")

// outputBudget is the shared byte budget across the stdout and stderr sinks
type outputBudget struct {
	remaining int
	exceeded  bool
}

// cappedWriter writes into a buffer until the shared budget runs dry. The
// write that would exceed the budget stores the fitting prefix and errors
// out, which stops the copier; the exec itself keeps running.
type cappedWriter struct {
	buf    bytes.Buffer
	budget *outputBudget
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.budget.remaining <= 0 {
		if len(p) > 0 {
			w.budget.exceeded = true
		}
		return 0, errOutputLimit
	}
	n := len(p)
	if n > w.budget.remaining {
		n = w.budget.remaining
		w.budget.exceeded = true
	}
	w.buf.Write(p[:n])
	w.budget.remaining -= n
	if n < len(p) {
		return n, errOutputLimit
	}
	return n, nil
}

// Execute opens an exec session against a persistent container, pumps
// stdout/stderr under the output cap and the wall-clock timeout, and kills
// the process inside the container when either cap leaves it running.
// pidNotify, when non-nil, is invoked once with the exec's host PID as soon
// as the engine reports it.
func (p *Pool) Execute(ctx context.Context, containerEngineID string, cmd, env []string, timeout time.Duration, pidNotify func(int)) (*ExecResult, error) {
	execID, err := p.engine.CreateExec(ctx, containerEngineID, cmd, append(env, "TERM=xterm"), "")
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	stream, err := p.engine.AttachExec(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer stream.Close()

	// Fetch the host PID while the exec is young; it is needed for the kill
	// path and surfaced to StopJob
	pidCh := make(chan int, 1)
	go func() {
		for i := 0; i < pidPollAttempts; i++ {
			select {
			case <-time.After(pidPollInterval):
			case <-ctx.Done():
				return
			}
			if st, err := p.engine.InspectExec(context.Background(), execID); err == nil && st.Pid > 0 {
				pidCh <- st.Pid
				if pidNotify != nil {
					pidNotify(st.Pid)
				}
				return
			}
		}
	}()

	budget := &outputBudget{remaining: MaxOutput}
	outW := &cappedWriter{budget: budget}
	errW := &cappedWriter{budget: budget}

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, stream)
		copyDone <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case cerr := <-copyDone:
		if errors.Is(cerr, errOutputLimit) {
			// Output capped: stop reading but let the exec run on until it
			// exits by itself or the deadline fires
			stream.Close()
			if !p.waitExecExit(ctx, execID, timer.C) {
				timedOut = true
			}
		}
	case <-timer.C:
		timedOut = true
		stream.Close()
		<-copyDone
	case <-ctx.Done():
		timedOut = true
		stream.Close()
		<-copyDone
	}

	ole := budget.exceeded

	var pid int
	if ole || timedOut {
		if st, serr := p.engine.InspectExec(context.Background(), execID); serr == nil && st.Running {
			select {
			case pid = <-pidCh:
			case <-time.After(pidPollInterval * pidPollAttempts):
			}
			if pid > 0 {
				if kerr := p.KillProcessInContainer(context.Background(), containerEngineID, pid); kerr != nil {
					p.logger.Error().Err(kerr).Str("container_id", containerEngineID).Msg("Failed to kill exec")
				}
			}
		}
	} else {
		select {
		case pid = <-pidCh:
		default:
		}
	}

	exitCode := -1
	switch {
	case ole:
		exitCode = -2
	case timedOut:
		exitCode = -1
	default:
		if st, serr := p.engine.InspectExec(context.Background(), execID); serr == nil {
			exitCode = st.ExitCode
		}
	}

	return &ExecResult{
		Stdout:   outW.buf.String(),
		Stderr:   errW.buf.String(),
		ExitCode: exitCode,
		OLE:      ole,
		TimedOut: timedOut,
		Pid:      pid,
	}, nil
}

// waitExecExit polls the exec until it stops running. Returns false when the
// deadline fires first.
func (p *Pool) waitExecExit(ctx context.Context, execID string, deadline <-chan time.Time) bool {
	for {
		st, err := p.engine.InspectExec(context.Background(), execID)
		if err != nil || !st.Running {
			return true
		}
		select {
		case <-time.After(exitPollInterval):
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// translatePid maps a host PID to the innermost namespace PID via the NSpid
// line of /proc/<pid>/status. Falls back to the host PID when the proc
// entry is unreadable (non-Linux hosts, or the process already exited).
func translatePid(hostPid int) int {
	status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", hostPid))
	if err != nil {
		return hostPid
	}
	return parseNSpid(string(status), hostPid)
}

// parseNSpid extracts the innermost namespace PID from a proc status dump
func parseNSpid(status string, fallback int) int {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "NSpid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			break
		}
		return pid
	}
	return fallback
}

// KillProcessInContainer SIGKILLs a process inside a container, translating
// the host PID to the container's namespace first. Uses `sh -c kill` as
// root since exploit images often lack a kill binary in PATH.
func (p *Pool) KillProcessInContainer(ctx context.Context, containerEngineID string, hostPid int) error {
	target := translatePid(hostPid)

	execID, err := p.engine.CreateExec(ctx, containerEngineID,
		[]string{"/bin/sh", "-c", fmt.Sprintf("kill -9 %d", target)}, nil, "root")
	if err != nil {
		return fmt.Errorf("failed to create kill exec: %w", err)
	}
	if err := p.engine.StartExecDetached(ctx, execID); err != nil {
		return fmt.Errorf("failed to start kill exec: %w", err)
	}

	p.logger.Info().
		Int("pid", target).
		Int("host_pid", hostPid).
		Str("container_id", containerEngineID).
		Msg("Killed process in container")
	return nil
}
