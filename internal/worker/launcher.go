package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Process is a launched worker the engine can wait on or kill.
type Process interface {
	PID() int
	Wait() (int, error)
	Kill() error
}

// Launcher starts worker processes. The interface exists so the engine
// can be tested without spawning real agent CLIs.
type Launcher interface {
	Start(ctx context.Context, spec LaunchSpec, dir, prompt, logPath string) (Process, error)
}

// Handle tracks one launched worker subprocess.
type Handle struct {
	pid  int
	cmd  *exec.Cmd
	logf *os.File
}

func (h *Handle) PID() int { return h.pid }

// CLILauncher runs the resolved argv as a subprocess with the prompt
// appended as the final argument, stdout and stderr tee'd to the
// node's log file.
type CLILauncher struct{}

func (CLILauncher) Start(ctx context.Context, spec LaunchSpec, dir, prompt, logPath string) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty launch descriptor for worker %q", spec.Worker)
	}

	logf, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open node log: %w", err)
	}

	argv := append(append([]string(nil), spec.Argv...), prompt)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logf
	cmd.Stderr = logf
	// New process group so a kill takes the worker's children with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logf.Close()
		return nil, fmt.Errorf("failed to start worker %s: %w", spec.Worker, err)
	}

	return &Handle{pid: cmd.Process.Pid, cmd: cmd, logf: logf}, nil
}

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() (int, error) {
	defer h.logf.Close()

	err := h.cmd.Wait()
	if h.cmd.ProcessState != nil {
		code := h.cmd.ProcessState.ExitCode()
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return code, err
	}
	return -1, err
}

// Kill terminates the whole process group.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-h.pid, syscall.SIGKILL)
}
