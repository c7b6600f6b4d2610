package push

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessHandle identifies a spawned runner process. It can be queried for
// liveness but never used to stop the process.
type ProcessHandle interface {
	PID() int
	Alive() bool
}

// RunSpec describes one runner invocation
type RunSpec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	// LogPath receives the combined stdout and stderr of the process
	LogPath string
}

// Spawner starts runner processes without waiting for them
type Spawner interface {
	Spawn(spec RunSpec) (ProcessHandle, error)
}

// pidHandle checks liveness of a process this service did not start
// itself, e.g. one recorded before a restart.
type pidHandle struct {
	pid int
}

func (h pidHandle) PID() int { return h.pid }

func (h pidHandle) Alive() bool {
	return pidAlive(h.pid)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// childHandle tracks a process started by ExecSpawner. The child is reaped
// in the background, so exit is observed without relying on the process table.
type childHandle struct {
	pid  int
	done chan struct{}
}

func (h *childHandle) PID() int { return h.pid }

func (h *childHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExecSpawner runs the runner as a detached child process
type ExecSpawner struct {
	Logger *slog.Logger
}

// Spawn starts spec and returns as soon as the process exists
func (s ExecSpawner) Spawn(spec RunSpec) (ProcessHandle, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(spec.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	// The child keeps its own descriptor.
	defer logFile.Close()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so signals aimed at the service do not reach the run.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &childHandle{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		logger.Info("runner exited", "pid", h.pid, "error", err)
		close(h.done)
	}()
	return h, nil
}
