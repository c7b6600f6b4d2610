package push

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"probefleet/internal/exporter"
)

var ErrAlreadyRunning = errors.New("push already running")

// RunRegistry remembers the run handle of each owner's latest push.
// Handles are also written to a pid file per owner, so a restarted service
// still sees a run that is in flight.
type RunRegistry struct {
	mu        sync.Mutex
	layout    exporter.Layout
	handles   map[string]ProcessHandle
	preparing map[string]bool
}

func NewRunRegistry(layout exporter.Layout) *RunRegistry {
	return &RunRegistry{
		layout:    layout,
		handles:   make(map[string]ProcessHandle),
		preparing: make(map[string]bool),
	}
}

// Begin reserves the push slot of owner. It fails with ErrAlreadyRunning if
// another push for owner is being prepared or its runner is still alive.
// The returned release must be called once the push has spawned or failed;
// calling it again is a no-op.
func (r *RunRegistry) Begin(owner string) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.preparing[owner] || r.aliveLocked(owner) {
		return nil, ErrAlreadyRunning
	}
	r.preparing[owner] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.preparing, owner)
		})
	}, nil
}

// Record stores h as the run handle of owner
func (r *RunRegistry) Record(owner string, h ProcessHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handles[owner] = h
	path := r.layout.PIDPath(owner)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(h.PID())+"\n"), 0o644)
}

// Alive reports whether a push of owner is being prepared or its latest
// recorded run is still executing
func (r *RunRegistry) Alive(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preparing[owner] || r.aliveLocked(owner)
}

func (r *RunRegistry) aliveLocked(owner string) bool {
	if h, ok := r.handles[owner]; ok {
		return h.Alive()
	}

	pid, err := r.readPID(owner)
	if err != nil {
		return false
	}
	h := pidHandle{pid: pid}
	r.handles[owner] = h
	return h.Alive()
}

func (r *RunRegistry) readPID(owner string) (int, error) {
	data, err := os.ReadFile(r.layout.PIDPath(owner))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}
