package status

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"probefleet/internal/exporter"
	"probefleet/internal/identity"
	"probefleet/internal/metrics"
	"probefleet/internal/models"
)

const (
	DefaultFreshness       = 30 * time.Second
	DefaultRestampInterval = 60 * time.Second
)

// Snapshot is the status of an owner's latest run at one point in time
type Snapshot struct {
	// BuiltAt is when the rebuild that produced the snapshot started
	BuiltAt time.Time                      `json:"built_at"`
	Run     models.RunStatus               `json:"run"`
	Devices map[string]models.DeviceStatus `json:"devices"`

	// recorded holds the completed probes whose update is persisted
	recorded map[string]bool
}

// Device returns the status of the probe with storage id probeID
func (s Snapshot) Device(probeID string) models.DeviceStatus {
	if st, ok := s.Devices[probeID]; ok {
		return st
	}
	return models.StatusUnknown
}

// RunChecker reports whether an owner's run process is alive
type RunChecker interface {
	Alive(owner string) bool
}

// Store persists completed updates
type Store interface {
	MarkUpdated(ctx context.Context, customID string, now time.Time, minInterval time.Duration) (bool, error)
}

// Options configure a Tracker
type Options struct {
	Freshness       time.Duration
	RestampInterval time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Tracker caches one status snapshot per owner and rebuilds it from the run
// log when it is stale, forced or invalidated by a new run.
type Tracker struct {
	layout exporter.Layout
	runs   RunChecker
	store  Store
	opts   Options
	logger *slog.Logger

	group singleflight.Group

	mu          sync.Mutex
	snapshots   map[string]Snapshot
	generations map[string]uint64
}

func NewTracker(layout exporter.Layout, runs RunChecker, store Store, opts Options) *Tracker {
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.RestampInterval < 0 {
		opts.RestampInterval = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		layout:      layout,
		runs:        runs,
		store:       store,
		opts:        opts,
		logger:      logger,
		snapshots:   make(map[string]Snapshot),
		generations: make(map[string]uint64),
	}
}

// Invalidate drops the cached snapshot of owner. Rebuilds that started
// before the call are not cached.
func (t *Tracker) Invalidate(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generations[owner]++
	delete(t.snapshots, owner)
}

// Status returns the snapshot of owner, rebuilding it when the cached one is
// older than the freshness window or force is set
func (t *Tracker) Status(ctx context.Context, owner string, force bool) (Snapshot, error) {
	t.mu.Lock()
	cached, ok := t.snapshots[owner]
	generation := t.generations[owner]
	t.mu.Unlock()

	if !force && ok && t.opts.Now().Sub(cached.BuiltAt) < t.opts.Freshness {
		return cached, nil
	}

	if force {
		metrics.StatusRebuilds.WithLabelValues("forced").Inc()
		return t.rebuild(ctx, owner, generation)
	}

	metrics.StatusRebuilds.WithLabelValues("stale").Inc()
	key := owner + "/" + strconv.FormatUint(generation, 10)
	v, err, _ := t.group.Do(key, func() (any, error) {
		return t.rebuild(ctx, owner, generation)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Running reports the owner-wide run status
func (t *Tracker) Running(ctx context.Context, owner string, force bool) (models.RunStatus, error) {
	s, err := t.Status(ctx, owner, force)
	if err != nil {
		return models.RunNotRunning, err
	}
	return s.Run, nil
}

// DeviceStatus reports the status of one probe, identified by any accepted
// MAC form
func (t *Tracker) DeviceStatus(ctx context.Context, owner, mac string, force bool) (models.DeviceStatus, error) {
	s, err := t.Status(ctx, owner, force)
	if err != nil {
		return models.StatusUnknown, err
	}
	return s.Device(identity.StorageForm(mac)), nil
}

func (t *Tracker) rebuild(ctx context.Context, owner string, generation uint64) (Snapshot, error) {
	start := t.opts.Now()
	snap, err := t.build(owner, start)
	if err != nil {
		return Snapshot{}, err
	}

	t.mu.Lock()
	prev := t.snapshots[owner]
	t.mu.Unlock()
	snap.recorded = t.recordCompletions(ctx, owner, prev, snap)
	t.save(owner, generation, snap)
	return snap, nil
}

func (t *Tracker) build(owner string, start time.Time) (Snapshot, error) {
	snap := Snapshot{BuiltAt: start, Run: models.RunNotRunning, Devices: map[string]models.DeviceStatus{}}

	inventory, err := exporter.ReadInventory(t.layout.InventoryPath(owner))
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading inventory: %w", err)
	}

	f, err := os.Open(t.layout.LogPath(owner))
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("opening run log: %w", err)
	}
	defer f.Close()

	report, err := ParseLog(f)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parsing run log: %w", err)
	}

	switch {
	case report.Finished:
		for host, summary := range report.Hosts {
			if summary.Succeeded() {
				snap.Devices[host] = models.StatusCompleted
			} else {
				snap.Devices[host] = models.StatusFailed
			}
		}
	case t.runs.Alive(owner):
		snap.Run = models.RunRunning
		for _, id := range inventory {
			snap.Devices[id] = models.StatusUpdating
		}
	default:
		// The runner exited without a summary: crashed, killed or never started.
		for _, id := range inventory {
			snap.Devices[id] = models.StatusFailed
		}
	}
	return snap, nil
}

// save caches snap unless a newer snapshot is cached or the owner was
// invalidated since the rebuild started
func (t *Tracker) save(owner string, generation uint64, snap Snapshot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.generations[owner] != generation {
		return false
	}
	if cur, ok := t.snapshots[owner]; ok && cur.BuiltAt.After(snap.BuiltAt) {
		return false
	}
	t.snapshots[owner] = snap
	return true
}

// recordCompletions persists probes that turned completed since prev and
// returns the completed probes now on record. A probe whose write failed is
// retried by the next rebuild.
func (t *Tracker) recordCompletions(ctx context.Context, owner string, prev Snapshot, snap Snapshot) map[string]bool {
	// The write outlives the request that triggered the rebuild.
	ctx = context.WithoutCancel(ctx)
	now := t.opts.Now().UTC()

	recorded := make(map[string]bool)
	for id, st := range snap.Devices {
		if st != models.StatusCompleted {
			continue
		}
		if prev.recorded[id] {
			recorded[id] = true
			continue
		}
		restamped, err := t.store.MarkUpdated(ctx, id, now, t.opts.RestampInterval)
		if err != nil {
			t.logger.Warn("recording completed update", "owner", owner, "probe", id, "error", err)
			continue
		}
		recorded[id] = true
		if restamped {
			t.logger.Info("probe updated", "owner", owner, "probe", id)
		}
	}
	return recorded
}

// Statuses merges the device statuses of owners. Probe ids are unique across
// owners.
func (t *Tracker) Statuses(ctx context.Context, owners []string) (map[string]models.DeviceStatus, error) {
	statuses := make(map[string]models.DeviceStatus)
	for _, owner := range owners {
		s, err := t.Status(ctx, owner, false)
		if err != nil {
			return nil, fmt.Errorf("status of %s: %w", owner, err)
		}
		for id, st := range s.Devices {
			statuses[id] = st
		}
	}
	return statuses, nil
}
