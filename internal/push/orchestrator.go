// Package push triggers configuration runs for an owner's probes.
//
// A push exports every probe's documents, writes an inventory of the probes
// that can take an update right now, and starts the config-apply runner in
// the background. At most one run per owner is alive at any time.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"probefleet/internal/exporter"
	"probefleet/internal/metrics"
	"probefleet/internal/models"
)

var ErrRateLimited = errors.New("push triggered too soon after the previous one")

const (
	ReasonAlreadyRunning = "already-running"
	ReasonRateLimited    = "rate-limited"
	ReasonStarted        = "started"
	ReasonSpawnFailed    = "spawn-failed"
)

// Store is the part of the fleet store a push reads
type Store interface {
	GetUser(ctx context.Context, username string) (models.User, error)
	GetProbesByUser(ctx context.Context, userID int) ([]models.Probe, error)
	GetScripts(ctx context.Context, probeID int) ([]models.Script, error)
	GetNetworkConfigs(ctx context.Context, probeID int) ([]models.NetworkConfig, error)
	GetDatabaseConfigs(ctx context.Context, userID int) ([]models.DatabaseConfig, error)
}

// Publisher regenerates the shared host-key registry
type Publisher interface {
	Publish(ctx context.Context) error
}

// Invalidator is told when a new run starts so cached status is not served
type Invalidator interface {
	Invalidate(owner string)
}

// Options configure an Orchestrator
type Options struct {
	Runner   string
	Playbook string
	// MinInterval is the minimum time between two pushes of one owner; 0 disables the limit
	MinInterval time.Duration
	Logger      *slog.Logger
}

// Result describes the outcome of a push trigger
type Result struct {
	RunID          string   `json:"run_id,omitempty"`
	Started        bool     `json:"started"`
	AlreadyRunning bool     `json:"already_running"`
	PID            int      `json:"pid,omitempty"`
	Inventory      []string `json:"inventory"`
	Warnings       []string `json:"warnings"`
}

// Orchestrator runs pushes
type Orchestrator struct {
	store       Store
	exporter    *exporter.Exporter
	hostKeys    Publisher
	runs        *RunRegistry
	prober      Prober
	spawner     Spawner
	invalidator Invalidator
	opts        Options
	logger      *slog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

func NewOrchestrator(store Store, exp *exporter.Exporter, hostKeys Publisher, runs *RunRegistry,
	prober Prober, spawner Spawner, invalidator Invalidator, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       store,
		exporter:    exp,
		hostKeys:    hostKeys,
		runs:        runs,
		prober:      prober,
		spawner:     spawner,
		invalidator: invalidator,
		opts:        opts,
		logger:      logger,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Running reports whether a run of owner is alive
func (o *Orchestrator) Running(owner string) bool {
	return o.runs.Alive(owner)
}

// Push starts a configuration run for owner. It returns ErrAlreadyRunning
// (with Result.AlreadyRunning set) while a previous run is alive. A runner
// that cannot be started is not an error: it is logged to the run log and
// shows up as a failed run.
func (o *Orchestrator) Push(ctx context.Context, owner string) (Result, error) {
	release, err := o.runs.Begin(owner)
	if err != nil {
		metrics.Pushes.WithLabelValues(ReasonAlreadyRunning).Inc()
		o.logger.Info("push rejected, run in flight", "owner", owner)
		return Result{AlreadyRunning: true}, err
	}
	defer release()

	// Pushes of one owner are serialized by Begin. The token is spent only
	// once the runner started.
	limiter := o.limiter(owner)
	if limiter.Limit() != rate.Inf && limiter.Tokens() < 1 {
		metrics.Pushes.WithLabelValues(ReasonRateLimited).Inc()
		return Result{}, ErrRateLimited
	}

	user, err := o.store.GetUser(ctx, owner)
	if err != nil {
		return Result{}, fmt.Errorf("loading owner %q: %w", owner, err)
	}

	res := Result{RunID: uuid.NewString()}
	logger := o.logger.With("owner", owner, "run_id", res.RunID)

	inventory, warnings, err := o.exportProbes(ctx, user)
	if err != nil {
		return Result{}, err
	}
	res.Warnings = warnings

	dbWarning, err := o.exportDatabases(ctx, user)
	if err != nil {
		return Result{}, err
	}
	if dbWarning != "" {
		res.Warnings = append(res.Warnings, dbWarning)
	}

	inventoryPath, err := o.exporter.WriteInventory(owner, inventory)
	if err != nil {
		return Result{}, fmt.Errorf("writing inventory: %w", err)
	}
	for _, p := range inventory {
		res.Inventory = append(res.Inventory, p.CustomID)
	}

	if err := o.hostKeys.Publish(ctx); err != nil {
		return Result{}, fmt.Errorf("publishing host keys: %w", err)
	}

	logPath := o.exporter.Layout.LogPath(owner)
	if err := truncate(logPath); err != nil {
		return Result{}, fmt.Errorf("truncating run log: %w", err)
	}

	handle, err := o.spawner.Spawn(RunSpec{
		Command: o.opts.Runner,
		Args:    []string{"-i", inventoryPath, o.opts.Playbook},
		Env:     append(os.Environ(), "ANSIBLE_SSH_ARGS=-o UserKnownHostsFile="+o.exporter.Layout.KnownHostsPath()),
		Dir:     o.exporter.Layout.Root,
		LogPath: logPath,
	})
	if err != nil {
		metrics.Pushes.WithLabelValues(ReasonSpawnFailed).Inc()
		logger.Error("starting runner", "error", err)
		appendLog(logPath, fmt.Sprintf("failed to start %s: %v\n", o.opts.Runner, err))
		release()
		o.invalidate(owner)
		res.Warnings = append(res.Warnings, "The update could not be started.")
		return res, nil
	}

	if err := o.runs.Record(owner, handle); err != nil {
		logger.Error("recording run handle", "pid", handle.PID(), "error", err)
	}
	limiter.Allow()
	release()
	o.invalidate(owner)

	res.Started = true
	res.PID = handle.PID()
	metrics.Pushes.WithLabelValues(ReasonStarted).Inc()
	metrics.PushInventorySize.Observe(float64(len(inventory)))
	logger.Info("push started", "pid", res.PID, "probes", len(inventory), "warnings", len(res.Warnings))
	return res, nil
}

// exportProbes writes the documents of every probe of user and returns the
// probes that go into the inventory: associated ones with a live tunnel.
func (o *Orchestrator) exportProbes(ctx context.Context, user models.User) ([]models.Probe, []string, error) {
	probes, err := o.store.GetProbesByUser(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing probes: %w", err)
	}

	var associated []models.Probe
	for i := range probes {
		p := &probes[i]
		if p.Scripts, err = o.store.GetScripts(ctx, p.ID); err != nil {
			return nil, nil, fmt.Errorf("loading scripts of %s: %w", p.CustomID, err)
		}
		if p.Networks, err = o.store.GetNetworkConfigs(ctx, p.ID); err != nil {
			return nil, nil, fmt.Errorf("loading network configs of %s: %w", p.CustomID, err)
		}
		if p.Associated {
			associated = append(associated, *p)
		}
	}

	reachable := reachableProbes(ctx, o.prober, associated)

	var inventory []models.Probe
	var warnings []string
	for _, p := range probes {
		eligible := p.Associated && reachable[p.CustomID]
		withNetworks := eligible && networksComplete(p.Networks)

		switch {
		case !p.Associated:
			warnings = append(warnings, fmt.Sprintf("%s is not associated and will not be updated.", p.Name))
		case !eligible:
			warnings = append(warnings, fmt.Sprintf("%s is not connected and will not be updated.", p.Name))
		case !withNetworks:
			warnings = append(warnings, fmt.Sprintf("Please fill out the network credentials for %s before pushing configuration.", p.Name))
		}

		if err := o.exporter.WriteProbe(p, withNetworks); err != nil {
			return nil, nil, fmt.Errorf("exporting %s: %w", p.CustomID, err)
		}
		if eligible {
			inventory = append(inventory, p)
		}
	}
	return inventory, warnings, nil
}

func (o *Orchestrator) exportDatabases(ctx context.Context, user models.User) (string, error) {
	configs, err := o.store.GetDatabaseConfigs(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("loading database configs: %w", err)
	}

	var complete []models.DatabaseConfig
	for _, c := range configs {
		if c.Complete() {
			complete = append(complete, c)
		}
	}
	if err := o.exporter.WriteDatabases(user.Username, complete); err != nil {
		return "", fmt.Errorf("exporting database configs: %w", err)
	}
	if len(complete) == 0 {
		return "Please fill out the database credentials.", nil
	}
	return "", nil
}

func networksComplete(networks []models.NetworkConfig) bool {
	if len(networks) == 0 {
		return false
	}
	for _, n := range networks {
		if !n.Complete() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) limiter(owner string) *rate.Limiter {
	o.limitersMu.Lock()
	defer o.limitersMu.Unlock()

	l, ok := o.limiters[owner]
	if !ok {
		limit := rate.Inf
		if o.opts.MinInterval > 0 {
			limit = rate.Every(o.opts.MinInterval)
		}
		l = rate.NewLimiter(limit, 1)
		o.limiters[owner] = l
	}
	return l
}

func (o *Orchestrator) invalidate(owner string) {
	if o.invalidator != nil {
		o.invalidator.Invalidate(owner)
	}
}

func truncate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0o644)
}

func appendLog(path, line string) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(line)
}
