package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"probefleet/internal/metrics"
	"probefleet/internal/models"
)

const (
	MinTunnelPort = 50000
	MaxTunnelPort = 65000
)

var (
	ErrDuplicateOrInvalidIdentity = errors.New("invalid or already used MAC address")
	ErrPortSpaceExhausted         = errors.New("no free tunnel port left")
)

// ProbeStore is the part of the fleet store the allocator writes through
type ProbeStore interface {
	ProbeIDInUse(ctx context.Context, customID string) (bool, error)
	UsedPorts(ctx context.Context) ([]int, error)
	InsertProbe(ctx context.Context, p *models.Probe) error
	UpdateProbeInfo(ctx context.Context, currentID string, p models.Probe) error
}

// Allocator validates probe identities and assigns tunnel ports.
// All identity and port decisions are made under one store-wide lock, so two
// concurrent creations can never commit the same id or port.
type Allocator struct {
	mu     sync.Mutex
	store  ProbeStore
	now    func() time.Time
	logger *slog.Logger
}

// NewAllocator creates an allocator writing to store. now defaults to time.Now.
func NewAllocator(store ProbeStore, now func() time.Time, logger *slog.Logger) *Allocator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: store, now: now, logger: logger}
}

// Create validates p.CustomID (any accepted MAC form), assigns the first free
// port and persists the probe. The association period starts now.
func (a *Allocator) Create(ctx context.Context, p models.Probe) (models.Probe, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkIdentity(ctx, p.CustomID); err != nil {
		return p, err
	}
	p.CustomID = StorageForm(p.CustomID)

	used, err := a.store.UsedPorts(ctx)
	if err != nil {
		return p, fmt.Errorf("listing used ports: %w", err)
	}
	port, err := FirstFreePort(used)
	if err != nil {
		a.logger.Error("tunnel port space exhausted", "probe", p.CustomID, "used", len(used))
		return p, err
	}
	p.Port = port
	p.AssociatedAt = a.now().UTC()
	p.Associated = false
	p.PubKey, p.HostKey = "", ""

	if err := a.store.InsertProbe(ctx, &p); err != nil {
		return p, fmt.Errorf("inserting probe: %w", err)
	}

	metrics.ProbesCreated.Inc()
	a.logger.Info("probe created", "probe", p.CustomID, "port", p.Port, "user_id", p.UserID)
	return p, nil
}

// Update writes new descriptive fields for the probe currently stored as
// currentID. When p.CustomID names a different MAC, it is validated like a new one.
func (a *Allocator) Update(ctx context.Context, currentID string, p models.Probe) (models.Probe, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	currentID = StorageForm(currentID)
	if p.CustomID == "" {
		p.CustomID = currentID
	}
	if StorageForm(p.CustomID) != currentID {
		if err := a.checkIdentity(ctx, p.CustomID); err != nil {
			return p, err
		}
	}
	p.CustomID = StorageForm(p.CustomID)

	if err := a.store.UpdateProbeInfo(ctx, currentID, p); err != nil {
		return p, err
	}
	return p, nil
}

func (a *Allocator) checkIdentity(ctx context.Context, mac string) error {
	if !ValidMAC(mac) {
		return ErrDuplicateOrInvalidIdentity
	}
	inUse, err := a.store.ProbeIDInUse(ctx, StorageForm(mac))
	if err != nil {
		return fmt.Errorf("checking probe id: %w", err)
	}
	if inUse {
		return ErrDuplicateOrInvalidIdentity
	}
	return nil
}

// FirstFreePort scans [MinTunnelPort, MaxTunnelPort] upwards and returns the
// first port not in used.
func FirstFreePort(used []int) (int, error) {
	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}
	for port := MinTunnelPort; port <= MaxTunnelPort; port++ {
		if _, ok := taken[port]; !ok {
			return port, nil
		}
	}
	return 0, ErrPortSpaceExhausted
}
