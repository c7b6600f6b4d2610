// Package association runs the one-time key handshake that binds a probe's
// SSH keys to its registered identity.
//
// A probe is created by its owner first. From then on it has a bounded
// association period in which it may register its user key and host key
// exactly once. After a successful registration, or once the period has
// run out, only an explicit renewal by the owner re-opens the window.
package association

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"probefleet/internal/db"
	"probefleet/internal/identity"
	"probefleet/internal/metrics"
	"probefleet/internal/models"
	"probefleet/internal/sshkeys"
)

var (
	ErrInvalidMAC               = errors.New("invalid MAC address")
	ErrUnknownDevice            = errors.New("unknown probe")
	ErrNoRegisteredKey          = errors.New("probe has no registered key")
	ErrAlreadyRegistered        = errors.New("probe keys already registered")
	ErrAssociationPeriodExpired = errors.New("association period expired")

	ErrInvalidPublicKey = sshkeys.ErrInvalidPublicKey
	ErrInvalidHostKey   = sshkeys.ErrInvalidHostKey
)

// State is the association state of a probe
type State string

const (
	StateAssociating State = "associating"
	StateAssociated  State = "associated"
	StateExpired     State = "expired"
)

// ProbeStore is the part of the fleet store the handshake reads and writes
type ProbeStore interface {
	GetProbe(ctx context.Context, customID string) (models.Probe, error)
	SetKeys(ctx context.Context, customID, pubKey, hostKey string) error
	RenewAssociation(ctx context.Context, customID string, start time.Time) error
}

// Publisher republishes the host-key registry after keys change
type Publisher interface {
	Publish(ctx context.Context) error
}

// Service implements key registration, renewal and the port query
type Service struct {
	store     ProbeStore
	publisher Publisher
	period    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a handshake service. now defaults to time.Now.
func NewService(store ProbeStore, publisher Publisher, period time.Duration, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, publisher: publisher, period: period, now: now, logger: logger}
}

// Period returns the configured association period
func (s *Service) Period() time.Duration {
	return s.period
}

// StateOf reports the association state of p at now
func StateOf(p models.Probe, now time.Time, period time.Duration) State {
	if p.HasKeys() {
		return StateAssociated
	}
	if now.After(p.AssociatedAt.Add(period)) {
		return StateExpired
	}
	return StateAssociating
}

// State reports the association state of p using the service clock
func (s *Service) State(p models.Probe) State {
	return StateOf(p, s.now(), s.period)
}

// RegisterKeys stores the user and host key of the probe identified by mac.
// A probe registers at most once per association period: a second call
// returns ErrAlreadyRegistered and never replaces the stored keys.
func (s *Service) RegisterKeys(ctx context.Context, mac, pubKey, hostKey string) (err error) {
	defer func() {
		metrics.KeyRegistrations.WithLabelValues(Reason(err)).Inc()
	}()

	if !identity.ValidMAC(mac) {
		return ErrInvalidMAC
	}
	probeID := identity.StorageForm(mac)

	p, err := s.store.GetProbe(ctx, probeID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("loading probe: %w", err)
	}

	if _, err := sshkeys.ParsePublicKey(pubKey); err != nil {
		return err
	}
	if _, err := sshkeys.ParseHostKey(hostKey); err != nil {
		return err
	}

	// Already registered wins over expired.
	registered := p.PubKey != "" || p.HostKey != ""
	expired := s.now().After(p.AssociatedAt.Add(s.period))
	switch {
	case registered:
		return ErrAlreadyRegistered
	case expired:
		return ErrAssociationPeriodExpired
	}

	if err := s.store.SetKeys(ctx, probeID, pubKey, hostKey); err != nil {
		if errors.Is(err, db.ErrKeysAlreadySet) {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("storing keys: %w", err)
	}
	s.logger.Info("probe keys registered", "probe", probeID, "port", p.Port)

	s.publish(ctx, probeID)
	return nil
}

// Renew restarts the association period of a probe and clears its keys so
// it can register again
func (s *Service) Renew(ctx context.Context, mac string) error {
	if !identity.ValidMAC(mac) {
		return ErrInvalidMAC
	}
	probeID := identity.StorageForm(mac)

	err := s.store.RenewAssociation(ctx, probeID, s.now().UTC())
	if errors.Is(err, db.ErrNotFound) {
		return ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("renewing association: %w", err)
	}
	s.logger.Info("association period renewed", "probe", probeID, "period", s.period)

	s.publish(ctx, probeID)
	return nil
}

// Port returns the tunnel port of a probe that has completed registration
func (s *Service) Port(ctx context.Context, mac string) (string, error) {
	if !identity.ValidMAC(mac) {
		return "", ErrInvalidMAC
	}

	p, err := s.store.GetProbe(ctx, identity.StorageForm(mac))
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrUnknownDevice
	}
	if err != nil {
		return "", fmt.Errorf("loading probe: %w", err)
	}
	if !p.HasKeys() {
		return "", ErrNoRegisteredKey
	}
	return strconv.Itoa(p.Port), nil
}

// publish failures are logged only: the keys are stored and every push
// regenerates the registry.
func (s *Service) publish(ctx context.Context, probeID string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx); err != nil {
		s.logger.Error("publishing host key registry", "probe", probeID, "error", err)
	}
}
