package exporter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"probefleet/internal/models"
	"probefleet/internal/sshkeys"
)

// ProbeLister lists every probe of the fleet
type ProbeLister interface {
	GetAllProbes(ctx context.Context) ([]models.Probe, error)
}

// HostKeyRegistry maintains the shared known_hosts file the runner trusts
// when it connects through a probe's tunnel port.
type HostKeyRegistry struct {
	mu     sync.Mutex
	path   string
	probes ProbeLister
	logger *slog.Logger
}

func NewHostKeyRegistry(layout Layout, probes ProbeLister, logger *slog.Logger) *HostKeyRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostKeyRegistry{path: layout.KnownHostsPath(), probes: probes, logger: logger}
}

// Publish rewrites the registry from the host keys of all associated probes.
// Publishes are serialized from listing to write, so the file always reflects
// the latest listing.
func (r *HostKeyRegistry) Publish(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	probes, err := r.probes.GetAllProbes(ctx)
	if err != nil {
		return fmt.Errorf("listing probes: %w", err)
	}

	var b strings.Builder
	for _, p := range probes {
		if !p.Associated || p.HostKey == "" {
			continue
		}
		line, err := sshkeys.KnownHostsLine(p.Port, p.HostKey)
		if err != nil {
			r.logger.Warn("skipping unparsable host key", "probe", p.CustomID, "error", err)
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	return writeFileAtomic(r.path, []byte(b.String()), 0o644)
}

// WriteAuthorizedKeys writes one restricted authorized_keys entry per probe
// with a registered public key
func WriteAuthorizedKeys(w io.Writer, probes []models.Probe) error {
	for _, p := range probes {
		if p.PubKey == "" {
			continue
		}
		if _, err := fmt.Fprintln(w, sshkeys.AuthorizedKeyLine(p.PubKey)); err != nil {
			return err
		}
	}
	return nil
}
