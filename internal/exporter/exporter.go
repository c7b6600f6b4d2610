// Package exporter renders fleet state into the files the config-apply runner reads:
// per-probe and per-owner YAML documents, inventories, the shared known_hosts
// registry and the sshd authorized_keys listing.
package exporter

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"probefleet/internal/models"
)

const allGroup = "all"

var ErrMalformedDocument = errors.New("malformed config document")

// Exporter writes configuration documents under a Layout
type Exporter struct {
	Layout       Layout
	Organization string
}

func New(root, organization string) *Exporter {
	return &Exporter{Layout: Layout{Root: root}, Organization: organization}
}

// WriteProbe writes the scripts and metadata documents of p. The network
// document is written only when withNetworks is set; otherwise any earlier
// one is removed so stale credentials are never pushed.
func (e *Exporter) WriteProbe(p models.Probe, withNetworks bool) error {
	dir := e.Layout.HostVarsDir(p.CustomID)

	if err := writeYAML(filepath.Join(dir, "script_configs"), hostScriptsDoc{Scripts: scriptConfigs(p.Scripts)}); err != nil {
		return err
	}
	if err := writeYAML(filepath.Join(dir, "probe_info"), probeInfoDoc{Info: probeInfo(p, e.Organization)}); err != nil {
		return err
	}

	networkPath := filepath.Join(dir, "network_configs")
	if !withNetworks {
		if err := os.Remove(networkPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}

	doc := networksDoc{Networks: make(map[string]NetworkCredentials, len(p.Networks))}
	for _, n := range p.Networks {
		doc.Networks[n.Name] = NetworkCredentials{
			SSID:        n.SSID,
			AnonymousID: n.AnonymousID,
			Username:    n.Username,
			Password:    n.Password,
		}
	}
	return writeYAML(networkPath, doc)
}

// RemoveProbe deletes every document of a probe
func (e *Exporter) RemoveProbe(probeID string) error {
	if probeID == "" {
		return errors.New("empty probe id")
	}
	return os.RemoveAll(e.Layout.HostVarsDir(probeID))
}

// WriteGroupDefaults saves scripts as the default script set of owner
func (e *Exporter) WriteGroupDefaults(owner string, scripts []models.Script) error {
	path := filepath.Join(e.Layout.GroupVarsDir(owner), "script_configs")
	return writeYAML(path, defaultScriptsDoc{Scripts: scriptConfigs(scripts)})
}

// LoadGroupDefaults reads the default script set of owner, falling back to
// the global default. It returns no scripts if neither document exists.
func (e *Exporter) LoadGroupDefaults(owner string) ([]models.Script, error) {
	for _, group := range []string{owner, allGroup} {
		path := filepath.Join(e.Layout.GroupVarsDir(group), "script_configs")
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var doc defaultScriptsDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedDocument, path, err)
		}
		scripts, err := scriptsFromConfigs(doc.Scripts)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedDocument, path, err)
		}
		return scripts, nil
	}
	return nil, nil
}

// WriteDatabases writes the database credentials document of owner
func (e *Exporter) WriteDatabases(owner string, configs []models.DatabaseConfig) error {
	doc := databasesDoc{Databases: make(map[string]DatabaseCredentials, len(configs))}
	for _, c := range configs {
		doc.Databases[c.Type] = DatabaseCredentials{
			DBName:   c.DBName,
			Address:  c.Address,
			Port:     c.Port,
			Username: c.Username,
			Password: c.Password,
			Token:    c.Token,
		}
	}
	return writeYAML(filepath.Join(e.Layout.GroupVarsDir(owner), "database_configs"), doc)
}

func writeYAML(path string, v any) error {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return writeFileAtomic(path, buf.Bytes(), 0o600)
}

// writeFileAtomic creates missing parent directories and replaces path in one rename
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
