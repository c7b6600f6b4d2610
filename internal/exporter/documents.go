package exporter

import (
	"errors"
	"fmt"

	"probefleet/internal/identity"
	"probefleet/internal/models"
)

// ScriptConfig is one entry of a script_configs document
type ScriptConfig struct {
	Name           string `yaml:"name" json:"name"`
	ScriptFile     string `yaml:"script_file" json:"script_file"`
	Args           string `yaml:"args" json:"args"`
	MinuteInterval int    `yaml:"minute_interval" json:"minute_interval"`
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Required       bool   `yaml:"required" json:"required"`
}

// Validate rejects entries the probe-side scheduler could not run
func (c ScriptConfig) Validate() error {
	if c.ScriptFile == "" {
		return errors.New("script_file must not be empty")
	}
	if c.MinuteInterval < 1 {
		return fmt.Errorf("script %q: minute_interval must be >= 1", c.ScriptFile)
	}
	return nil
}

// Script converts the entry to a stored script. Required scripts are always enabled.
func (c ScriptConfig) Script() models.Script {
	return models.Script{
		Description:    c.Name,
		Filename:       c.ScriptFile,
		Args:           c.Args,
		MinuteInterval: c.MinuteInterval,
		Enabled:        c.Enabled || c.Required,
		Required:       c.Required,
	}
}

type hostScriptsDoc struct {
	Scripts []ScriptConfig `yaml:"host_script_configs"`
}

type defaultScriptsDoc struct {
	Scripts []ScriptConfig `yaml:"default_script_configs"`
}

// NetworkCredentials is the per-band entry of a network_configs document
type NetworkCredentials struct {
	SSID        string `yaml:"ssid"`
	AnonymousID string `yaml:"anonymous_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type networksDoc struct {
	Networks map[string]NetworkCredentials `yaml:"networks"`
}

// ProbeInfo is the static metadata document of a probe
type ProbeInfo struct {
	Name          string `yaml:"name"`
	Location      string `yaml:"location"`
	MAC           string `yaml:"mac"`
	Organization  string `yaml:"organization"`
	ContactPerson string `yaml:"contact_person,omitempty"`
	ContactEmail  string `yaml:"contact_email,omitempty"`
}

type probeInfoDoc struct {
	Info ProbeInfo `yaml:"probe_info"`
}

// DatabaseCredentials is the per-type entry of a database_configs document
type DatabaseCredentials struct {
	DBName   string `yaml:"db_name"`
	Address  string `yaml:"address"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token,omitempty"`
}

type databasesDoc struct {
	Databases map[string]DatabaseCredentials `yaml:"databases"`
}

// scriptConfigs converts stored scripts to document entries. Required
// scripts are always exported enabled.
func scriptConfigs(scripts []models.Script) []ScriptConfig {
	configs := make([]ScriptConfig, 0, len(scripts))
	for _, s := range scripts {
		configs = append(configs, ScriptConfig{
			Name:           s.Description,
			ScriptFile:     s.Filename,
			Args:           s.Args,
			MinuteInterval: s.MinuteInterval,
			Enabled:        s.Enabled || s.Required,
			Required:       s.Required,
		})
	}
	return configs
}

func scriptsFromConfigs(configs []ScriptConfig) ([]models.Script, error) {
	scripts := make([]models.Script, 0, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		scripts = append(scripts, c.Script())
	}
	return scripts, nil
}

func probeInfo(p models.Probe, organization string) ProbeInfo {
	return ProbeInfo{
		Name:          p.Name,
		Location:      p.Location,
		MAC:           identity.DisplayForm(p.CustomID),
		Organization:  organization,
		ContactPerson: p.ContactPerson,
		ContactEmail:  p.ContactEmail,
	}
}
