package models

import (
	"regexp"
	"time"
)

// User owns probes and database credentials
type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Probe represents a remote measurement device connected through a reverse SSH tunnel
type Probe struct {
	ID             int             `json:"id"`
	UserID         int             `json:"user_id"`
	Name           string          `json:"name"`
	CustomID       string          `json:"custom_id"` // MAC in storage form, e.g. "aabbccddeeff"
	Location       string          `json:"location"`
	ContactPerson  string          `json:"contact_person"`
	ContactEmail   string          `json:"contact_email"`
	Port           int             `json:"port"`
	PubKey         string          `json:"-"`
	HostKey        string          `json:"-"`
	AssociatedAt   time.Time       `json:"association_period_start"`
	Associated     bool            `json:"associated"`
	HasBeenUpdated bool            `json:"has_been_updated"`
	LastUpdated    time.Time       `json:"last_updated"`
	Scripts        []Script        `json:"scripts,omitempty"`
	Networks       []NetworkConfig `json:"networks,omitempty"`
}

// HasKeys reports whether the probe has completed key registration.
// Keys are always written as a pair.
func (p *Probe) HasKeys() bool {
	return p.PubKey != "" && p.HostKey != ""
}

// Script is a measurement script scheduled on a probe
type Script struct {
	ID             int    `json:"id"`
	ProbeID        int    `json:"probe_id"`
	Description    string `json:"description"`
	Filename       string `json:"filename"`
	Args           string `json:"args"`
	MinuteInterval int    `json:"minute_interval"`
	Enabled        bool   `json:"enabled"`
	Required       bool   `json:"required"`
}

// NetworkConfig holds the WiFi credentials a probe measures with.
// Name is the frequency band, "two_g" or "five_g".
type NetworkConfig struct {
	ID          int    `json:"id"`
	ProbeID     int    `json:"probe_id"`
	Name        string `json:"name"`
	SSID        string `json:"ssid"`
	AnonymousID string `json:"anonymous_id"`
	Username    string `json:"username"`
	Password    string `json:"-"`
}

// Complete reports whether every credential field is filled in
func (n NetworkConfig) Complete() bool {
	return n.SSID != "" && n.AnonymousID != "" && n.Username != "" && n.Password != ""
}

// DatabaseConfig is a measurement-results database an owner's probes report to
type DatabaseConfig struct {
	ID       int    `json:"id"`
	UserID   int    `json:"user_id"`
	Type     string `json:"type"` // "influx" or "elastic"
	DBName   string `json:"db_name"`
	Address  string `json:"address"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	Token    string `json:"-"`
}

// Complete reports whether the connection fields are filled in
func (d DatabaseConfig) Complete() bool {
	return d.DBName != "" && d.Address != "" && d.Port != "" && d.Username != "" && d.Password != ""
}

// DeviceStatus is the outcome of the latest push for a single probe
type DeviceStatus string

const (
	StatusUnknown   DeviceStatus = "unknown"
	StatusUpdating  DeviceStatus = "updating"
	StatusCompleted DeviceStatus = "completed"
	StatusFailed    DeviceStatus = "failed"
)

// RunStatus is the owner-wide push state
type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunNotRunning RunStatus = "not-running"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidUsername reports whether s can be used as an owner name. Owner names
// become file names in the config tree.
func ValidUsername(s string) bool {
	return usernamePattern.MatchString(s) && s != "." && s != ".." && s != "all"
}
