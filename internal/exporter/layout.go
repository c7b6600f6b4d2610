package exporter

import "path/filepath"

// Layout names every file the config-apply runner and the push machinery
// share under one config tree root.
type Layout struct {
	Root string
}

// HostVarsDir is the per-probe document directory
func (l Layout) HostVarsDir(probeID string) string {
	return filepath.Join(l.Root, "host_vars", probeID)
}

// GroupVarsDir is the per-owner document directory
func (l Layout) GroupVarsDir(owner string) string {
	return filepath.Join(l.Root, "group_vars", owner)
}

func (l Layout) InventoryPath(owner string) string {
	return filepath.Join(l.Root, "inventory", owner)
}

func (l Layout) LogPath(owner string) string {
	return filepath.Join(l.Root, "logs", owner+".log")
}

func (l Layout) PIDPath(owner string) string {
	return filepath.Join(l.Root, "logs", owner+".pid")
}

func (l Layout) KnownHostsPath() string {
	return filepath.Join(l.Root, "known_hosts")
}
