package exporter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"probefleet/internal/models"
)

// WriteInventory writes the inventory of owner listing probes, one per line,
// under a "[owner]" header. It returns the inventory path.
func (e *Exporter) WriteInventory(owner string, probes []models.Probe) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s]\n", owner)
	for _, p := range probes {
		fmt.Fprintf(&buf, "%s ansible_host=localhost ansible_port=%d probe_name=%s\n",
			p.CustomID, p.Port, strconv.Quote(p.Name))
	}

	path := e.Layout.InventoryPath(owner)
	if err := writeFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadInventory returns the probe ids listed in an inventory file.
// Header and blank lines are skipped.
func ReadInventory(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, strings.Fields(line)[0])
	}
	return ids, scanner.Err()
}
