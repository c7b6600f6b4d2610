package exporter

import (
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"probefleet/internal/identity"
	"probefleet/internal/models"
)

const fleetSheet = "Probes"

// WriteFleetWorkbook writes an Excel workbook with one row per probe.
// statuses maps storage-form probe ids to their latest push status.
func WriteFleetWorkbook(w io.Writer, probes []models.Probe, statuses map[string]models.DeviceStatus) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", fleetSheet); err != nil {
		return err
	}

	header := []any{"Name", "MAC", "Location", "Contact", "Port", "Associated", "Last Updated", "Status"}
	if err := f.SetSheetRow(fleetSheet, "A1", &header); err != nil {
		return err
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(fleetSheet, "A1", "H1", style); err != nil {
		return err
	}

	for i, p := range probes {
		lastUpdated := ""
		if !p.LastUpdated.IsZero() {
			lastUpdated = p.LastUpdated.Format(time.RFC3339)
		}
		status, ok := statuses[p.CustomID]
		if !ok {
			status = models.StatusUnknown
		}

		row := []any{
			p.Name,
			identity.DisplayForm(p.CustomID),
			p.Location,
			p.ContactPerson,
			p.Port,
			p.Associated,
			lastUpdated,
			string(status),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(fleetSheet, cell, &row); err != nil {
			return err
		}
	}

	if err := f.SetColWidth(fleetSheet, "A", "H", 20); err != nil {
		return err
	}

	_, err = f.WriteTo(w)
	return err
}
