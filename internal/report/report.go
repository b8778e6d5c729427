// Package report renders the measurement table as CSV or XLSX.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/shaunagostinho/barotrack/internal/track"
)

var header = []string{
	"timestamp", "latitude", "longitude", "gps_alt_m", "baro_alt_m",
}

const sheet = "Sheet1"

// WriteCSV writes one row per measurement. The barometric altitude cell
// stays empty when the measurement has none.
func WriteCSV(w io.Writer, ms []track.Measurement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, m := range ms {
		if err := cw.Write(buildRow(m)); err != nil {
			return fmt.Errorf("csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes the same table as a single-sheet workbook.
func WriteXLSX(w io.Writer, ms []track.Measurement) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, m := range ms {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			m.Timestamp.Format(time.RFC3339),
			m.Latitude,
			m.Longitude,
			round1(m.GPSAltitude),
		}
		if m.AltimeterHeight != nil {
			row = append(row, round1(*m.AltimeterHeight))
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("xlsx row %d: %w", i, err)
		}
	}
	if err := f.SetColWidth(sheet, "A", "A", 28); err != nil {
		return err
	}
	return f.Write(w)
}

func buildRow(m track.Measurement) []string {
	row := make([]string, len(header))
	row[0] = m.Timestamp.Format(time.RFC3339Nano)
	row[1] = fmt.Sprintf("%.6f", m.Latitude)
	row[2] = fmt.Sprintf("%.6f", m.Longitude)
	row[3] = fmt.Sprintf("%.1f", m.GPSAltitude)
	if m.AltimeterHeight != nil {
		row[4] = fmt.Sprintf("%.1f", *m.AltimeterHeight)
	}
	return row
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
