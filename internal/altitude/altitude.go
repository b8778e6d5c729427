// Package altitude converts barometric pressure into a relative altitude.
package altitude

import "math"

// SeaLevelHPa is the fixed reference pressure for FromPressure.
const SeaLevelHPa = 1013.25

// FromPressure returns the altitude in meters above the SeaLevelHPa
// reference using the international barometric formula.
// Non-positive input yields a meaningless result (NaN or ±Inf).
func FromPressure(hPa float64) float64 {
	return 44330 * (1 - math.Pow(hPa/SeaLevelHPa, 0.1903))
}
