package track

import (
	"math"
	"sync"
	"time"
)

// Measurement is one recorded sample of the session.
type Measurement struct {
	Timestamp       time.Time `json:"timestamp"`
	Latitude        float64   `json:"latitude"`        // Decimal degrees
	Longitude       float64   `json:"longitude"`       // Decimal degrees
	GPSAltitude     float64   `json:"gpsAltitude"`     // Meters
	AltimeterHeight *float64  `json:"altimeterHeight"` // Meters, nil until the barometer reported
}

// Log is the append-only, capture-ordered list of measurements for the
// active session.
type Log struct {
	mu       sync.RWMutex
	items    []Measurement
	distance float64 // km along the track
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{}
}

// Reset empties the log. Called once per session start.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.distance = 0
}

// Append adds m at the end of the log and returns the new length.
func (l *Log) Append(m Measurement) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.items); n > 0 {
		prev := l.items[n-1]
		l.distance += HaversineKm(prev.Latitude, prev.Longitude, m.Latitude, m.Longitude)
	}
	l.items = append(l.items, m)
	return len(l.items)
}

// Len returns the number of measurements.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// DistanceKm returns the summed great-circle distance between consecutive
// measurements.
func (l *Log) DistanceKm() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.distance
}

// Snapshot returns a copy of the measurements in capture order.
func (l *Log) Snapshot() []Measurement {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Measurement, len(l.items))
	copy(out, l.items)
	return out
}

// HaversineKm calculates the great-circle distance between two lat/lon points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
