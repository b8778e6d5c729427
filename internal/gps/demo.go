package gps

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoGPS generates simulated fixes for testing.
type DemoGPS struct {
	mu sync.Mutex
	t  float64

	// Latency delays each CurrentPosition call, like a cold receiver would.
	Latency time.Duration
}

func NewDemoGPS() *DemoGPS { return &DemoGPS{Latency: 300 * time.Millisecond} }

func (d *DemoGPS) Name() string                  { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error                { return nil }
func (d *DemoGPS) Close() error                  { return nil }
func (d *DemoGPS) ServiceEnabled() bool          { return true }
func (d *DemoGPS) CheckPermission() Permission   { return PermissionGranted }
func (d *DemoGPS) RequestPermission() Permission { return PermissionGranted }

func (d *DemoGPS) CurrentPosition(ctx context.Context) (*Fix, error) {
	if d.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.Latency):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 1

	// Walk slowly in a circle around a point
	centerLat := 52.5200 // Berlin
	centerLon := 13.4050
	radius := 0.002 // ~200m

	return &Fix{
		Latitude:   centerLat + radius*math.Sin(d.t*0.05),
		Longitude:  centerLon + radius*math.Cos(d.t*0.05),
		Altitude:   34 + 3*math.Sin(d.t*0.02) + rand.Float64(),
		Satellites: 9,
		HDOP:       0.9,
		Time:       time.Now(),
	}, nil
}
