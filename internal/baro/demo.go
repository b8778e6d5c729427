package baro

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// DemoStream generates simulated pressure readings for testing.
type DemoStream struct {
	Interval time.Duration
}

func NewDemoStream() *DemoStream { return &DemoStream{Interval: time.Second} }

func (d *DemoStream) Name() string { return "Demo barometer (Simulated)" }

func (d *DemoStream) Stream(ctx context.Context) (<-chan Event, error) {
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		t := 0.0
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t += 0.1
				// Drift around 1010 hPa, roughly ±8 m of altitude
				p := 1010 + math.Sin(t*0.2) + rand.Float64()*0.05
				if !send(ctx, out, Event{Reading: Reading{Pressure: p, Time: now}}) {
					return
				}
			}
		}
	}()
	return out, nil
}
