package session

import (
	"context"
	"fmt"
	"log"

	"github.com/shaunagostinho/barotrack/internal/gps"
	"github.com/shaunagostinho/barotrack/internal/track"
)

// schedule fires a fetch on every tick until ctx ends. Fetches run in
// their own goroutines and are neither queued nor cancelled by later
// ticks, so a slow fetch can land after a faster, newer one.
func (c *Controller) schedule(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	ticker := c.opts.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			go c.fetchAndRecord(ctx, gen)
		}
	}
}

func (c *Controller) fetchAndRecord(ctx context.Context, gen uint64) {
	p := c.opts.Location

	c.setSessionStatus(gen, "Requesting permission...")
	if !p.ServiceEnabled() {
		c.setSessionStatus(gen, "Location services are disabled.")
		return
	}
	perm := p.CheckPermission()
	if perm == gps.PermissionDenied {
		perm = p.RequestPermission()
	}
	if perm != gps.PermissionGranted {
		c.setSessionStatus(gen, "No location permission.")
		return
	}

	c.setSessionStatus(gen, "Determining location...")
	fix, err := p.CurrentPosition(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("[session] location fetch failed: %v", err)
		c.setSessionStatus(gen, fmt.Sprintf("Error: %v", err))
		return
	}

	c.mu.Lock()
	if !c.state.Tracking || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state.Position = fix
	c.state.Status = "Location updated"
	c.mu.Unlock()
	c.notify(nil)

	c.record(gen)
}

// record appends a measurement built from the latest position and the
// latest barometric altitude. Both may have been written by other
// goroutines since this fetch resolved; last writer wins.
func (c *Controller) record(gen uint64) {
	// Held through delivery so updates leave in append order.
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	c.mu.Lock()
	if !c.state.Tracking || c.gen != gen || c.state.Position == nil {
		c.mu.Unlock()
		return
	}

	now := c.opts.Now()
	pos := c.state.Position
	m := track.Measurement{
		Timestamp:   now,
		Latitude:    pos.Latitude,
		Longitude:   pos.Longitude,
		GPSAltitude: pos.Altitude,
	}
	if c.state.BaroAltitude != nil {
		h := *c.state.BaroAltitude
		m.AltimeterHeight = &h
	}

	c.state.Count = c.log.Append(m)
	c.state.DistanceKm = c.log.DistanceKm()
	c.state.Status = fmt.Sprintf("Measurement captured at %s", now.Local().Format("2006-01-02 15:04:05"))
	c.mu.Unlock()

	c.deliverLocked(&m)
}
