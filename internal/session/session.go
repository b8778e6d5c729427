// Package session runs a tracking session: it samples the location
// provider on a fixed period, folds in the latest barometric altitude and
// exports the recorded track when the session stops.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/barotrack/internal/baro"
	"github.com/shaunagostinho/barotrack/internal/gps"
	"github.com/shaunagostinho/barotrack/internal/track"
)

// DefaultInterval is the sampling period.
const DefaultInterval = 5 * time.Second

// Exporter persists a finished session. track.Exporter implements it.
type Exporter interface {
	Export(startedAt, now time.Time, ms []track.Measurement) (string, error)
}

// Ticker is the part of time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Options configures a Controller.
type Options struct {
	Interval  time.Duration
	Location  gps.Provider
	Barometer baro.Stream // nil when the host has no barometer
	Exporter  Exporter

	NewTicker func(time.Duration) Ticker // defaults to time.NewTicker
	Now       func() time.Time           // defaults to time.Now
}

// State is the live view of the session.
type State struct {
	Tracking     bool      `json:"tracking"`
	Position     *gps.Fix  `json:"position,omitempty"`
	BaroAltitude *float64  `json:"baroAltitude,omitempty"` // Meters
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"startedAt"`
	Count        int       `json:"count"`
	DistanceKm   float64   `json:"distanceKm"`
	LastExport   string    `json:"lastExport,omitempty"`
}

func (s State) clone() State {
	if s.Position != nil {
		p := *s.Position
		s.Position = &p
	}
	if s.BaroAltitude != nil {
		a := *s.BaroAltitude
		s.BaroAltitude = &a
	}
	return s
}

// Update is sent to subscribers on every state change. Measurement is
// set when the change was a new record.
type Update struct {
	State       State              `json:"state"`
	Measurement *track.Measurement `json:"measurement,omitempty"`
}

// Controller is the Idle/Tracking state machine.
type Controller struct {
	opts Options
	log  *track.Log

	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      State
	gen        uint64 // Session counter, fences off late fetches
	cancel     context.CancelFunc
	baroActive bool
	wg         sync.WaitGroup // Scheduler and barometer goroutines

	listenersMu sync.Mutex
	listeners   map[chan Update]struct{}
}

// New creates an idle Controller.
func New(opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NewTicker == nil {
		opts.NewTicker = newTimeTicker
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		opts:      opts,
		log:       track.NewLog(),
		state:     State{Status: "Ready"},
		listeners: make(map[chan Update]struct{}),
	}
}

// State returns a copy of the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Measurements returns the log of the current (or last) session.
func (c *Controller) Measurements() []track.Measurement {
	return c.log.Snapshot()
}

// Start begins a session. It is a no-op while already tracking.
func (c *Controller) Start() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state.Tracking {
		c.mu.Unlock()
		return
	}
	c.log.Reset()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = State{
		Tracking:  true,
		Status:    "Tracking started",
		StartedAt: c.opts.Now(),
	}
	c.mu.Unlock()

	log.Printf("[session] tracking started (every %v, location: %s)", c.opts.Interval, c.opts.Location.Name())
	c.notify(nil)

	c.wg.Add(1)
	go c.schedule(ctx, gen)
	c.startBarometer(ctx, gen)
}

// Stop ends the session and exports it. It returns the written file path,
// or "" when nothing was written. Calling Stop while idle does nothing.
func (c *Controller) Stop() (string, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.halt() {
		return "", nil
	}
	c.setStatus("Tracking stopped")
	log.Printf("[session] tracking stopped")

	c.mu.Lock()
	startedAt := c.state.StartedAt
	c.mu.Unlock()

	path, err := c.opts.Exporter.Export(startedAt, c.opts.Now(), c.log.Snapshot())
	switch {
	case err != nil:
		log.Printf("[session] export failed: %v", err)
		c.setStatus(fmt.Sprintf("Error saving GPX file: %v", err))
	case path != "":
		c.mu.Lock()
		c.state.LastExport = path
		c.mu.Unlock()
		c.setStatus("GPX file saved: " + path)
	}
	return path, err
}

// Close releases the timer and the barometer subscription without
// exporting. Safe to call in any state.
func (c *Controller) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.halt() {
		log.Printf("[session] closed while tracking, session discarded")
		c.notify(nil)
	}
}

// halt leaves the Tracking state and waits for the scheduler and the
// barometer consumer to exit. In-flight fetches are cancelled through the
// session context and fenced off by the generation check in record.
func (c *Controller) halt() bool {
	c.mu.Lock()
	if !c.state.Tracking {
		c.mu.Unlock()
		return false
	}
	c.state.Tracking = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	return true
}

// Subscribe returns a channel receiving every state change. Slow
// subscribers miss updates rather than block the session.
func (c *Controller) Subscribe() chan Update {
	ch := make(chan Update, 16)
	c.listenersMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenersMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (c *Controller) Unsubscribe(ch chan Update) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	if _, ok := c.listeners[ch]; ok {
		delete(c.listeners, ch)
		close(ch)
	}
}

func (c *Controller) notify(m *track.Measurement) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.deliverLocked(m)
}

// deliverLocked snapshots the state and fans it out. Holding listenersMu
// across both keeps subscribers seeing snapshots in the order they were
// taken.
func (c *Controller) deliverLocked(m *track.Measurement) {
	u := Update{State: c.State(), Measurement: m}
	for ch := range c.listeners {
		select {
		case ch <- u:
		default:
			// Subscriber too slow, skip
		}
	}
}

func (c *Controller) setStatus(status string) {
	c.mu.Lock()
	c.state.Status = status
	c.mu.Unlock()
	c.notify(nil)
}

// setSessionStatus updates the status only while session gen is active,
// so a fetch finishing late cannot overwrite the export result.
func (c *Controller) setSessionStatus(gen uint64, status string) {
	c.mu.Lock()
	if !c.state.Tracking || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state.Status = status
	c.mu.Unlock()
	c.notify(nil)
}
