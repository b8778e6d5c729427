package session

import (
	"context"
	"log"

	"github.com/shaunagostinho/barotrack/internal/altitude"
	"github.com/shaunagostinho/barotrack/internal/baro"
)

// startBarometer subscribes to the barometer unless there is none or a
// subscription is already running. Opening the stream may dial a broker
// or scan a bus, so it happens on the consumer goroutine.
func (c *Controller) startBarometer(ctx context.Context, gen uint64) {
	if c.opts.Barometer == nil {
		return
	}

	c.mu.Lock()
	if c.baroActive {
		c.mu.Unlock()
		return
	}
	c.baroActive = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runBarometer(ctx, gen)
}

type openedStream struct {
	events <-chan baro.Event
	err    error
}

// runBarometer opens the stream and consumes it. Cancellation abandons an
// open still in progress; streams release themselves once ctx is done.
func (c *Controller) runBarometer(ctx context.Context, gen uint64) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.baroActive = false
		c.mu.Unlock()
	}()

	opened := make(chan openedStream, 1)
	go func() {
		events, err := c.opts.Barometer.Stream(ctx)
		opened <- openedStream{events: events, err: err}
	}()

	var events <-chan baro.Event
	select {
	case <-ctx.Done():
		return
	case o := <-opened:
		if o.err != nil {
			log.Printf("[session] barometer: %v", o.err)
			c.setSessionStatus(gen, "Barometer error: "+o.err.Error())
			return
		}
		events = o.events
	}
	c.consumeBarometer(ctx, gen, events)
}

// consumeBarometer overwrites the latest barometric altitude with every
// reading. Errors only surface in the status; the stream is not restarted.
func (c *Controller) consumeBarometer(ctx context.Context, gen uint64, events <-chan baro.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				log.Printf("[session] barometer: %v", ev.Err)
				c.setSessionStatus(gen, "Barometer error: "+ev.Err.Error())
				continue
			}

			alt := altitude.FromPressure(ev.Reading.Pressure)
			c.mu.Lock()
			if !c.state.Tracking || c.gen != gen {
				c.mu.Unlock()
				return
			}
			c.state.BaroAltitude = &alt
			c.mu.Unlock()
			c.notify(nil)
		}
	}
}
