// Package baro provides barometric pressure streams.
package baro

import (
	"context"
	"time"
)

// Reading is one pressure sample.
type Reading struct {
	Pressure float64   `json:"pressure"` // hPa
	Time     time.Time `json:"time"`
}

// Event carries either a Reading or a stream error.
type Event struct {
	Reading Reading
	Err     error
}

// Stream is a subscribable source of pressure readings.
type Stream interface {
	Name() string
	// Stream starts delivering events until ctx is done, then closes the
	// channel and releases the sensor.
	Stream(ctx context.Context) (<-chan Event, error)
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
