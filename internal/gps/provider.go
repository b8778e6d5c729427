package gps

import (
	"context"
	"time"
)

// Permission is the outcome of a location permission check.
type Permission int

const (
	PermissionDenied Permission = iota
	PermissionGranted
	PermissionDeniedForever
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDeniedForever:
		return "denied forever"
	default:
		return "denied"
	}
}

// Provider is the interface for location sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error

	// ServiceEnabled reports whether the underlying location service is
	// available at all (device present, broker reachable).
	ServiceEnabled() bool
	CheckPermission() Permission
	// RequestPermission tries to obtain access and returns the new state.
	RequestPermission() Permission
	// CurrentPosition blocks until a fresh fix is available or ctx ends.
	CurrentPosition(ctx context.Context) (*Fix, error)
}

// Fix holds a single position fix.
type Fix struct {
	Latitude   float64   `json:"latitude"`   // Decimal degrees
	Longitude  float64   `json:"longitude"`  // Decimal degrees
	Altitude   float64   `json:"altitude"`   // Meters
	Satellites int       `json:"satellites"` // Sats in use
	HDOP       float64   `json:"hdop"`       // Horizontal dilution
	Time       time.Time `json:"time"`       // Receive time
}
