package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shaunagostinho/barotrack/internal/baro"
	"github.com/shaunagostinho/barotrack/internal/broker"
	"github.com/shaunagostinho/barotrack/internal/gps"
	"github.com/shaunagostinho/barotrack/internal/server"
)

// sources holds the configured location provider and barometer.
type sources struct {
	location  gps.Provider
	barometer baro.Stream // nil when disabled
	conn      *broker.Conn
}

func buildSources(cfg *server.Config) (*sources, error) {
	s := &sources{}

	// One broker connection is shared by every MQTT-backed source.
	mqttConn := func() *broker.Conn {
		if s.conn == nil {
			s.conn = broker.New(cfg.MQTT)
		}
		return s.conn
	}

	switch cfg.GPS.Type {
	case "nmea":
		s.location = gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.GPS.PortPath,
			BaudRate: cfg.GPS.BaudRate,
		})
	case "mqtt":
		s.location = gps.NewMQTT(mqttConn(), cfg.GPS.Topic)
	case "demo", "":
		s.location = gps.NewDemoGPS()
	default:
		return nil, fmt.Errorf("unknown gps type %q", cfg.GPS.Type)
	}

	switch cfg.Barometer.Type {
	case "bmx280":
		s.barometer = baro.NewBMX280(baro.BMX280Config{
			Bus:        cfg.Barometer.Bus,
			Device:     cfg.Barometer.Device,
			Address:    cfg.Barometer.Address,
			IntervalMs: cfg.Barometer.IntervalMs,
		})
	case "mqtt":
		s.barometer = baro.NewMQTTStream(mqttConn(), cfg.Barometer.Topic)
	case "demo", "":
		s.barometer = baro.NewDemoStream()
	case "disabled":
	default:
		return nil, fmt.Errorf("unknown barometer type %q", cfg.Barometer.Type)
	}

	log.Printf("[main] location: %s", s.location.Name())
	if s.barometer != nil {
		log.Printf("[main] barometer: %s", s.barometer.Name())
	} else {
		log.Println("[main] barometer disabled")
	}
	return s, nil
}

func (s *sources) close() {
	if err := s.location.Close(); err != nil {
		log.Printf("[main] close %s: %v", s.location.Name(), err)
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// connectable is satisfied by gps.Provider.
type connectable interface {
	Connect() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected (attempt %d)", name, attempt+1)
			return
		}
		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
