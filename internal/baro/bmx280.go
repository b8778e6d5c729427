package baro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"
)

// BMX280Config selects the sensor wiring.
type BMX280Config struct {
	Bus        string `yaml:"bus" json:"bus"`         // "i2c" or "spi"
	Device     string `yaml:"device" json:"device"`   // Bus name, empty for the first one
	Address    uint16 `yaml:"address" json:"address"` // I2C address, 0x76 or 0x77
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// BMX280 streams pressure from a Bosch BMP280/BME280 via periph.
type BMX280 struct {
	cfg      BMX280Config
	interval time.Duration
}

// NewBMX280 creates a BMX280 stream.
func NewBMX280(cfg BMX280Config) *BMX280 {
	if cfg.Bus == "" {
		cfg.Bus = "i2c"
	}
	if cfg.Address == 0 {
		cfg.Address = 0x76
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 100*time.Millisecond {
		interval = time.Second
	}
	return &BMX280{cfg: cfg, interval: interval}
}

func (b *BMX280) Name() string {
	if strings.EqualFold(b.cfg.Bus, "spi") {
		return fmt.Sprintf("BMx280 (spi %s)", b.cfg.Device)
	}
	return fmt.Sprintf("BMx280 (i2c %s 0x%02x)", b.cfg.Device, b.cfg.Address)
}

func (b *BMX280) open() (*bmxx80.Dev, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("baro: periph host init: %w", err)
	}
	opts := bmxx80.DefaultOpts

	if strings.EqualFold(b.cfg.Bus, "spi") {
		port, err := spireg.Open(b.cfg.Device)
		if err != nil {
			return nil, nil, fmt.Errorf("baro: SPI open %q: %w", b.cfg.Device, err)
		}
		dev, err := bmxx80.NewSPI(port, &opts)
		if err != nil {
			port.Close()
			return nil, nil, fmt.Errorf("baro: init: %w", err)
		}
		return dev, port, nil
	}

	bus, err := i2creg.Open(b.cfg.Device)
	if err != nil {
		return nil, nil, fmt.Errorf("baro: I2C open %q: %w", b.cfg.Device, err)
	}
	dev, err := bmxx80.NewI2C(bus, b.cfg.Address, &opts)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("baro: init: %w", err)
	}
	return dev, bus, nil
}

func (b *BMX280) Stream(ctx context.Context) (<-chan Event, error) {
	dev, closer, err := b.open()
	if err != nil {
		return nil, err
	}
	envs, err := dev.SenseContinuous(b.interval)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("baro: sense continuous: %w", err)
	}
	log.Printf("[baro] %s streaming every %v", b.Name(), b.interval)

	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer closer.Close()
		defer dev.Halt()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-envs:
				if !ok {
					send(ctx, out, Event{Err: errors.New("baro: sensor stream closed")})
					return
				}
				if !send(ctx, out, Event{Reading: envReading(e, time.Now())}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func envReading(e physic.Env, at time.Time) Reading {
	pressurePa := float64(e.Pressure) / float64(physic.Pascal)
	return Reading{
		Pressure: pressurePa / 100.0, // 1 hPa = 100 Pa
		Time:     at,
	}
}
