package gps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
)

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS.
// Compatible with u-blox NEO-M8N and any standard NMEA GPS.
//
// Once connected a background goroutine drains the port continuously, so
// the receiver backlog never grows stale. CurrentPosition waits for the
// next valid fix parsed after the call.
type NMEAProvider struct {
	portPath string
	baudRate int

	mu      sync.Mutex
	port    io.Closer
	cancel  context.CancelFunc
	openErr error
	waiters []chan fixResult
}

type fixResult struct {
	fix *Fix
	err error
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) Connect() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		n.openErr = err
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}
	port.SetReadTimeout(200 * time.Millisecond)
	port.ResetInputBuffer()
	n.openErr = nil
	n.attachLocked(port)
	log.Printf("[gps] connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

// attachLocked starts the reader on rc. n.mu must be held.
func (n *NMEAProvider) attachLocked(rc io.ReadCloser) {
	ctx, cancel := context.WithCancel(context.Background())
	n.port = rc
	n.cancel = cancel
	go n.readLoop(ctx, rc)
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	port, cancel := n.port, n.cancel
	n.port, n.cancel = nil, nil
	n.mu.Unlock()

	if port == nil {
		return nil
	}
	cancel()
	return port.Close()
}

// readLoop parses fixes until the port fails or the provider is closed.
// A failed port is released so the next permission request reopens it.
func (n *NMEAProvider) readLoop(ctx context.Context, rc io.ReadCloser) {
	lr := &lineReader{r: rc}
	for {
		fix, err := readFix(ctx, lr)
		if err != nil {
			n.detach(rc, err)
			return
		}
		n.publish(fixResult{fix: fix})
	}
}

func (n *NMEAProvider) detach(rc io.ReadCloser, err error) {
	n.mu.Lock()
	current := n.port == rc
	if current {
		n.port, n.cancel = nil, nil
	}
	n.mu.Unlock()

	if current {
		log.Printf("[gps] %v, port released", err)
		rc.Close()
	}
	n.publish(fixResult{err: err})
}

func (n *NMEAProvider) publish(r fixResult) {
	n.mu.Lock()
	waiters := n.waiters
	n.waiters = nil
	n.mu.Unlock()

	for _, w := range waiters {
		if r.fix != nil {
			f := *r.fix
			w <- fixResult{fix: &f}
			continue
		}
		w <- r
	}
}

// ServiceEnabled reports whether the serial device node exists.
func (n *NMEAProvider) ServiceEnabled() bool {
	_, err := os.Stat(n.portPath)
	return err == nil
}

// CheckPermission is granted once the port is open. A previous open that
// failed on access rights is reported as denied forever.
func (n *NMEAProvider) CheckPermission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.port != nil {
		return PermissionGranted
	}
	if isPermissionError(n.openErr) {
		return PermissionDeniedForever
	}
	return PermissionDenied
}

// RequestPermission opens the port.
func (n *NMEAProvider) RequestPermission() Permission {
	if err := n.Connect(); err != nil {
		log.Printf("[gps] %v", err)
	}
	return n.CheckPermission()
}

// CurrentPosition waits for the next valid GGA fix read after the call.
// Concurrent callers wait independently and each get the same fix.
func (n *NMEAProvider) CurrentPosition(ctx context.Context) (*Fix, error) {
	ch := make(chan fixResult, 1)
	n.mu.Lock()
	if n.port == nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("gps: not connected")
	}
	n.waiters = append(n.waiters, ch)
	n.mu.Unlock()

	select {
	case r := <-ch:
		return r.fix, r.err
	case <-ctx.Done():
		n.dropWaiter(ch)
		return nil, ctx.Err()
	}
}

func (n *NMEAProvider) dropWaiter(ch chan fixResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, w := range n.waiters {
		if w == ch {
			n.waiters = append(n.waiters[:i], n.waiters[i+1:]...)
			return
		}
	}
}

func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	var perr *serial.PortError
	if errors.As(err, &perr) && perr.Code() == serial.PermissionDenied {
		return true
	}
	return errors.Is(err, fs.ErrPermission)
}

// readFix scans lines until a GGA sentence reports a usable fix.
// Sentences failing checksum or parse are skipped.
func readFix(ctx context.Context, lr *lineReader) (*Fix, error) {
	for {
		line, err := lr.next(ctx)
		if err != nil {
			return nil, fmt.Errorf("gps: read: %w", err)
		}
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			continue
		}
		if sentence.DataType() != nmea.TypeGGA {
			continue
		}
		gga := sentence.(nmea.GGA)
		if gga.FixQuality == nmea.Invalid || gga.FixQuality == "" {
			continue
		}
		return &Fix{
			Latitude:   gga.Latitude,
			Longitude:  gga.Longitude,
			Altitude:   gga.Altitude,
			Satellites: int(gga.NumSatellites),
			HDOP:       gga.HDOP,
			Time:       time.Now(),
		}, nil
	}
}

// lineReader splits a byte stream into lines. Unlike bufio it tolerates
// the empty reads a serial port returns on read timeout, which lets the
// caller observe ctx between reads.
type lineReader struct {
	r   io.Reader
	buf []byte
}

const maxLineLen = 4096

func (lr *lineReader) next(ctx context.Context) (string, error) {
	var chunk [256]byte
	for {
		if i := bytes.IndexByte(lr.buf, '\n'); i >= 0 {
			line := string(lr.buf[:i])
			lr.buf = lr.buf[i+1:]
			return strings.TrimSpace(line), nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := lr.r.Read(chunk[:])
		lr.buf = append(lr.buf, chunk[:n]...)
		if err != nil {
			return "", err
		}
		if len(lr.buf) > maxLineLen {
			lr.buf = lr.buf[:0] // Garbage on the line, resync
		}
	}
}
