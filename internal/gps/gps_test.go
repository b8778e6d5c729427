package gps

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"
)

const (
	ggaValid  = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	ggaNoFix  = "$GPGGA,123518,0000.000,N,00000.000,E,0,00,,,M,,M,,*51"
	rmcValid  = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	ggaBadSum = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00"
	ggaLater  = "$GPGGA,123524,4807.100,N,01131.200,E,1,08,0.9,550.0,M,46.9,M,,*41"
)

func TestReadFixSkipsUntilValidGGA(t *testing.T) {
	input := strings.Join([]string{"garbage", ggaBadSum, ggaNoFix, rmcValid, ggaValid, ""}, "\r\n")
	fix, err := readFix(context.Background(), &lineReader{r: strings.NewReader(input)})
	if err != nil {
		t.Fatalf("readFix: %v", err)
	}
	if math.Abs(fix.Latitude-48.1173) > 1e-4 {
		t.Fatalf("unexpected latitude %v", fix.Latitude)
	}
	if math.Abs(fix.Longitude-11.516667) > 1e-4 {
		t.Fatalf("unexpected longitude %v", fix.Longitude)
	}
	if fix.Altitude != 545.4 {
		t.Fatalf("unexpected altitude %v", fix.Altitude)
	}
	if fix.Satellites != 8 || fix.HDOP != 0.9 {
		t.Fatalf("unexpected quality %d / %v", fix.Satellites, fix.HDOP)
	}
}

func TestReadFixEOFWithoutFix(t *testing.T) {
	input := ggaNoFix + "\r\n"
	_, err := readFix(context.Background(), &lineReader{r: strings.NewReader(input)})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

// emptyReader mimics a serial port hitting its read timeout.
type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

func TestReadFixHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := readFix(ctx, &lineReader{r: emptyReader{}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNMEAPermissionBeforeConnect(t *testing.T) {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/does-not-exist-gps"})
	if n.ServiceEnabled() {
		t.Fatalf("missing device must disable the service")
	}
	if p := n.CheckPermission(); p != PermissionDenied {
		t.Fatalf("expected denied, got %v", p)
	}
	if _, err := n.CurrentPosition(context.Background()); err == nil {
		t.Fatalf("expected error when not connected")
	}
}

// attachPipe feeds the provider from a pipe instead of a serial port.
func attachPipe(t *testing.T) (*NMEAProvider, *io.PipeWriter) {
	t.Helper()
	pr, pw := io.Pipe()
	n := NewNMEA(NMEAConfig{PortPath: "/dev/null"})
	n.mu.Lock()
	n.attachLocked(pr)
	n.mu.Unlock()
	t.Cleanup(func() {
		pw.Close()
		n.Close()
	})
	return n, pw
}

func waitWaiters(t *testing.T, n *NMEAProvider, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		n.mu.Lock()
		got := len(n.waiters)
		n.mu.Unlock()
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d waiters, got %d", want, got)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNMEAProviderSkipsBacklog(t *testing.T) {
	n, pw := attachPipe(t)

	// Queued before anyone asked; the second write only completes once the
	// reader has consumed the first sentence.
	if _, err := io.WriteString(pw, ggaValid+"\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := io.WriteString(pw, "noise\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	type result struct {
		fix *Fix
		err error
	}
	done := make(chan result, 1)
	go func() {
		fix, err := n.CurrentPosition(context.Background())
		done <- result{fix, err}
	}()
	waitWaiters(t, n, 1)

	go io.WriteString(pw, ggaLater+"\r\n")
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("CurrentPosition: %v", r.err)
		}
		if r.fix.Altitude != 550.0 {
			t.Fatalf("got stale fix at %v m", r.fix.Altitude)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fix delivered")
	}
}

func TestNMEAProviderConcurrentCallers(t *testing.T) {
	n, pw := attachPipe(t)

	done := make(chan *Fix, 2)
	for i := 0; i < 2; i++ {
		go func() {
			fix, _ := n.CurrentPosition(context.Background())
			done <- fix
		}()
	}
	waitWaiters(t, n, 2)

	// A pending read must not block permission checks.
	if p := n.CheckPermission(); p != PermissionGranted {
		t.Fatalf("expected granted while reading, got %v", p)
	}

	go io.WriteString(pw, ggaValid+"\r\n")
	for i := 0; i < 2; i++ {
		select {
		case fix := <-done:
			if fix == nil || fix.Altitude != 545.4 {
				t.Fatalf("unexpected fix %+v", fix)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("caller %d got no fix", i)
		}
	}
}

func TestNMEAProviderReleasesFailedPort(t *testing.T) {
	n, pw := attachPipe(t)

	done := make(chan error, 1)
	go func() {
		_, err := n.CurrentPosition(context.Background())
		done <- err
	}()
	waitWaiters(t, n, 1)

	pw.Close()
	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not released")
	}
	if p := n.CheckPermission(); p != PermissionDenied {
		t.Fatalf("expected denied after port loss, got %v", p)
	}
}

type fakeSubscriber struct {
	fn        func([]byte)
	connected bool
}

func (f *fakeSubscriber) Subscribe(topic string, fn func([]byte)) error {
	f.fn = fn
	f.connected = true
	return nil
}
func (f *fakeSubscriber) Unsubscribe(topic string) error { f.fn = nil; return nil }
func (f *fakeSubscriber) Connected() bool                { return f.connected }

func TestMQTTProviderDeliversNextValidFix(t *testing.T) {
	sub := &fakeSubscriber{}
	p := NewMQTT(sub, "")
	if p.CheckPermission() != PermissionDenied {
		t.Fatalf("expected denied before subscribing")
	}
	if p.RequestPermission() != PermissionGranted {
		t.Fatalf("expected granted after subscribing")
	}
	if !p.ServiceEnabled() {
		t.Fatalf("expected service enabled")
	}

	done := make(chan *Fix, 1)
	go func() {
		fix, err := p.CurrentPosition(context.Background())
		if err != nil {
			t.Errorf("CurrentPosition: %v", err)
		}
		done <- fix
	}()

	deadline := time.After(time.Second)
	for {
		p.mu.Lock()
		n := len(p.waiters)
		p.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("waiter never registered")
		case <-time.After(time.Millisecond):
		}
	}

	sub.fn([]byte(`{"lat":52.52,"lon":13.405,"validity":"V"}`))
	sub.fn([]byte(`not json`))
	sub.fn([]byte(`{"lat":52.52,"lon":13.405,"alt_m":34.5,"validity":"A"}`))

	select {
	case fix := <-done:
		if fix == nil || fix.Latitude != 52.52 || fix.Longitude != 13.405 || fix.Altitude != 34.5 {
			t.Fatalf("unexpected fix %+v", fix)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for fix")
	}
}

func TestMQTTProviderCancel(t *testing.T) {
	p := NewMQTT(&fakeSubscriber{}, "gps")
	if err := p.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.CurrentPosition(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if len(p.waiters) != 0 {
		t.Fatalf("cancelled waiter must be dropped")
	}
}

func TestDemoGPS(t *testing.T) {
	d := NewDemoGPS()
	d.Latency = 0
	fix, err := d.CurrentPosition(context.Background())
	if err != nil {
		t.Fatalf("demo: %v", err)
	}
	if math.Abs(fix.Latitude-52.52) > 0.01 || math.Abs(fix.Longitude-13.405) > 0.01 {
		t.Fatalf("demo fix out of range: %+v", fix)
	}
}
