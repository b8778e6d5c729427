package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"github.com/shaunagostinho/barotrack/internal/baro"
	"github.com/shaunagostinho/barotrack/internal/gps"
	"github.com/shaunagostinho/barotrack/internal/session"
	"github.com/shaunagostinho/barotrack/internal/track"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Controller, afero.Fs) {
	ts, _, ctrl, fs := newTestServerWith(t)
	return ts, ctrl, fs
}

func newTestServerWith(t *testing.T) (*httptest.Server, *Server, *session.Controller, afero.Fs) {
	t.Helper()
	loc := gps.NewDemoGPS()
	loc.Latency = 0
	fs := afero.NewMemMapFs()
	ctrl := session.New(session.Options{
		Interval:  10 * time.Millisecond,
		Location:  loc,
		Barometer: &baro.DemoStream{Interval: 5 * time.Millisecond},
		Exporter:  &track.Exporter{FS: fs, Dir: "/docs"},
	})
	web := fstest.MapFS{"index.html": &fstest.MapFile{Data: []byte("<html>barotrack</html>")}}
	srv := New(DefaultConfig(), ctrl, web)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctrl.Close()
	})
	return ts, srv, ctrl, fs
}

func post(t *testing.T, url string) sessionResponse {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post %s: status %d", url, resp.StatusCode)
	}
	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts, ctrl, fs := newTestServer(t)

	out := post(t, ts.URL+"/api/session/start")
	if !out.State.Tracking {
		t.Fatalf("expected tracking after start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(ctrl.Measurements()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no measurements recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(ts.URL + "/api/session")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var current sessionResponse
	json.NewDecoder(resp.Body).Decode(&current)
	resp.Body.Close()
	if len(current.Measurements) < 2 || current.State.Count < 2 {
		t.Fatalf("unexpected session %+v", current.State)
	}

	out = post(t, ts.URL+"/api/session/stop")
	if out.State.Tracking || out.Path == "" {
		t.Fatalf("unexpected stop response %+v", out)
	}
	if !strings.HasPrefix(out.State.Status, "GPX file saved: ") {
		t.Fatalf("unexpected status %q", out.State.Status)
	}
	if ok, _ := afero.Exists(fs, out.Path); !ok {
		t.Fatalf("export %s not written", out.Path)
	}

	// Stopping again is a no-op.
	if again := post(t, ts.URL+"/api/session/stop"); again.Path != "" {
		t.Fatalf("second stop exported %s", again.Path)
	}
}

func TestMeasurementDownloads(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/session/measurements.csv")
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/csv" {
		t.Fatalf("unexpected csv response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp, err = http.Get(ts.URL + "/api/session/measurements.xlsx")
	if err != nil {
		t.Fatalf("xlsx: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected xlsx status %d", resp.StatusCode)
	}
}

func TestWebSocketFrames(t *testing.T) {
	ts, srv, ctrl, _ := newTestServerWith(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var initial Frame
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("initial frame: %v", err)
	}
	if initial.State.Tracking || initial.State.Status != "Ready" {
		t.Fatalf("unexpected initial frame %+v", initial.State)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := ctrl.Subscribe()
	defer ctrl.Unsubscribe(updates)
	go srv.pump(ctx, updates)

	ctrl.Start()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("no measurement frame: %v", err)
		}
		if f.Measurement != nil {
			if !f.State.Tracking || f.State.Count < 1 {
				t.Fatalf("measurement frame with stale state %+v", f.State)
			}
			return
		}
	}
}

func TestIndexServed(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestConfigDefaultsAndEnv(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval() != 5*time.Second {
		t.Fatalf("expected 5s default interval, got %v", cfg.Interval())
	}
	if cfg.GPS.Type != "demo" || cfg.Barometer.Address != 0x76 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	t.Setenv("GPS_TYPE", "nmea")
	t.Setenv("GPS_BAUD", "38400")
	t.Setenv("BARO_TYPE", "disabled")
	t.Setenv("SAMPLE_INTERVAL_MS", "1000")
	t.Setenv("EXPORT_DIR", "/tmp/tracks")
	cfg = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.GPS.Type != "nmea" || cfg.GPS.BaudRate != 38400 {
		t.Fatalf("expected gps override, got %+v", cfg.GPS)
	}
	if cfg.Barometer.Type != "disabled" || cfg.Export.Dir != "/tmp/tracks" {
		t.Fatalf("expected overrides, got %+v / %+v", cfg.Barometer, cfg.Export)
	}
	if cfg.Interval() != time.Second {
		t.Fatalf("expected 1s interval, got %v", cfg.Interval())
	}
}

func TestConfigYAMLAndSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := "session:\n  interval_ms: 2000\ngps:\n  type: mqtt\n  topic: car/gps\nbarometer:\n  type: bmx280\n  bus: spi\n"
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := LoadConfig(path)
	if cfg.Interval() != 2*time.Second || cfg.GPS.Type != "mqtt" || cfg.GPS.Topic != "car/gps" {
		t.Fatalf("yaml not applied: %+v", cfg.GPS)
	}
	if cfg.Barometer.Bus != "spi" || cfg.Barometer.IntervalMs != 1000 {
		t.Fatalf("defaults must survive partial yaml: %+v", cfg.Barometer)
	}

	if err := cfg.UpdateFromJSON([]byte(`{"session":{"intervalMs":3000}}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.Interval() != 3*time.Second || cfg.GPS.Topic != "car/gps" {
		t.Fatalf("partial update lost fields: %+v", cfg)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if reloaded := LoadConfig(path); reloaded.Interval() != 3*time.Second {
		t.Fatalf("saved config not reloaded, got %v", reloaded.Interval())
	}
}

func TestConfigEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/config")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["session"]; !ok {
		t.Fatalf("missing session section: %v", body)
	}
}
