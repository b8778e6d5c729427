package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/barotrack/internal/broker"
)

// Config holds all application configuration.
type Config struct {
	mu sync.RWMutex

	Session   SessionConfig   `yaml:"session" json:"session"`
	GPS       GPSConfig       `yaml:"gps" json:"gps"`
	Barometer BarometerConfig `yaml:"barometer" json:"barometer"`
	MQTT      broker.Config   `yaml:"mqtt" json:"mqtt"`
	Export    ExportConfig    `yaml:"export" json:"export"`
	Server    ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SessionConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"intervalMs"` // Sampling period
}

type GPSConfig struct {
	Type     string `yaml:"type" json:"type"`          // "nmea", "mqtt" or "demo"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	Topic    string `yaml:"topic" json:"topic"` // MQTT fix topic
}

type BarometerConfig struct {
	Type       string `yaml:"type" json:"type"`     // "bmx280", "mqtt", "demo" or "disabled"
	Bus        string `yaml:"bus" json:"bus"`       // "i2c" or "spi"
	Device     string `yaml:"device" json:"device"` // periph bus name, empty for the default
	Address    uint16 `yaml:"address" json:"address"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	Topic      string `yaml:"topic" json:"topic"` // MQTT sample topic
}

type ExportConfig struct {
	Dir     string `yaml:"dir" json:"dir"` // Application document directory
	Creator string `yaml:"creator" json:"creator"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			IntervalMs: 5000,
		},
		GPS: GPSConfig{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
			Topic:    "inertial/gps",
		},
		Barometer: BarometerConfig{
			Type:       "demo",
			Bus:        "i2c",
			Address:    0x76,
			IntervalMs: 1000,
			Topic:      "inertial/bmp/left",
		},
		MQTT: broker.Config{
			Broker:   "tcp://localhost:1883",
			ClientID: "barotrack",
		},
		Export: ExportConfig{
			Dir:     defaultDocumentsDir(),
			Creator: "barotrack",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

func defaultDocumentsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tracks"
	}
	return filepath.Join(home, "Documents", "barotrack")
}

// Interval returns the sampling period.
func (c *Config) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Session.IntervalMs) * time.Millisecond
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD.
	// Real env takes precedence over both.
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := godotenv.Load(ep); err == nil {
			log.Printf("[config] loaded .env from %s", ep)
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_TYPE, GPS_PORT, GPS_BAUD, BARO_TYPE, BARO_BUS, BARO_DEVICE,
// MQTT_BROKER, EXPORT_DIR, SAMPLE_INTERVAL_MS, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("BARO_TYPE"); v != "" {
		c.Barometer.Type = v
	}
	if v := os.Getenv("BARO_BUS"); v != "" {
		c.Barometer.Bus = v
	}
	if v := os.Getenv("BARO_DEVICE"); v != "" {
		c.Barometer.Device = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("EXPORT_DIR"); v != "" {
		c.Export.Dir = v
	}
	if v := os.Getenv("SAMPLE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Session.IntervalMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config: no file path")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
