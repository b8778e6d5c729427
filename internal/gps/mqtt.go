package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Subscriber is the part of an MQTT connection the provider needs.
// broker.Conn implements it.
type Subscriber interface {
	Subscribe(topic string, fn func(payload []byte)) error
	Unsubscribe(topic string) error
	Connected() bool
}

// MQTTProvider takes fixes published by a remote GPS producer.
type MQTTProvider struct {
	conn  Subscriber
	topic string

	mu         sync.Mutex
	subscribed bool
	waiters    []chan *Fix
}

// fixPayload is the JSON published on the fix topic.
type fixPayload struct {
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lon"`
	Altitude  *float64 `json:"alt_m"`
	Validity  string   `json:"validity"` // "A" (valid) / "V" (void)
}

// NewMQTT creates a provider listening on topic.
func NewMQTT(conn Subscriber, topic string) *MQTTProvider {
	if topic == "" {
		topic = "inertial/gps"
	}
	return &MQTTProvider{conn: conn, topic: topic}
}

func (m *MQTTProvider) Name() string { return "MQTT GPS (" + m.topic + ")" }

func (m *MQTTProvider) Connect() error {
	m.mu.Lock()
	if m.subscribed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.conn.Subscribe(m.topic, m.handle); err != nil {
		return err
	}
	m.mu.Lock()
	m.subscribed = true
	m.mu.Unlock()
	return nil
}

func (m *MQTTProvider) Close() error {
	m.mu.Lock()
	m.subscribed = false
	m.mu.Unlock()
	return m.conn.Unsubscribe(m.topic)
}

func (m *MQTTProvider) ServiceEnabled() bool { return m.conn.Connected() }

func (m *MQTTProvider) CheckPermission() Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribed {
		return PermissionGranted
	}
	return PermissionDenied
}

func (m *MQTTProvider) RequestPermission() Permission {
	if err := m.Connect(); err != nil {
		log.Printf("[gps] %v", err)
	}
	return m.CheckPermission()
}

// CurrentPosition waits for the next valid fix published after the call.
func (m *MQTTProvider) CurrentPosition(ctx context.Context) (*Fix, error) {
	ch := make(chan *Fix, 1)
	m.mu.Lock()
	if !m.subscribed {
		m.mu.Unlock()
		return nil, fmt.Errorf("gps: not subscribed to %s", m.topic)
	}
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case fix := <-ch:
		return fix, nil
	case <-ctx.Done():
		m.dropWaiter(ch)
		return nil, ctx.Err()
	}
}

func (m *MQTTProvider) dropWaiter(ch chan *Fix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *MQTTProvider) handle(payload []byte) {
	fix, err := decodeFix(payload)
	if err != nil {
		log.Printf("[gps] MQTT payload: %v", err)
		return
	}
	if fix == nil {
		return
	}

	m.mu.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		f := *fix
		w <- &f
	}
}

// decodeFix returns nil without error for void fixes.
func decodeFix(payload []byte) (*Fix, error) {
	var p fixPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal fix: %w", err)
	}
	if p.Validity != "A" {
		return nil, nil
	}
	fix := &Fix{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Time:      time.Now(),
	}
	if p.Altitude != nil {
		fix.Altitude = *p.Altitude
	}
	return fix, nil
}
