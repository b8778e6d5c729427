package baro

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Subscriber is the part of an MQTT connection the stream needs.
type Subscriber interface {
	Subscribe(topic string, fn func(payload []byte)) error
	Unsubscribe(topic string) error
}

// MQTTStream takes environment samples published by a remote BMP producer.
type MQTTStream struct {
	conn  Subscriber
	topic string
}

// envPayload is the JSON published on the sample topic.
type envPayload struct {
	Source      string   `json:"source"`
	Temperature float64  `json:"temp_c"`
	PressurePa  *float64 `json:"pressure_pa"`
	PressureHPa *float64 `json:"pressure_hpa"`
}

func NewMQTTStream(conn Subscriber, topic string) *MQTTStream {
	if topic == "" {
		topic = "inertial/bmp/left"
	}
	return &MQTTStream{conn: conn, topic: topic}
}

func (m *MQTTStream) Name() string { return "MQTT barometer (" + m.topic + ")" }

func (m *MQTTStream) Stream(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 8)
	var (
		mu     sync.Mutex
		closed bool
	)

	deliver := func(payload []byte) {
		ev := Event{}
		r, err := decodeEnv(payload, time.Now())
		if err != nil {
			ev.Err = err
		} else {
			ev.Reading = r
		}

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	if err := m.conn.Subscribe(m.topic, deliver); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		if err := m.conn.Unsubscribe(m.topic); err != nil {
			log.Printf("[baro] unsubscribe %s: %v", m.topic, err)
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func decodeEnv(payload []byte, at time.Time) (Reading, error) {
	var p envPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Reading{}, fmt.Errorf("baro: unmarshal sample: %w", err)
	}
	switch {
	case p.PressureHPa != nil:
		return Reading{Pressure: *p.PressureHPa, Time: at}, nil
	case p.PressurePa != nil:
		return Reading{Pressure: *p.PressurePa / 100.0, Time: at}, nil
	default:
		return Reading{}, fmt.Errorf("baro: sample without pressure")
	}
}
