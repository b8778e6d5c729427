// Package broker holds the MQTT connection shared by the MQTT-backed
// location and barometer sources.
package broker

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds MQTT connection settings.
type Config struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"clientId"`
}

// Conn is a lazily connected MQTT client. Subscriptions are remembered
// and restored whenever the client reconnects.
type Conn struct {
	cfg Config

	mu     sync.Mutex
	client mqtt.Client
	subs   map[string]func(payload []byte)
}

// New creates a Conn. Nothing is dialed until the first Subscribe.
func New(cfg Config) *Conn {
	if cfg.Broker == "" {
		cfg.Broker = "tcp://localhost:1883"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "barotrack"
	}
	return &Conn{cfg: cfg, subs: make(map[string]func([]byte))}
}

func (c *Conn) connect() (mqtt.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(c.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("[mqtt] connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", c.cfg.Broker, token.Error())
	}
	log.Printf("[mqtt] connected to broker at %s", c.cfg.Broker)
	c.client = client
	return client, nil
}

// Connected reports whether the client is currently connected.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// Subscribe connects if needed and delivers each payload on topic to fn.
func (c *Conn) Subscribe(topic string, fn func(payload []byte)) error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	if err := subscribe(client, topic, fn); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = fn
	c.mu.Unlock()
	log.Printf("[mqtt] subscribed to %s", topic)
	return nil
}

func subscribe(client mqtt.Client, topic string, fn func(payload []byte)) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// resubscribe runs on every connect. A clean session drops the broker side
// subscriptions, so the remembered topics are subscribed again.
func (c *Conn) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]func([]byte), len(c.subs))
	for topic, fn := range c.subs {
		subs[topic] = fn
	}
	c.mu.Unlock()

	for topic, fn := range subs {
		if err := subscribe(client, topic, fn); err != nil {
			log.Printf("[mqtt] %v", err)
			continue
		}
		log.Printf("[mqtt] resubscribed to %s", topic)
	}
}

// Unsubscribe stops deliveries for topic.
func (c *Conn) Unsubscribe(topic string) error {
	c.mu.Lock()
	client := c.client
	delete(c.subs, topic)
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	token := client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

// Close disconnects the client.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Disconnect(250)
		c.client = nil
	}
}
