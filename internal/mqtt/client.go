// Package mqtt connects the bridge to the broker and publishes Home Assistant
// discovery configs, entity states, and availability for each device entry.
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

// Availability payloads understood by Home Assistant.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// MessageHandler receives messages from a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Publisher is the broker surface the entity bridge publishes through.
// Implemented by Conn; MockBroker covers tests.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	BaseTopic() string
	DiscoveryPrefix() string
}

// Options configure the broker connection and topic layout.
type Options struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	BaseTopic       string
	DiscoveryPrefix string
}

// Conn wraps the paho client with the bridge's conventions: QoS 0, a retained
// offline will on the bridge availability topic, automatic reconnect, and a
// connect hook so discovery configs and subscriptions survive broker restarts.
type Conn struct {
	opts      Options
	logger    *zap.Logger
	client    paho.Client
	onConnect func()
}

// NewConn creates an unconnected broker connection.
func NewConn(opts Options, logger *zap.Logger) *Conn {
	if opts.ClientID == "" {
		opts.ClientID = "xtoolbridge"
	}
	if opts.BaseTopic == "" {
		opts.BaseTopic = "xtoolbridge"
	}
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	return &Conn{
		opts:   opts,
		logger: logger.Named("mqtt"),
	}
}

// SetConnectListener registers a hook run on every (re)connect, after the
// bridge availability goes online. Set before Connect.
func (c *Conn) SetConnectListener(fn func()) {
	c.onConnect = fn
}

// BridgeAvailabilityTopic is the LWT topic announcing daemon liveness.
func (c *Conn) BridgeAvailabilityTopic() string {
	return c.opts.BaseTopic + "/bridge/availability"
}

// Connect dials the broker and blocks until the first connection completes.
func (c *Conn) Connect() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.opts.Broker)
	opts.SetUsername(c.opts.Username)
	opts.SetPassword(c.opts.Password)
	opts.SetClientID(c.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(c.BridgeAvailabilityTopic(), PayloadOffline, 0, true)

	opts.SetOnConnectHandler(func(client paho.Client) {
		c.logger.Info("Connected to MQTT broker", zap.String("broker", c.opts.Broker))
		client.Publish(c.BridgeAvailabilityTopic(), 0, true, PayloadOnline)
		if c.onConnect != nil {
			c.onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	c.client = paho.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

// Disconnect announces offline and drops the connection.
func (c *Conn) Disconnect() {
	if c.client == nil || !c.client.IsConnected() {
		return
	}
	token := c.client.Publish(c.BridgeAvailabilityTopic(), 0, true, PayloadOffline)
	token.Wait()
	c.client.Disconnect(250)
	c.logger.Info("Disconnected from MQTT broker")
}

// IsConnected reports whether the broker link is up.
func (c *Conn) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Conn) Publish(topic string, retained bool, payload []byte) error {
	token := c.client.Publish(topic, 0, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Conn) Subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Conn) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Conn) BaseTopic() string {
	return c.opts.BaseTopic
}

func (c *Conn) DiscoveryPrefix() string {
	return c.opts.DiscoveryPrefix
}
