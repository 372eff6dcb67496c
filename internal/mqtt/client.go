// Package mqtt wraps the paho client: a retained status topic with a last
// will, resubscription on every connect, and inbound messages delivered
// over a channel so that only the caller's goroutine touches them.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Client status values written to the status topic.
const (
	StatusConnected           = "connected"
	StatusDisconnectedClean   = "disconnected_clean"
	StatusDisconnectedUnclean = "disconnected_unclean"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt: operation timed out")

// Message is one inbound publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Options configures a Client.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// StatusTopic receives the retained client status. Empty disables it.
	StatusTopic  string
	SimpleStatus bool
	Version      string

	// Timeout bounds connect and subscribe acknowledgments, and how long a
	// publish is watched before it is reported as failed.
	Timeout time.Duration
	// InboxSize is the capacity of the inbound message channel.
	InboxSize int
}

// Client is safe for concurrent use.
type Client struct {
	opts   Options
	client paho.Client
	inbox  chan Message

	mu   sync.Mutex
	subs []string

	dropped rate.Sometimes
	failed  rate.Sometimes
}

// New builds a client. Nothing is sent until Connect.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}

	c := &Client{
		opts:    opts,
		inbox:   make(chan Message, opts.InboxSize),
		dropped: rate.Sometimes{Interval: 10 * time.Second},
		failed:  rate.Sometimes{Interval: 10 * time.Second},
	}

	po := paho.NewClientOptions()
	po.AddBroker(opts.Broker)
	po.SetClientID(opts.ClientID)
	po.SetUsername(opts.Username)
	po.SetPassword(opts.Password)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetOrderMatters(false)
	if opts.StatusTopic != "" {
		po.SetBinaryWill(opts.StatusTopic, c.statusPayload(StatusDisconnectedUnclean), opts.QoS, true)
	}
	po.SetOnConnectHandler(c.onConnect)
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Str("broker", opts.Broker).Msg("MQTT connection lost")
	})

	c.client = paho.NewClient(po)
	return c
}

func (c *Client) onConnect(pc paho.Client) {
	log.Info().Str("broker", c.opts.Broker).Str("client_id", c.opts.ClientID).Msg("Connected to MQTT")

	if c.opts.StatusTopic != "" {
		pc.Publish(c.opts.StatusTopic, c.opts.QoS, true, c.statusPayload(StatusConnected))
	}

	c.mu.Lock()
	subs := append([]string(nil), c.subs...)
	c.mu.Unlock()

	for _, t := range subs {
		// Waiting here would block paho's connect goroutine.
		pc.Subscribe(t, c.opts.QoS, c.deliver)
	}
}

func (c *Client) deliver(_ paho.Client, m paho.Message) {
	msg := Message{Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...)}
	select {
	case c.inbox <- msg:
	default:
		c.dropped.Do(func() {
			log.Warn().Str("topic", msg.Topic).Msg("Inbound MQTT queue full, dropping message")
		})
	}
}

// Connect starts the connection. With connect retry enabled paho keeps
// trying in the background, so a timeout here is not fatal.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.opts.Timeout):
		log.Warn().Str("broker", c.opts.Broker).Msg("MQTT broker not reachable yet, retrying in background")
		return nil
	}
}

// Subscribe registers topic now and on every reconnect.
func (c *Client) Subscribe(t string) error {
	c.mu.Lock()
	c.subs = append(c.subs, t)
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return wait(c.client.Subscribe(t, c.opts.QoS, c.deliver), c.opts.Timeout)
}

// Unsubscribe drops every registered topic.
func (c *Client) Unsubscribe() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	if len(subs) == 0 || !c.client.IsConnectionOpen() {
		return nil
	}
	return wait(c.client.Unsubscribe(subs...), c.opts.Timeout)
}

// Messages returns the inbound channel.
func (c *Client) Messages() <-chan Message {
	return c.inbox
}

// Publish hands payload to paho and returns without waiting for the
// broker. Failures are logged once the token settles.
func (c *Client) Publish(t string, payload []byte, retain bool) error {
	if !c.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: %w", t, paho.ErrNotConnected)
	}
	token := c.client.Publish(t, c.opts.QoS, retain, payload)
	go c.watch(t, token)
	return nil
}

func (c *Client) watch(t string, token paho.Token) {
	if err := wait(token, c.opts.Timeout); err != nil {
		c.failed.Do(func() {
			log.Warn().Err(err).Str("topic", t).Msg("MQTT publish failed")
		})
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect writes the clean-disconnect status and closes the connection.
func (c *Client) Disconnect() {
	if c.opts.StatusTopic != "" && c.client.IsConnectionOpen() {
		token := c.client.Publish(c.opts.StatusTopic, c.opts.QoS, true, c.statusPayload(StatusDisconnectedClean))
		if err := wait(token, c.opts.Timeout); err != nil {
			log.Warn().Err(err).Msg("Failed to publish disconnect status")
		}
	}
	c.client.Disconnect(250)
	log.Info().Msg("Disconnected from MQTT")
}

func (c *Client) statusPayload(status string) []byte {
	return StatusPayload(status, c.opts.SimpleStatus, c.opts.Version, c.opts.ClientID)
}

// StatusPayload renders a status message. Simple mode collapses both
// disconnect kinds into "disconnected".
func StatusPayload(status string, simple bool, version, clientID string) []byte {
	if simple {
		if status == StatusConnected {
			return []byte("connected")
		}
		return []byte("disconnected")
	}

	b, err := json.Marshal(struct {
		Status   string `json:"status"`
		Version  string `json:"version,omitempty"`
		ClientID string `json:"client_id"`
	}{status, version, clientID})
	if err != nil {
		return []byte(status)
	}
	return b
}

func wait(token paho.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}
