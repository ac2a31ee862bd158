// Package transport wraps paho.mqtt.golang into the two broker clients
// (primary and telemetry) the agent maintains concurrently, adding bounded
// exponential-backoff connect retries and an active liveness check backing
// Connected.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/cenkalti/backoff/v4"

	"github.com/iotali/device-agent/internal/errs"
	"github.com/iotali/device-agent/internal/logx"
)

// Handler is the callback invoked for messages on a subscribed topic.
type Handler func(topic string, payload []byte)

// Options configures a Client.
type Options struct {
	Broker       string // e.g. "tcp://host:1883"
	ClientID     string
	Username     string
	Password     string
	KeepAlive    time.Duration
	ConnectRetry int           // initial connect retries
	MaxReconnect time.Duration // cap on auto-reconnect backoff
}

// Client wraps one MQTT broker connection.
type Client struct {
	name string
	opts Options

	mqtt mqtt.Client

	mu          sync.RWMutex
	connected   bool
	lastOK      time.Time
	handlers    map[string]Handler
	onReconnect func()
}

// New constructs a Client identified by name (used only for logging),
// deferring the actual dial to Connect.
func New(name string, opts Options) *Client {
	return &Client{
		name:     name,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

var log = logx.With("transport")

// Connect dials the broker with bounded exponential-backoff retries, then
// enables paho's own capped auto-reconnect for subsequent drops.
func (c *Client) Connect(ctx context.Context) error {
	mopts := mqtt.NewClientOptions()
	mopts.AddBroker(c.opts.Broker)
	mopts.SetClientID(c.opts.ClientID)
	mopts.SetUsername(c.opts.Username)
	mopts.SetPassword(c.opts.Password)
	if c.opts.KeepAlive == 0 {
		c.opts.KeepAlive = 60 * time.Second
	}
	mopts.SetKeepAlive(c.opts.KeepAlive)
	mopts.SetCleanSession(true)
	mopts.SetAutoReconnect(true)
	maxReconnect := c.opts.MaxReconnect
	if maxReconnect == 0 {
		maxReconnect = 32 * time.Second
	}
	mopts.SetMaxReconnectInterval(maxReconnect)
	mopts.SetDefaultPublishHandler(c.onUnroutedMessage)
	mopts.SetConnectionLostHandler(c.onConnectionLost)
	mopts.SetOnConnectHandler(c.onConnect)
	mopts.SetReconnectingHandler(c.onReconnecting)

	c.mqtt = mqtt.NewClient(mopts)

	retries := c.opts.ConnectRetry
	if retries <= 0 {
		retries = 3
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries))

	op := func() error {
		token := c.mqtt.Connect()
		if token.Wait() && token.Error() != nil {
			log.WithField("broker", c.name).WithError(token.Error()).Warn("connect attempt failed, retrying")
			return token.Error()
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrTransportUnavailable, c.name, err)
	}

	c.mu.Lock()
	c.connected = true
	c.lastOK = time.Now()
	c.mu.Unlock()
	log.WithField("broker", c.name).Info("connected")
	return nil
}

// SetOnReconnect registers fn to run after every successful (re)connect,
// including the first. Since the client uses a clean session, the broker
// forgets subscriptions across a drop, so callers that track subscriptions
// themselves (the agent, from its registry) use this to replay them.
func (c *Client) SetOnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// Disconnect gracefully closes the connection.
func (c *Client) Disconnect() {
	if c.mqtt == nil {
		return
	}
	c.mqtt.Disconnect(250)
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Connected reports liveness. A dead socket reported connected by the
// paho state but stale beyond one keepalive interval is not trusted.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mqtt == nil || !c.mqtt.IsConnectionOpen() || !c.connected {
		return false
	}
	staleAfter := c.opts.KeepAlive
	if staleAfter == 0 {
		staleAfter = 60 * time.Second
	}
	return time.Since(c.lastOK) < staleAfter
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastOK = time.Now()
	c.mu.Unlock()
}

// Publish sends payload to topic at QoS 1, reporting whether it was
// acknowledged by the broker.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) (bool, error) {
	if !c.Connected() {
		return false, fmt.Errorf("%w: %s", errs.ErrTransportUnavailable, c.name)
	}
	token := c.mqtt.Publish(topic, 1, false, payload)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-done:
	}
	if token.Error() != nil {
		return false, fmt.Errorf("%w: publish %s: %v", errs.ErrTransportUnavailable, topic, token.Error())
	}
	c.touch()
	return true, nil
}

// Subscribe registers handler for topic at QoS 1. The parameter type is
// the bare function signature (not the named Handler type) so that Client
// satisfies the narrower Subscriber interfaces declared by its consumers
// (registry, heartbeat) without an adapter.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	token := c.mqtt.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		c.mu.RLock()
		h, ok := c.handlers[msg.Topic()]
		c.mu.RUnlock()
		if ok {
			h(msg.Topic(), msg.Payload())
		}
	})
	if token.Wait() && token.Error() != nil {
		c.mu.Lock()
		delete(c.handlers, topic)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	c.touch()
	return nil
}

// Unsubscribe removes the handler and subscription for topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	token := c.mqtt.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, token.Error())
	}
	c.mu.Lock()
	delete(c.handlers, topic)
	c.mu.Unlock()
	return nil
}

func (c *Client) onUnroutedMessage(_ mqtt.Client, msg mqtt.Message) {
	log.WithField("topic", msg.Topic()).Debug("message on unrouted topic")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	log.WithField("broker", c.name).WithError(err).Warn("connection lost")
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	c.lastOK = time.Now()
	fn := c.onReconnect
	c.mu.Unlock()
	log.WithField("broker", c.name).Info("connected")
	if fn != nil {
		go fn()
	}
}

func (c *Client) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	log.WithField("broker", c.name).Info("reconnecting")
}
