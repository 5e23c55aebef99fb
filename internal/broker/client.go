// Package broker adapts the bridge to a single MQTT session: connect with
// automatic reconnection, (re)subscribe on every successful connect, and
// publish, including the retained liveness lifecycle.
package broker

import (
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/homeiac/claude-mqtt-bridge/errors"
	xlog "github.com/homeiac/claude-mqtt-bridge/log"

	"github.com/homeiac/claude-mqtt-bridge/internal/metrics"
	"github.com/homeiac/claude-mqtt-bridge/internal/telemetry"
)

// defaultReconnectBackoff matches the spec's default of 5000ms.
const defaultReconnectBackoff = 5 * time.Second

// Handler processes one decoded inbound message for a topic.
type Handler func(topic string, payload []byte)

// Option adjusts the settings of a Client at construction time.
type Option func(*Client) error

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(log xlog.Logger) Option {
	return func(c *Client) error {
		if log != nil {
			c.log = log
		}
		return nil
	}
}

// WithCredentials sets the broker username/password, when the broker
// requires authentication.
func WithCredentials(username, password string) Option {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithReconnectBackoff overrides the fixed delay between reconnect
// attempts. Defaults to 5 seconds.
func WithReconnectBackoff(d time.Duration) Option {
	return func(c *Client) error {
		if d > 0 {
			c.backoff = d
		}
		return nil
	}
}

// WithMetrics attaches a metrics sink; nil leaves instrumentation disabled.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithTelemetry attaches an error reporter; nil disables it.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Client) error {
		c.tel = t
		return nil
	}
}

// Client is a single MQTT session shared by every publisher in the bridge.
// The underlying transport is expected to serialize publishes from
// concurrent callers.
type Client struct {
	mu          sync.RWMutex
	cli         mqtt.Client
	log         xlog.Logger
	brokerURL   string
	clientID    string
	username    string
	password    string
	backoff     time.Duration
	statusTopic string
	subs        map[string]Handler
	metrics     *metrics.Metrics
	tel         *telemetry.Telemetry
}

// New builds a Client for `brokerURL` identifying itself as `clientID`. The
// client is not yet connected; call Connect.
func New(brokerURL, clientID, statusTopic string, opts ...Option) (*Client, error) {
	c := &Client{
		brokerURL:   brokerURL,
		clientID:    clientID,
		statusTopic: statusTopic,
		backoff:     defaultReconnectBackoff,
		log:         xlog.Discard(),
		subs:        make(map[string]Handler),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "failed to apply broker option")
		}
	}
	return c, nil
}

// Connect opens the session and blocks until it is established: a failed
// attempt is retried every backoff interval, so Connect returns an error
// only if the attempt is cancelled before a connection is made. Subsequent
// drops are retried automatically with a fixed
// backoff; each successful (re)connect re-subscribes every registered
// topic and republishes the retained liveness message.
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(c.clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(c.backoff).
		SetConnectRetryInterval(c.backoff).
		SetConnectRetry(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if c.username != "" {
		opts.SetUsername(c.username)
	}
	if c.password != "" {
		opts.SetPassword(c.password)
	}

	c.mu.Lock()
	c.cli = mqtt.NewClient(opts)
	cli := c.cli
	c.mu.Unlock()

	token := cli.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		if c.tel != nil {
			c.tel.ReportError("broker-transient", err)
		}
		return errors.Wrap(err, "failed to connect to broker")
	}
	return nil
}

// onConnect re-establishes every registered subscription and announces
// liveness. It runs on every successful connect, including reconnects.
func (c *Client) onConnect(cli mqtt.Client) {
	c.mu.RLock()
	subs := make(map[string]Handler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	c.mu.RUnlock()

	for topic, handler := range subs {
		if err := c.subscribeNow(cli, topic, handler); err != nil {
			c.log.WithFields(xlog.Fields{
				"topic": topic,
				"error": err.Error(),
			}).Warning("failed to (re)subscribe")
		}
	}

	if err := c.publishNow(cli, c.statusTopic, livenessPayload(true), true); err != nil {
		c.log.WithField("error", err.Error()).Warning("failed to publish online liveness")
	}

	if c.metrics != nil {
		c.metrics.SetBrokerConnected(true)
	}
}

// livenessPayload encodes the retained status message per the spec's
// {server, online, timestamp} shape.
func livenessPayload(online bool) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"server":    "claude-mqtt-bridge",
		"online":    online,
		"timestamp": time.Now().UnixMilli(),
	})
	return payload
}

// onConnectionLost announces offline liveness on a best-effort basis; the
// transport is, by definition, not guaranteed reachable at this point.
func (c *Client) onConnectionLost(cli mqtt.Client, err error) {
	c.log.WithField("error", err.Error()).Warning("broker connection lost")
	if c.metrics != nil {
		c.metrics.SetBrokerConnected(false)
	}
	if c.tel != nil {
		c.tel.ReportError("broker-transient", err)
	}
	if cli.IsConnectionOpen() {
		_ = c.publishNow(cli, c.statusTopic, livenessPayload(false), true)
	}
}

// Subscribe registers `handler` for `topic`. It takes effect immediately if
// already connected, and is replayed on every future (re)connect.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	cli := c.cli
	c.mu.Unlock()

	if cli == nil || !cli.IsConnectionOpen() {
		return nil
	}
	return c.subscribeNow(cli, topic, handler)
}

func (c *Client) subscribeNow(cli mqtt.Client, topic string, handler Handler) error {
	token := cli.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return errors.Wrap(token.Error(), "failed to subscribe")
}

// Publish writes `payload` to `topic`. Publish failures are logged and not
// retried, per the broker-transient failure taxonomy.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	c.mu.RLock()
	cli := c.cli
	c.mu.RUnlock()
	if cli == nil {
		return errors.New("broker client not connected")
	}
	if err := c.publishNow(cli, topic, payload, retain); err != nil {
		c.log.WithFields(xlog.Fields{
			"topic": topic,
			"error": err.Error(),
		}).Warning("failed to publish")
		if c.tel != nil {
			c.tel.ReportError("broker-transient", err)
		}
		return err
	}
	return nil
}

func (c *Client) publishNow(cli mqtt.Client, topic string, payload []byte, retain bool) error {
	token := cli.Publish(topic, 0, retain, payload)
	token.Wait()
	return errors.Wrap(token.Error(), "publish failed")
}

// Close publishes a final retained offline liveness message and forcibly
// tears down the connection.
func (c *Client) Close() error {
	c.mu.RLock()
	cli := c.cli
	c.mu.RUnlock()
	if cli == nil {
		return nil
	}

	if cli.IsConnectionOpen() {
		if err := c.publishNow(cli, c.statusTopic, livenessPayload(false), true); err != nil {
			c.log.WithField("error", err.Error()).Warning("failed to publish offline liveness")
		}
	}
	cli.Disconnect(250)
	return nil
}
