// Package bridge owns the process lifecycle: building the broker session,
// routing inbound messages to the Command Handler or the Approval
// Registry, and tearing everything down in the right order on shutdown.
package bridge

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/homeiac/claude-mqtt-bridge/errors"
	xlog "github.com/homeiac/claude-mqtt-bridge/log"

	"github.com/homeiac/claude-mqtt-bridge/internal/agent"
	"github.com/homeiac/claude-mqtt-bridge/internal/approval"
	"github.com/homeiac/claude-mqtt-bridge/internal/broker"
	"github.com/homeiac/claude-mqtt-bridge/internal/command"
	"github.com/homeiac/claude-mqtt-bridge/internal/config"
	"github.com/homeiac/claude-mqtt-bridge/internal/metrics"
	"github.com/homeiac/claude-mqtt-bridge/internal/telemetry"
)

const shutdownReason = "MQTT bridge shutdown"

// Bridge is a single running instance of the broker session, the approval
// registry, and the command handler wired together.
type Bridge struct {
	cfg     *config.Config
	client  *broker.Client
	reg     *approval.Registry
	handler *command.Handler
	metrics *metrics.Metrics
	tel     *telemetry.Telemetry
	runner  agent.Runner
	log     xlog.Logger
}

// Option adjusts the settings of a Bridge at construction time.
type Option func(*Bridge)

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(log xlog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics attaches a metrics sink; nil leaves instrumentation disabled.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithTelemetry attaches a tracer/error-reporter; nil disables both.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(b *Bridge) {
		b.tel = t
	}
}

// WithRunner overrides the agent runner; defaults to the real `claude` CLI
// subprocess runner. Exposed for tests.
func WithRunner(r agent.Runner) Option {
	return func(b *Bridge) {
		b.runner = r
	}
}

// New builds a Bridge from `cfg`. The broker session is not yet connected;
// call Run to connect and start serving.
func New(cfg *config.Config, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		cfg: cfg,
		log: xlog.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.reg = approval.NewRegistry(b.log)

	client, err := broker.New(cfg.BrokerURL, cfg.ClientID, config.StatusTopic,
		broker.WithLogger(b.log),
		broker.WithCredentials(cfg.Username, cfg.Password),
		broker.WithMetrics(b.metrics),
		broker.WithTelemetry(b.tel))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build broker client")
	}
	b.client = client

	if b.runner == nil {
		b.runner = agent.NewProcessRunner(agent.WithLogger(b.log))
	}
	b.handler = command.New(b.client, b.reg, b.runner,
		cfg.ResponseTopic, cfg.ApprovalRequestTopic, cfg.ApprovalTimeoutMs,
		command.WithLogger(b.log),
		command.WithMetrics(b.metrics),
		command.WithTelemetry(b.tel))

	return b, nil
}

// Run connects to the broker, registers the dispatcher, and blocks until
// `ctx` is cancelled, then shuts down in order: cancel pending approvals,
// publish offline liveness, close the broker session.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.cfg.Enabled {
		b.log.Info("mqtt bridge disabled, not starting")
		return nil
	}

	if err := b.client.Subscribe(b.cfg.CommandTopic, b.dispatch); err != nil {
		return errors.Wrap(err, "failed to register command subscription")
	}
	if err := b.client.Subscribe(b.cfg.ApprovalResponseTopic, b.dispatch); err != nil {
		return errors.Wrap(err, "failed to register approval-response subscription")
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return errors.Wrap(b.client.Connect(), "failed to connect to broker")
	})
	group.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := group.Wait()
	b.shutdown()
	return err
}

// dispatch routes a single inbound message by topic. Malformed JSON is
// logged and dropped; it never reaches the command handler or registry.
func (b *Bridge) dispatch(topic string, payload []byte) {
	switch topic {
	case b.cfg.CommandTopic:
		var env command.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			b.log.WithField("error", err.Error()).Warning("malformed command envelope")
			return
		}
		if b.metrics != nil {
			b.metrics.ApprovalsPending.Set(float64(b.reg.Count()))
		}
		go b.handler.Handle(context.Background(), env)
	case b.cfg.ApprovalResponseTopic:
		var resp struct {
			RequestID string `json:"requestId"`
			Approved  bool   `json:"approved"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(payload, &resp); err != nil {
			b.log.WithField("error", err.Error()).Warning("malformed approval response")
			return
		}
		b.reg.Resolve(resp.RequestID, resp.Approved, resp.Reason)
	default:
		b.log.WithField("topic", topic).Debug("ignoring message on unrecognized topic")
	}
}

func (b *Bridge) shutdown() {
	b.reg.CancelAll(shutdownReason)
	if err := b.client.Close(); err != nil {
		b.log.WithField("error", err.Error()).Warning("failed to close broker client cleanly")
	}
}
