// Package command implements the entry point for every inbound command
// envelope: validation, single-active-command preemption, and wiring a
// Response Writer and Permission Arbiter to a single agent invocation.
package command

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/homeiac/claude-mqtt-bridge/errors"
	xlog "github.com/homeiac/claude-mqtt-bridge/log"

	"github.com/homeiac/claude-mqtt-bridge/internal/agent"
	"github.com/homeiac/claude-mqtt-bridge/internal/approval"
	"github.com/homeiac/claude-mqtt-bridge/internal/arbiter"
	"github.com/homeiac/claude-mqtt-bridge/internal/metrics"
	"github.com/homeiac/claude-mqtt-bridge/internal/telemetry"
	"github.com/homeiac/claude-mqtt-bridge/internal/writer"
)

// Envelope is the inbound JSON command, decoded by the dispatcher before
// being handed to Handle.
type Envelope struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Project   string `json:"project,omitempty"`
	Stream    *bool  `json:"stream,omitempty"`
}

// Publisher is the narrow broker dependency the Command Handler needs,
// either directly (for error responses) or to hand to a Writer/Arbiter.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Registry is the subset of the Approval Registry the Command Handler
// needs: preemption of prior work plus everything the Arbiter it builds
// for each command requires.
type Registry interface {
	NewRequestID() string
	Count() int
	CancelAll(reason string)
	Await(id string, timeoutMs int) (approval.Decision, error)
}

// Option adjusts the settings of a Handler at construction time.
type Option func(*Handler)

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(log xlog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithMetrics attaches a metrics sink; nil leaves instrumentation disabled.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithTelemetry attaches a tracer/error-reporter; nil disables both.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(h *Handler) {
		h.tel = t
	}
}

// Handler is the single entry point for inbound command envelopes.
type Handler struct {
	pub               Publisher
	reg               Registry
	runner            agent.Runner
	responseTopic     string
	approvalReqTopic  string
	approvalTimeoutMs int
	log               xlog.Logger
	metrics           *metrics.Metrics
	tel               *telemetry.Telemetry
	active            atomic.Bool // informational-only, per design notes
}

// New builds a Handler. `runner` drives the agent for every command.
func New(
	pub Publisher,
	reg Registry,
	runner agent.Runner,
	responseTopic, approvalRequestTopic string,
	approvalTimeoutMs int,
	opts ...Option,
) *Handler {
	h := &Handler{
		pub:               pub,
		reg:               reg,
		runner:            runner,
		responseTopic:     responseTopic,
		approvalReqTopic:  approvalRequestTopic,
		approvalTimeoutMs: approvalTimeoutMs,
		log:               xlog.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Active reports whether a command is currently being processed. Purely
// informational: the bridge does not serialize commands, only approvals.
func (h *Handler) Active() bool {
	return h.active.Load()
}

// Handle runs one command envelope to completion. Errors are never
// returned to the caller — every failure mode surfaces as a {type:"error"}
// event on the response topic, per the propagation policy in the error
// handling design.
func (h *Handler) Handle(ctx context.Context, env Envelope) {
	if h.tel != nil {
		var span trace.Span
		ctx, span = h.tel.Tracer().Start(ctx, "command.handle")
		defer span.End()
	}

	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = h.reg.NewRequestID()
	}
	sourceDevice := env.Source
	if sourceDevice == "" {
		sourceDevice = "unknown"
	}

	// Preempt prior work: a new command always cancels outstanding
	// approvals before it can create any waiter of its own.
	if h.reg.Count() > 0 {
		h.reg.CancelAll("New command received")
	}
	h.active.Store(true)
	defer h.active.Store(false)

	if strings.TrimSpace(env.Message) == "" {
		h.publishError(sessionID, sourceDevice, "Missing required field: message")
		return
	}
	if !agent.CredentialsPresent() {
		h.publishError(sessionID, sourceDevice, "Claude CLI not authenticated. Run 'claude login' to continue.")
		return
	}

	streaming := true
	if env.Stream != nil {
		streaming = *env.Stream
	}

	w, err := writer.New(h.pub, h.responseTopic, sessionID, sourceDevice,
		writer.WithStreaming(streaming), writer.WithLogger(h.log))
	if err != nil {
		h.publishError(sessionID, sourceDevice, err.Error())
		return
	}

	arb := arbiter.New(h.pub, h.reg, h.approvalReqTopic, h.approvalTimeoutMs,
		sessionID, sourceDevice,
		arbiter.WithLogger(h.log),
		arbiter.WithMetrics(h.metrics),
		arbiter.WithTelemetry(h.tel),
		arbiter.WithContext(ctx))

	cwd := env.Project
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	opts := agent.Options{
		CWD:            cwd,
		SessionID:      env.SessionID,
		PermissionMode: "default",
		CanUseTool:     arb.CanUseTool(),
	}

	start := time.Now()
	err = h.runner.Query(ctx, env.Message, opts, w)
	outcome := "success"
	if err != nil {
		outcome = "error"
		if h.tel != nil {
			h.tel.ReportError("agent-failure", err)
		}
	}
	if h.metrics != nil {
		h.metrics.ObserveCommand(outcome, time.Since(start))
	}
	if err != nil {
		h.publishError(sessionID, sourceDevice, err.Error())
		return
	}
	if err := w.End(); err != nil {
		h.log.WithFields(xlog.Fields{
			"session-id": sessionID,
			"error":      err.Error(),
		}).Warning("failed to publish completion event")
	}
}

func (h *Handler) publishError(sessionID, sourceDevice, message string) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":          "error",
		"error":         message,
		"session_id":    sessionID,
		"source_device": sourceDevice,
		"timestamp":     time.Now().UnixMilli(),
	})
	if err != nil {
		h.log.WithField("error", errors.Wrap(err, "failed to encode error response").Error()).Error("dropping error response")
		return
	}
	if err := h.pub.Publish(h.responseTopic, payload, false); err != nil {
		h.log.WithFields(xlog.Fields{
			"session-id": sessionID,
			"error":      err.Error(),
		}).Warning("failed to publish error response")
	}
}
