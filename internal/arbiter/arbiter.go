// Package arbiter builds the per-command callback an agent invokes when it
// needs permission to use a tool, mediating the round-trip over the broker
// and the Approval Registry.
package arbiter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/homeiac/claude-mqtt-bridge/internal/approval"
	"github.com/homeiac/claude-mqtt-bridge/internal/metrics"
	"github.com/homeiac/claude-mqtt-bridge/internal/telemetry"
	xlog "github.com/homeiac/claude-mqtt-bridge/log"
)

// Decision is the result an Arbiter hands back to the agent for a single
// tool-use request.
type Decision struct {
	Behavior     string      `json:"behavior"`               // "allow" or "deny"
	UpdatedInput interface{} `json:"updatedInput,omitempty"` // echoed back on allow
	Message      string      `json:"message,omitempty"`      // present on deny
}

// CanUseTool is the callback shape the agent invokes for each tool use
// requiring approval.
type CanUseTool func(toolName string, toolInput interface{}) Decision

// Registry is the subset of the Approval Registry an Arbiter depends on.
type Registry interface {
	NewRequestID() string
	Await(id string, timeoutMs int) (approval.Decision, error)
}

// Publisher is the narrow broker dependency an Arbiter needs.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Option adjusts the settings of an Arbiter at construction time.
type Option func(*Arbiter)

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(log xlog.Logger) Option {
	return func(a *Arbiter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMetrics attaches a metrics sink; nil leaves instrumentation disabled.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Arbiter) {
		a.metrics = m
	}
}

// WithTelemetry attaches a tracer/error-reporter; nil disables both.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(a *Arbiter) {
		a.tel = t
	}
}

// WithContext sets the parent context approval-request spans are rooted
// under; defaults to context.Background().
func WithContext(ctx context.Context) Option {
	return func(a *Arbiter) {
		if ctx != nil {
			a.ctx = ctx
		}
	}
}

// Arbiter mediates tool-use approvals for a single command.
type Arbiter struct {
	pub          Publisher
	reg          Registry
	topic        string
	timeoutMs    int
	sessionID    string
	sourceDevice string
	log          xlog.Logger
	metrics      *metrics.Metrics
	tel          *telemetry.Telemetry
	ctx          context.Context
}

// New builds an Arbiter for one command. `topic` is the approval-request
// topic to publish on; `timeoutMs` is the approval budget per request.
func New(pub Publisher, reg Registry, topic string, timeoutMs int, sessionID, sourceDevice string, opts ...Option) *Arbiter {
	a := &Arbiter{
		pub:          pub,
		reg:          reg,
		topic:        topic,
		timeoutMs:    timeoutMs,
		sessionID:    sessionID,
		sourceDevice: sourceDevice,
		log:          xlog.Discard(),
		ctx:          context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CanUseTool returns a callback bound to this Arbiter's session, suitable
// for passing straight to an agent invocation as its permission gate.
func (a *Arbiter) CanUseTool() CanUseTool {
	return a.canUseTool
}

// canUseTool publishes an approval request and blocks until the registry
// resolves it, then translates the outcome into an allow/deny decision.
// It never retries the publish and never enqueues a second concurrent
// request under the same id.
func (a *Arbiter) canUseTool(toolName string, toolInput interface{}) Decision {
	start := time.Now()

	if a.tel != nil {
		_, span := a.tel.Tracer().Start(a.ctx, "arbiter.request_approval")
		defer span.End()
	}

	id := a.reg.NewRequestID()
	req := map[string]interface{}{
		"requestId":    id,
		"toolName":     toolName,
		"input":        toolInput,
		"sessionId":    a.sessionID,
		"sourceDevice": a.sourceDevice,
		"timestamp":    time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		a.log.WithField("error", err.Error()).Error("failed to encode approval request")
		a.recordDecision("error", start)
		return Decision{Behavior: "deny", Message: "Approval timeout: " + err.Error()}
	}
	if err := a.pub.Publish(a.topic, payload, false); err != nil {
		// Broker-transient failure: logged, not retried. The registry
		// still waits out the budget so the agent gets a deterministic
		// deny rather than hanging indefinitely.
		a.log.WithFields(xlog.Fields{
			"request-id": id,
			"error":      err.Error(),
		}).Warning("failed to publish approval request")
		if a.tel != nil {
			a.tel.ReportError("broker-transient", err)
		}
	}

	d, err := a.reg.Await(id, a.timeoutMs)
	if err != nil {
		a.recordDecision("timeout", start)
		return Decision{Behavior: "deny", Message: "Approval timeout: " + err.Error()}
	}
	if d.Approved {
		a.recordDecision("allow", start)
		return Decision{Behavior: "allow", UpdatedInput: toolInput}
	}
	reason := d.Reason
	if reason == "" {
		reason = "Denied by user"
	}
	a.recordDecision("deny", start)
	return Decision{Behavior: "deny", Message: reason}
}

func (a *Arbiter) recordDecision(decision string, start time.Time) {
	if a.metrics != nil {
		a.metrics.ObserveApproval(decision, time.Since(start))
	}
}
