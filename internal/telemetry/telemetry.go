// Package telemetry wires the bridge's tracing and error-reporting stack,
// trimmed from the teacher's full otel/sdk operator down to a trace
// provider plus an optional Sentry reporter for agent and broker failures.
package telemetry

import (
	"context"

	sdk "github.com/getsentry/sentry-go"
	apiOtel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"
	apiTrace "go.opentelemetry.io/otel/trace"

	xlog "github.com/homeiac/claude-mqtt-bridge/log"
)

// Telemetry bundles the tracer used to produce spans and the (possibly
// disabled) error reporter used for failures worth surfacing externally.
type Telemetry struct {
	tracer   apiTrace.Tracer
	provider *sdkTrace.TracerProvider
	log      xlog.Logger
	reporter *errorReporter
}

// Option adjusts Telemetry at construction time.
type Option func(*Telemetry)

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(log xlog.Logger) Option {
	return func(t *Telemetry) {
		if log != nil {
			t.log = log
		}
	}
}

// Setup builds the tracer provider. `exporter` selects the span exporter:
// "stdout" writes spans to standard output (the default), anything else
// disables tracing. `sentryDSN`, when non-empty, enables error reporting.
func Setup(exporter, sentryDSN string, opts ...Option) (*Telemetry, error) {
	t := &Telemetry{log: xlog.Discard()}
	for _, opt := range opts {
		opt(t)
	}

	res, err := resource.New(context.Background(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithAttributes(attribute.String("service.name", "claude-mqtt-bridge")),
	)
	if err != nil {
		return nil, err
	}

	tpOpts := []sdkTrace.TracerProviderOption{sdkTrace.WithResource(res)}
	if exporter == "stdout" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdkTrace.WithBatcher(exp))
	}

	t.provider = sdkTrace.NewTracerProvider(tpOpts...)
	apiOtel.SetTracerProvider(t.provider)
	t.tracer = t.provider.Tracer("claude-mqtt-bridge")

	if sentryDSN != "" {
		rep, err := newErrorReporter(sentryDSN)
		if err != nil {
			t.log.WithField("error", err.Error()).Warning("failed to initialize error reporter")
		} else {
			t.reporter = rep
		}
	}
	return t, nil
}

// Tracer returns the tracer used to open spans for command handling and
// approval arbitration.
func (t *Telemetry) Tracer() apiTrace.Tracer { return t.tracer }

// ReportError forwards `err` to the configured error reporter, tagged with
// `kind` ("agent-failure" or "broker-transient"). A no-op when reporting
// is disabled.
func (t *Telemetry) ReportError(kind string, err error) {
	if t.reporter == nil || err == nil {
		return
	}
	t.reporter.report(kind, err)
}

// Flush exports any buffered spans and shuts the provider down.
func (t *Telemetry) Flush(ctx context.Context) {
	if t.provider != nil {
		_ = t.provider.ForceFlush(ctx)
		_ = t.provider.Shutdown(ctx)
	}
	if t.reporter != nil {
		sdk.Flush(t.reporter.flushTimeout)
	}
}
