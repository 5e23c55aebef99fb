package telemetry

import (
	"time"

	sdk "github.com/getsentry/sentry-go"
)

// errorReporter forwards failures to Sentry, tagging each event with its
// failure kind so agent and broker issues can be triaged separately.
type errorReporter struct {
	flushTimeout time.Duration
}

func newErrorReporter(dsn string) (*errorReporter, error) {
	if err := sdk.Init(sdk.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
	}); err != nil {
		return nil, err
	}
	return &errorReporter{flushTimeout: 2 * time.Second}, nil
}

func (r *errorReporter) report(kind string, err error) {
	sdk.WithScope(func(scope *sdk.Scope) {
		scope.SetTag("failure.kind", kind)
		sdk.CaptureException(err)
	})
}
