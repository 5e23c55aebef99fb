package telemetry

import (
	"context"
	"testing"

	tdd "github.com/stretchr/testify/assert"
)

func TestSetupStdoutTracer(t *testing.T) {
	assert := tdd.New(t)

	tel, err := Setup("stdout", "")
	assert.Nil(err)
	assert.NotNil(tel.Tracer())

	_, span := tel.Tracer().Start(context.Background(), "command.handle")
	span.End()

	tel.Flush(context.Background())
}

func TestReportErrorNoopWithoutDSN(t *testing.T) {
	tel, err := Setup("stdout", "")
	tdd.Nil(t, err)
	// No reporter configured; must not panic.
	tel.ReportError("agent-failure", assertErr("boom"))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
