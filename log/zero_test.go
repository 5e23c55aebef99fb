package log

import (
	"bytes"
	"strings"
	"testing"

	tdd "github.com/stretchr/testify/assert"
)

func TestWithZero(t *testing.T) {
	buf := &bytes.Buffer{}
	l := WithZero(ZeroOptions{Sink: buf, Level: Debug})
	l.WithField("request-id", "abc").Info("hello")
	tdd.True(t, strings.Contains(buf.String(), "hello"))
	tdd.True(t, strings.Contains(buf.String(), "abc"))
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	l := WithZero(ZeroOptions{Sink: buf, Level: Warning})
	l.Info("should not appear")
	l.Warning("should appear")
	tdd.False(t, strings.Contains(buf.String(), "should not appear"))
	tdd.True(t, strings.Contains(buf.String(), "should appear"))
}

func TestDiscard(t *testing.T) {
	d := Discard()
	d.WithField("a", 1).Sub(Fields{"b": 2}).Info("noop")
}
