package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	tdd "github.com/stretchr/testify/assert"

	xlog "github.com/homeiac/claude-mqtt-bridge/log"

	"github.com/homeiac/claude-mqtt-bridge/internal/agent"
	"github.com/homeiac/claude-mqtt-bridge/internal/approval"
	"github.com/homeiac/claude-mqtt-bridge/internal/command"
	"github.com/homeiac/claude-mqtt-bridge/internal/config"
	"github.com/homeiac/claude-mqtt-bridge/internal/writer"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Publish(topic string, _ []byte, _ bool) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, topic)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type noopRunner struct{}

func (noopRunner) Query(_ context.Context, _ string, _ agent.Options, w writer.Writer) error {
	return w.End()
}

func newTestBridge(t *testing.T) (*Bridge, *recorder) {
	t.Helper()
	cfg := &config.Config{
		CommandTopic:          "claude/command",
		ApprovalResponseTopic: "claude/approval-response",
		ResponseTopic:         "claude/home/response",
		ApprovalRequestTopic:  "claude/approval-request",
		ApprovalTimeoutMs:     1000,
	}
	rec := &recorder{}
	reg := approval.NewRegistry(nil)
	b := &Bridge{
		cfg: cfg,
		reg: reg,
	}
	b.handler = command.New(rec, reg, noopRunner{}, cfg.ResponseTopic, cfg.ApprovalRequestTopic, cfg.ApprovalTimeoutMs)
	b.log = xlog.Discard()
	return b, rec
}

func TestDispatchRoutesCommandToHandler(t *testing.T) {
	assert := tdd.New(t)
	b, rec := newTestBridge(t)

	home := t.TempDir()
	t.Setenv("HOME", home)

	b.dispatch("claude/command", []byte(`{"message":"hi","source":"t"}`))

	// Handler runs in its own goroutine; poll briefly for the publish.
	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(1, rec.count()) // error: missing credentials
}

func TestDispatchRoutesApprovalResponseToRegistry(t *testing.T) {
	assert := tdd.New(t)
	b, _ := newTestBridge(t)

	id := b.reg.NewRequestID()
	done := make(chan bool, 1)
	go func() {
		d, err := b.reg.Await(id, 5000)
		assert.Nil(err)
		done <- d.Approved
	}()
	for b.reg.Count() == 0 {
		time.Sleep(time.Millisecond)
	}

	b.dispatch("claude/approval-response", []byte(`{"requestId":"`+id+`","approved":true}`))

	select {
	case approved := <-done:
		assert.True(approved)
	case <-time.After(time.Second):
		assert.Fail("approval response was not routed to the registry")
	}
}

func TestDispatchIgnoresMalformedJSON(t *testing.T) {
	assert := tdd.New(t)
	b, rec := newTestBridge(t)

	assert.NotPanics(func() {
		b.dispatch("claude/command", []byte(`not json`))
		b.dispatch("claude/approval-response", []byte(`not json`))
		b.dispatch("unrelated/topic", []byte(`whatever`))
	})
	assert.Equal(0, rec.count())
}
