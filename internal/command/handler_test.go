package command

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tdd "github.com/stretchr/testify/assert"

	"github.com/homeiac/claude-mqtt-bridge/internal/agent"
	"github.com/homeiac/claude-mqtt-bridge/internal/approval"
	"github.com/homeiac/claude-mqtt-bridge/internal/metrics"
	"github.com/homeiac/claude-mqtt-bridge/internal/telemetry"
	"github.com/homeiac/claude-mqtt-bridge/internal/writer"
)

type recorder struct {
	mu   sync.Mutex
	msgs []map[string]interface{}
}

func (r *recorder) Publish(_ string, payload []byte, _ bool) error {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]interface{}, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// fakeRunner emits a fixed sequence of events then returns, or returns a
// fixed error, without spawning any real process.
type fakeRunner struct {
	events   []interface{}
	failWith error
}

func (f *fakeRunner) Query(_ context.Context, _ string, _ agent.Options, w writer.Writer) error {
	for _, e := range f.events {
		if err := w.Send(e); err != nil {
			return err
		}
	}
	return f.failWith
}

func withFakeCredentials(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	dir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create fake credentials dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".credentials.json"), []byte("{}"), 0o600); err != nil {
		t.Fatalf("failed to write fake credentials: %v", err)
	}
	t.Setenv("HOME", home)
}

func TestHandleMissingMessage(t *testing.T) {
	assert := tdd.New(t)
	withFakeCredentials(t)
	rec := &recorder{}
	reg := approval.NewRegistry(nil)
	h := New(rec, reg, &fakeRunner{}, "claude/home/response", "claude/approval-request", 1000)

	h.Handle(context.Background(), Envelope{Source: "t"})

	msgs := rec.all()
	assert.Len(msgs, 1)
	assert.Equal("error", msgs[0]["type"])
	assert.Contains(msgs[0]["error"], "Missing required field: message")
}

func TestHandleMissingCredentials(t *testing.T) {
	assert := tdd.New(t)
	t.Setenv("HOME", t.TempDir()) // no .claude/.credentials.json present
	rec := &recorder{}
	reg := approval.NewRegistry(nil)
	h := New(rec, reg, &fakeRunner{}, "claude/home/response", "claude/approval-request", 1000)

	h.Handle(context.Background(), Envelope{Message: "hi", Source: "t"})

	msgs := rec.all()
	assert.Len(msgs, 1)
	assert.Equal("error", msgs[0]["type"])
	assert.Contains(msgs[0]["error"], "not authenticated")
}

func TestHandleBatchedSuccess(t *testing.T) {
	assert := tdd.New(t)
	withFakeCredentials(t)
	rec := &recorder{}
	reg := approval.NewRegistry(nil)
	stream := false
	runner := &fakeRunner{events: []interface{}{
		map[string]interface{}{"data": map[string]interface{}{"type": "result", "result": "4"}},
	}}
	h := New(rec, reg, runner, "claude/home/response", "claude/approval-request", 1000)

	h.Handle(context.Background(), Envelope{Message: "2+2?", Source: "t", Stream: &stream})

	msgs := rec.all()
	assert.Len(msgs, 1)
	assert.Equal("complete", msgs[0]["type"])
	content, ok := msgs[0]["content"].([]interface{})
	assert.True(ok)
	assert.Len(content, 1)
	assert.False(h.Active())
}

func TestHandleAgentFailure(t *testing.T) {
	assert := tdd.New(t)
	withFakeCredentials(t)
	rec := &recorder{}
	reg := approval.NewRegistry(nil)
	h := New(rec, reg, &fakeRunner{failWith: assertErr("boom")}, "claude/home/response", "claude/approval-request", 1000)

	h.Handle(context.Background(), Envelope{Message: "hi", Source: "t"})

	msgs := rec.all()
	assert.Len(msgs, 1)
	assert.Equal("error", msgs[0]["type"])
	assert.Contains(msgs[0]["error"], "boom")
}

func TestHandleRecordsErrorMetricOnAgentFailure(t *testing.T) {
	assert := tdd.New(t)
	withFakeCredentials(t)
	rec := &recorder{}
	reg := approval.NewRegistry(nil)
	m, err := metrics.New()
	assert.Nil(err)
	tel, err := telemetry.Setup("stdout", "")
	assert.Nil(err)

	h := New(rec, reg, &fakeRunner{failWith: assertErr("boom")},
		"claude/home/response", "claude/approval-request", 1000,
		WithMetrics(m), WithTelemetry(tel))

	h.Handle(context.Background(), Envelope{Message: "hi", Source: "t"})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	assert.Contains(w.Body.String(), `claude_mqtt_bridge_commands_total{outcome="error"} 1`)
}

func TestHandlePreemptsPendingApprovals(t *testing.T) {
	assert := tdd.New(t)
	withFakeCredentials(t)
	rec := &recorder{}
	reg := approval.NewRegistry(nil)
	h := New(rec, reg, &fakeRunner{}, "claude/home/response", "claude/approval-request", 1000)

	id := reg.NewRequestID()
	done := make(chan error, 1)
	go func() {
		_, err := reg.Await(id, 5000)
		done <- err
	}()
	for reg.Count() == 0 {
		time.Sleep(time.Millisecond)
	}

	h.Handle(context.Background(), Envelope{Message: "new command", Source: "t"})

	err := <-done
	assert.NotNil(err)
	assert.Contains(err.Error(), "New command received")
}

// assertErr is a trivial error type avoiding an extra stdlib errors import
// in this test file.
type assertErr string

func (e assertErr) Error() string { return string(e) }
