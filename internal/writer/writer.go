// Package writer converts agent output events into broker messages,
// either emitting one message per event (streaming) or buffering them for
// a single terminal publish (batched).
package writer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/homeiac/claude-mqtt-bridge/errors"
	xlog "github.com/homeiac/claude-mqtt-bridge/log"
)

// Publisher is the narrow broker dependency a Writer needs. Modeling it as
// an interface, rather than importing the broker package directly, keeps
// this package substitutable in tests with an in-memory recorder.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Event is the agent's raw output record. It is typically a
// map[string]interface{} decoded from the agent's own JSON stream, a
// json.RawMessage, or a pre-encoded string; Send accepts any value
// encoding/json can marshal. Defined as an alias so callers implementing
// Writer may spell the parameter either way.
type Event = interface{}

// Writer is the per-command sink for agent output. The agent is coupled to
// it only through Send, End and the optional SetSessionID, so tests can
// swap in a recorder that satisfies the same contract.
type Writer interface {
	Send(event Event) error
	End() error
	SetSessionID(id string)
}

// Option adjusts the settings of a Writer at construction time.
type Option func(*liveWriter) error

// WithStreaming toggles streaming mode. Defaults to true; pass false to
// request batched mode.
func WithStreaming(on bool) Option {
	return func(w *liveWriter) error {
		w.streaming = on
		return nil
	}
}

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(log xlog.Logger) Option {
	return func(w *liveWriter) error {
		if log != nil {
			w.log = log
		}
		return nil
	}
}

// liveWriter is the production Writer implementation, publishing to a
// broker topic.
type liveWriter struct {
	mu           sync.Mutex
	pub          Publisher
	topic        string
	sessionID    string
	sourceDevice string
	streaming    bool
	start        time.Time
	log          xlog.Logger
	buffer       []Event
}

// New builds a Writer publishing response events for a single command to
// `topic` via `pub`. Streaming is enabled by default.
func New(pub Publisher, topic, sessionID, sourceDevice string, opts ...Option) (Writer, error) {
	w := &liveWriter{
		pub:          pub,
		topic:        topic,
		sessionID:    sessionID,
		sourceDevice: sourceDevice,
		streaming:    true,
		start:        time.Now(),
		log:          xlog.Discard(),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, errors.Wrap(err, "failed to apply writer option")
		}
	}
	return w, nil
}

// SetSessionID updates the session id attached to subsequent events.
// Retained for forward compatibility with callers that resume a session
// mid-stream; no current caller invokes it.
func (w *liveWriter) SetSessionID(id string) {
	w.mu.Lock()
	w.sessionID = id
	w.mu.Unlock()
}

// Send publishes (streaming) or buffers (batched) a single agent event. In
// streaming mode, a voice-friendly "answer" message is published ahead of
// the "chunk" message whenever the event carries a final textual result;
// this ordering is deliberate, not incidental (see design notes).
func (w *liveWriter) Send(event Event) error {
	w.mu.Lock()
	streaming := w.streaming
	if !streaming {
		w.buffer = append(w.buffer, event)
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if text, ok := finalResultText(event); ok {
		if err := w.publish(map[string]interface{}{
			"type": "answer",
			"text": text,
		}); err != nil {
			return err
		}
	}
	return w.publish(map[string]interface{}{
		"type":    "chunk",
		"content": event,
	})
}

// End finalizes the command: in batched mode it publishes the buffered
// events as the complete message's content; in streaming mode it publishes
// an empty complete message. Either way it carries the elapsed wall time.
func (w *liveWriter) End() error {
	w.mu.Lock()
	elapsed := time.Since(w.start).Milliseconds()
	streaming := w.streaming
	buffered := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	msg := map[string]interface{}{
		"type":        "complete",
		"duration_ms": elapsed,
	}
	if !streaming {
		msg["content"] = buffered
	}
	return w.publish(msg)
}

func (w *liveWriter) publish(msg map[string]interface{}) error {
	w.mu.Lock()
	msg["session_id"] = w.sessionID
	msg["source_device"] = w.sourceDevice
	msg["timestamp"] = time.Now().UnixMilli()
	topic := w.topic
	w.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode response event")
	}
	if err := w.pub.Publish(topic, payload, false); err != nil {
		w.log.WithField("error", err.Error()).Warning("failed to publish response event")
		return errors.Wrap(err, "failed to publish response event")
	}
	return nil
}

// resultEnvelope mirrors the small slice of the agent's event shape that
// identifies a final textual answer, per the spec's "answer shortcut".
type resultEnvelope struct {
	Data struct {
		Type   string `json:"type"`
		Result string `json:"result"`
	} `json:"data"`
}

// finalResultText reports whether `event` is recognizable as a final
// result — its inner `data.type == "result"` with non-empty `data.result`
// — and returns that text.
func finalResultText(event Event) (string, bool) {
	var raw []byte
	switch v := event.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(event)
		if err != nil {
			return "", false
		}
		raw = b
	}

	var env resultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false
	}
	if env.Data.Type != "result" || env.Data.Result == "" {
		return "", false
	}
	return env.Data.Result, true
}
