// Package approval implements the process-wide correlation table used to
// arbitrate tool-use approvals requested by the agent and answered by a
// remote device over the broker.
package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homeiac/claude-mqtt-bridge/errors"
	xlog "github.com/homeiac/claude-mqtt-bridge/log"
)

// Decision carries the outcome of an approval round-trip.
type Decision struct {
	Approved bool
	Reason   string
}

// outcome is the single value ever sent on a waiter's channel: either a
// Decision (on Resolve) or an error (on Cancel/CancelAll/timeout).
type outcome struct {
	decision Decision
	err      error
}

// waiter holds the result channel for a single outstanding approval
// request, along with its scheduled timeout.
type waiter struct {
	ch    chan outcome
	timer *time.Timer
}

// Registry is a single process-wide map from requestId to waiter. It is
// safe for concurrent use: resolve, cancel and timeout all race to remove
// the same entry and only the first to do so has any effect, mirroring the
// "compare-and-remove" discipline used by the teacher's AMQP RPC handler
// for correlating requests with responses.
type Registry struct {
	log xlog.Logger
	mu  sync.Mutex
	m   map[string]*waiter
}

// NewRegistry returns an empty, ready-to-use registry.
func NewRegistry(log xlog.Logger) *Registry {
	if log == nil {
		log = xlog.Discard()
	}
	return &Registry{
		log: log,
		m:   make(map[string]*waiter),
	}
}

// NewRequestID returns a fresh UUIDv4 suitable for correlating an approval
// request with its eventual response.
func (r *Registry) NewRequestID() string {
	return uuid.New().String()
}

// Count returns the number of outstanding approval requests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Await suspends the caller until the first of: a matching Resolve, a
// Cancel, or the timeout budget elapses. A timeout failure carries the
// numeric budget (in milliseconds) in its message.
func (r *Registry) Await(id string, timeoutMs int) (Decision, error) {
	w := &waiter{ch: make(chan outcome, 1)}

	r.mu.Lock()
	r.m[id] = w
	w.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		r.fail(id, errors.Errorf("approval timeout after %dms", timeoutMs))
	})
	r.mu.Unlock()
	defer w.timer.Stop()

	o := <-w.ch
	if o.err != nil {
		return Decision{}, o.err
	}
	return o.decision, nil
}

// Resolve delivers a decision for a pending request. Returns true if a
// waiter existed for `id`. Responses whose id matches no waiter are
// orphaned: logged and otherwise ignored, since any legitimate retry path
// producing one remains unclear (see design notes).
func (r *Registry) Resolve(id string, approved bool, reason string) bool {
	r.mu.Lock()
	w, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	r.mu.Unlock()

	if !ok {
		r.log.WithField("request-id", id).Warning("orphaned approval response")
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- outcome{decision: Decision{Approved: approved, Reason: reason}}
	return true
}

// Cancel rejects the waiter registered for `id` with the given reason. It
// is a no-op if no waiter is registered.
func (r *Registry) Cancel(id string, reason string) {
	r.fail(id, errors.New(reason))
}

// CancelAll rejects every outstanding waiter with the given reason. Used
// both when a new command preempts in-flight approvals and during bridge
// shutdown.
func (r *Registry) CancelAll(reason string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.fail(id, errors.New(reason))
	}
}

// fail removes the waiter for `id`, if still present, and delivers `err`
// so the blocked Await call returns it. Resolve, Cancel, CancelAll and the
// timeout callback all route through the same map delete: whichever one
// observes `ok == true` is the single winner, the rest are no-ops.
func (r *Registry) fail(id string, err error) {
	r.mu.Lock()
	w, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- outcome{err: err}
	r.log.WithFields(xlog.Fields{
		"request-id": id,
		"reason":     err.Error(),
	}).Debug("approval waiter rejected")
}
