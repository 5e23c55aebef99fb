package approval

import (
	"sync"
	"testing"
	"time"

	tdd "github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegistryResolve(t *testing.T) {
	assert := tdd.New(t)
	r := NewRegistry(nil)
	id := r.NewRequestID()
	assert.NotEmpty(id)

	done := make(chan struct{})
	var decision Decision
	var err error
	go func() {
		decision, err = r.Await(id, 5000)
		close(done)
	}()

	// give Await a chance to register the waiter before resolving
	for r.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	assert.True(r.Resolve(id, true, "user approved"))
	<-done

	assert.Nil(err)
	assert.True(decision.Approved)
	assert.Equal("user approved", decision.Reason)
	assert.Equal(0, r.Count())
}

func TestRegistryTimeout(t *testing.T) {
	assert := tdd.New(t)
	r := NewRegistry(nil)
	id := r.NewRequestID()

	_, err := r.Await(id, 20)
	assert.NotNil(err)
	assert.Equal(0, r.Count())
}

func TestRegistryCancel(t *testing.T) {
	assert := tdd.New(t)
	r := NewRegistry(nil)
	id := r.NewRequestID()

	done := make(chan error, 1)
	go func() {
		_, err := r.Await(id, 5000)
		done <- err
	}()

	for r.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	r.Cancel(id, "superseded by new command")
	err := <-done
	assert.NotNil(err)
	assert.Contains(err.Error(), "superseded")
}

func TestRegistryCancelAll(t *testing.T) {
	assert := tdd.New(t)
	r := NewRegistry(nil)

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = r.NewRequestID()
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Await(ids[i], 5000)
		}(i)
	}

	for r.Count() < n {
		time.Sleep(time.Millisecond)
	}
	r.CancelAll("bridge shutting down")
	wg.Wait()

	for _, err := range errs {
		assert.NotNil(err)
		assert.Contains(err.Error(), "shutting down")
	}
	assert.Equal(0, r.Count())
}

// TestRegistryResolveVsTimeoutRace exercises the documented invariant: when
// a Resolve and the scheduled timeout race to remove the same waiter, only
// one of them can win the map delete and the other is a no-op (a losing
// Resolve only logs the response as orphaned). The
// caller observes exactly one outcome, never a panic from a double send.
func TestRegistryResolveVsTimeoutRace(t *testing.T) {
	assert := tdd.New(t)
	r := NewRegistry(nil)

	for i := 0; i < 200; i++ {
		id := r.NewRequestID()
		done := make(chan struct{})
		var decision Decision
		var err error
		go func() {
			decision, err = r.Await(id, 1)
			close(done)
		}()
		// fire Resolve concurrently with the 1ms timeout; either may win
		go r.Resolve(id, true, "race")
		<-done
		if err == nil {
			assert.True(decision.Approved)
		}
	}
	assert.Equal(0, r.Count())
}

func TestRegistryOrphanedResolve(t *testing.T) {
	assert := tdd.New(t)
	r := NewRegistry(nil)
	assert.False(r.Resolve("no-such-id", true, "too late"))
}
