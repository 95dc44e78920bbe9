package client

import (
	"context"
	"sync"
)

// Call tracks one in-flight request. The completion callback passed to the
// issuing method runs at most once, on an unspecified goroutine. Cancelling
// before completion aborts the request and suppresses the callback.
type Call struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func newCall(cancel context.CancelFunc) *Call {
	return &Call{cancel: cancel, done: make(chan struct{})}
}

// Cancel aborts the request. Safe to call more than once and after completion.
func (c *Call) Cancel() {
	c.cancel()
	c.once.Do(func() { close(c.done) })
}

// Done closes once the call has completed or been cancelled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// finish delivers the completion unless the call was cancelled first.
func (c *Call) finish(deliver func()) {
	c.once.Do(func() {
		deliver()
		close(c.done)
	})
	c.cancel()
}
