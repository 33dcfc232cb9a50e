package engine

import "sync/atomic"

// Controls is a small struct of atomic.Bool fields: safe to flip from a
// signal handler, polled after each notifier wake, race-detector-clean and
// free of process-wide mutable package state.
type Controls struct {
	reload atomic.Bool
	stop   atomic.Bool
	retry  atomic.Bool
	waker  atomic.Pointer[func()]
}

// NewControls builds an unwired Controls. Engine.New attaches the waker
// that lets Request* calls interrupt a blocked notifier wait; Controls
// built and held before that point still record the flag correctly, they
// just can't wake anything up yet.
func NewControls() *Controls {
	return &Controls{}
}

// RequestReload asks the engine to re-read and diff the peer file at the
// next opportunity. Safe to call from a signal handler.
func (c *Controls) RequestReload() {
	c.reload.Store(true)
	c.wake()
}

// RequestStop asks the engine to exit its event loop at the next
// opportunity, discarding in-flight rings without a graceful drain. Safe to
// call from a signal handler.
func (c *Controls) RequestStop() {
	c.stop.Store(true)
	c.wake()
}

func (c *Controls) requestRetry() {
	c.retry.Store(true)
	c.wake()
}

func (c *Controls) setWaker(f func()) {
	c.waker.Store(&f)
}

func (c *Controls) wake() {
	if p := c.waker.Load(); p != nil {
		(*p)()
	}
}

func (c *Controls) takeReload() bool { return c.reload.Swap(false) }
func (c *Controls) takeRetry() bool  { return c.retry.Swap(false) }
func (c *Controls) shouldStop() bool { return c.stop.Load() }
