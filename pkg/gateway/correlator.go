package gateway

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Correlator matches the gateway's asynchronous response stream back to
// blocking callers. Each outstanding request owns a pending entry that
// accumulates partial results until the end marker (or a failure) closes it.
// Completion is exactly-once: late duplicates of the end marker are ignored.
type Correlator struct {
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
}

type pendingRequest struct {
	kind    string
	results []any
	err     error
	done    chan struct{}
	closed  bool
}

func NewCorrelator() *Correlator {
	c := &Correlator{pending: make(map[int64]*pendingRequest)}
	c.nextID.Store(1)
	return c
}

// NextID allocates a request id. IDs are strictly increasing for the lifetime
// of the process; two concurrent callers never observe the same id.
func (c *Correlator) NextID() int64 {
	return c.nextID.Add(1) - 1
}

// Seed advances the id counter to at least id, as announced by the gateway's
// next-valid-id broadcast. It never moves the counter backwards.
func (c *Correlator) Seed(id int64) {
	for {
		cur := c.nextID.Load()
		if id <= cur {
			return
		}
		if c.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Register creates the pending entry for id. Call before sending the request
// so a fast response cannot race the registration.
func (c *Correlator) Register(id int64, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = &pendingRequest{kind: kind, done: make(chan struct{})}
}

// Accumulate appends one partial result to the pending request. Results for
// unknown ids (already timed out, or never ours) are dropped.
func (c *Correlator) Accumulate(id int64, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.closed {
		return
	}
	p.results = append(p.results, v)
}

// Complete marks the request finished and wakes the waiter. Duplicate
// completions are no-ops.
func (c *Correlator) Complete(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Fail terminates the request with err. Like Complete, first close wins.
func (c *Correlator) Fail(id int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.closed {
		return
	}
	p.err = err
	p.closed = true
	close(p.done)
}

// Drop removes the pending entry without delivery. Used when the send itself
// fails after registration.
func (c *Correlator) Drop(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Await blocks until the request completes or timeout elapses. The pending
// entry is removed on both paths, so abandoned requests never leak; late
// callbacks for a timed-out id fall into Accumulate's unknown-id drop.
func (c *Correlator) Await(id int64, timeout time.Duration) ([]any, error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, ErrRequestTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		c.mu.Lock()
		results, err := p.results, p.err
		delete(c.pending, id)
		c.mu.Unlock()
		return results, err
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		log.Printf("correlator: request %d (%s) timed out after %s", id, p.kind, timeout)
		return nil, ErrRequestTimeout
	}
}

// Outstanding reports the number of requests still awaiting completion.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Has reports whether id has a live pending entry.
func (c *Correlator) Has(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	return ok && !p.closed
}
