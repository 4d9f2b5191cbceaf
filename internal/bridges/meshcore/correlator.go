package meshcore

import (
	"fmt"
	"sync"
	"time"
)

// Result carries the outcome of a dispatched command. Exactly one of Value
// or Err is set.
type Result struct {
	Value any
	Err   error
}

// pendingCommand is one in-flight command awaiting its response.
type pendingCommand struct {
	id    uint64
	cmd   string
	ch    chan Result
	timer *time.Timer
}

// Correlator matches asynchronous responses to dispatched commands.
//
// Dispatch mints a monotonically increasing id and registers a pending
// command with a timeout. Resolve and Fail complete the command if its id is
// still registered and are no-ops otherwise, so each command resolves exactly
// once under every code path: matching response, timer expiry, or FailAll.
// Late responses for ids already removed are silently discarded.
//
// The same primitive backs both the bridge subprocess protocol and the
// repeater serial CLI.
type Correlator struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCommand
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[uint64]*pendingCommand),
	}
}

// Dispatch registers a new pending command and returns its id together with
// the channel that will receive the single Result. If no response arrives
// within timeout, the entry is removed and the channel receives a timeout
// error naming the originating command.
func (c *Correlator) Dispatch(cmd string, timeout time.Duration) (uint64, <-chan Result) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID

	p := &pendingCommand{
		id:  id,
		cmd: cmd,
		ch:  make(chan Result, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.expire(id, cmd, timeout)
	})
	c.pending[id] = p
	c.mu.Unlock()

	return id, p.ch
}

// Resolve fulfills the pending command for id with value. Returns false if
// the id is unknown (already resolved, timed out, or never dispatched).
func (c *Correlator) Resolve(id uint64, value any) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.ch <- Result{Value: value}
	return true
}

// Fail rejects the pending command for id with err. Returns false if the id
// is unknown.
func (c *Correlator) Fail(id uint64, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.ch <- Result{Err: err}
	return true
}

// FailAll rejects every outstanding command with err and clears the table.
// Used on disconnect and on unexpected bridge exit, so callers are released
// immediately instead of waiting out their individual timeouts.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingCommand)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- Result{Err: fmt.Errorf("%w: %s", err, p.cmd)}
	}
}

// PendingCount returns the number of commands awaiting a response.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Has reports whether id is still registered.
func (c *Correlator) Has(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// take removes and returns the pending command for id, stopping its timer.
// Returns nil if the id is not registered.
func (c *Correlator) take(id uint64) *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

// expire handles timer expiry for id: the entry is removed and the waiter
// receives a timeout error naming the command, for observability.
func (c *Correlator) expire(id uint64, cmd string, timeout time.Duration) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.ch <- Result{Err: fmt.Errorf("%w: %s after %v", ErrTimeout, cmd, timeout)}
}
