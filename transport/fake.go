package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ThorTech/apache-nms/wire"
)

// Fake is an in-memory Transport double used by tests and by the demo
// command. It records every command sent one-way or synchronously and lets
// a test script inject broker replies and inbound dispatches.
type Fake struct {
	mu          sync.Mutex
	dispatchers map[wire.ConsumerID]Dispatcher
	oneway      []wire.Command
	syncReqs    []wire.Command

	// replyFn, when set, computes the SyncRequest reply for a command.
	// Tests that don't care about the reply value can leave it nil, in
	// which case SyncRequest returns (nil, nil).
	replyFn func(cmd wire.Command) (wire.Command, error)

	failOneway bool
	failErr    error

	interruptListener InterruptListener
}

// NewFake creates an empty fake transport.
func NewFake() *Fake {
	return &Fake{dispatchers: make(map[wire.ConsumerID]Dispatcher)}
}

// SetReplyFunc installs the function used to answer SyncRequest calls.
func (f *Fake) SetReplyFunc(fn func(cmd wire.Command) (wire.Command, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyFn = fn
}

// FailWith makes every subsequent Oneway/SyncRequest call return err.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOneway = err != nil
	f.failErr = err
}

func (f *Fake) Oneway(_ context.Context, cmd wire.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOneway {
		return f.failErr
	}
	f.oneway = append(f.oneway, cmd)
	return nil
}

func (f *Fake) SyncRequest(_ context.Context, cmd wire.Command, _ time.Duration) (wire.Command, error) {
	f.mu.Lock()
	if f.failOneway {
		err := f.failErr
		f.mu.Unlock()
		return nil, err
	}
	f.syncReqs = append(f.syncReqs, cmd)
	fn := f.replyFn
	f.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(cmd)
}

func (f *Fake) AddDispatcher(id wire.ConsumerID, d Dispatcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatchers[id] = d
}

func (f *Fake) RemoveDispatcher(id wire.ConsumerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dispatchers, id)
}

// Deliver routes a dispatch to whichever handler is registered for its
// ConsumerID, simulating an inbound frame from the broker.
func (f *Fake) Deliver(md *wire.MessageDispatch) bool {
	f.mu.Lock()
	d, ok := f.dispatchers[md.ConsumerID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	d.Dispatch(md)
	return true
}

// OnewayCommands returns a snapshot of every command sent one-way, in order.
func (f *Fake) OnewayCommands() []wire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Command, len(f.oneway))
	copy(out, f.oneway)
	return out
}

// SyncRequestCommands returns a snapshot of every synchronous request sent,
// in order.
func (f *Fake) SyncRequestCommands() []wire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Command, len(f.syncReqs))
	copy(out, f.syncReqs)
	return out
}

// SetInterruptListener installs the callback notified by Interrupt and
// Resume, mimicking a real transport registering the owning connection or
// session as its InterruptListener.
func (f *Fake) SetInterruptListener(l InterruptListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interruptListener = l
}

// Interrupt simulates the transport detecting a dropped connection,
// notifying the registered InterruptListener so it can flush in-flight
// dispatches ahead of a reconnect.
func (f *Fake) Interrupt() {
	f.mu.Lock()
	l := f.interruptListener
	f.mu.Unlock()
	if l != nil {
		l.OnInterrupted()
	}
}

// Resume simulates the transport reconnecting after an Interrupt.
func (f *Fake) Resume() {
	f.mu.Lock()
	l := f.interruptListener
	f.mu.Unlock()
	if l != nil {
		l.OnResumed()
	}
}

var _ Transport = (*Fake)(nil)
