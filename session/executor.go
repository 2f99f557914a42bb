package session

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThorTech/apache-nms/dispatch"
	"github.com/ThorTech/apache-nms/wire"
)

// yieldEvery matches the consumer package's cooperative-yield cadence: the
// pump gives up its slice of the goroutine scheduler every 1000 dispatches
// so one busy session cannot starve others sharing the runtime.
const yieldEvery = 1000

// Dispatchable is the subset of *consumer.Consumer the executor needs to
// hand off an inbound dispatch, kept local to avoid an import cycle back
// to the consumer package.
type Dispatchable interface {
	Dispatch(md *wire.MessageDispatch)
}

// Lookup resolves a ConsumerID to its consumer, or reports false if none
// is registered (the consumer was removed mid-flight).
type Lookup func(id wire.ConsumerID) (Dispatchable, bool)

// Executor is the single-threaded cooperative dispatcher owned by a
// session: it holds dispatches in arrival order and hands each to its
// target consumer, serializing all listener invocations for the session
// the way a real JMS session must.
type Executor struct {
	channel dispatch.Channel
	lookup  Lookup
	log     *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewExecutor creates an executor that resolves dispatch targets via
// lookup. The executor does not start its pump until Start is called.
func NewExecutor(lookup Lookup, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{channel: dispatch.NewFIFO(), lookup: lookup, log: log}
}

// Execute appends md to the tail of the pending queue.
func (e *Executor) Execute(md *wire.MessageDispatch) {
	e.channel.Enqueue(md)
}

// ExecuteFirst prepends md, used to restore original order on listener
// installation and after rollback.
func (e *Executor) ExecuteFirst(md *wire.MessageDispatch) {
	e.channel.EnqueueFirst(md)
}

// Dispatch satisfies transport.Dispatcher: the transport's reader thread
// calls this directly, and the executor just enqueues for its own pump to
// route by ConsumerID.
func (e *Executor) Dispatch(md *wire.MessageDispatch) {
	e.Execute(md)
}

// Start begins (or resumes) the pump goroutine. Calling Start while
// already running is a no-op.
func (e *Executor) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.channel.Start()
	e.wg.Add(1)
	go e.pump()
}

// Stop signals the pump to drain its remaining queue and exit, then waits
// up to timeout for it to do so. A non-positive timeout waits indefinitely.
// Stop does not discard queued dispatches; ClearMessagesInProgress does.
func (e *Executor) Stop(timeout time.Duration) bool {
	if !e.running.Load() {
		return true
	}
	e.channel.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		e.log.Warn("executor stop timed out waiting for pump to drain")
		return false
	}
}

// Running reports whether the pump goroutine is active.
func (e *Executor) Running() bool {
	return e.running.Load()
}

// ClearMessagesInProgress discards everything currently queued in the
// executor without dispatching it, used during transport-interrupt
// recovery before replay resumes.
func (e *Executor) ClearMessagesInProgress() {
	e.channel.Clear()
}

// Wakeup nudges a blocked pump without delivering anything, by enqueuing
// the nil-Message sentinel the pump treats as a no-op.
func (e *Executor) Wakeup() {
	e.channel.Enqueue(&wire.MessageDispatch{})
}

func (e *Executor) pump() {
	defer e.wg.Done()
	defer e.running.Store(false)

	var count uint64
	for {
		md := e.channel.Dequeue(-1)
		if md == nil {
			return
		}
		if md.Message == nil {
			continue
		}

		target, ok := e.lookup(md.ConsumerID)
		if !ok {
			e.log.Debug("dropping dispatch for unknown consumer", "consumer", md.ConsumerID)
			continue
		}
		target.Dispatch(md)

		count++
		if count%yieldEvery == 0 {
			runtime.Gosched()
		}
	}
}
