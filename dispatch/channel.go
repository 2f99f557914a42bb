// Package dispatch implements the per-consumer dispatch channel: a bounded,
// closeable mailbox between the transport's inbound path and the
// application (listener or synchronous receive). It provides a
// monitor-based blocking channel with FIFO and JMS-priority flavors.
package dispatch

import (
	"sync"
	"time"

	"github.com/ThorTech/apache-nms/wire"
)

// State is the lifecycle state of a Channel.
type State int

const (
	Running State = iota
	Stopped
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is a bounded, closeable mailbox of pending MessageDispatch
// commands for one consumer.
type Channel interface {
	// Enqueue appends m to the tail of the channel.
	Enqueue(m *wire.MessageDispatch)

	// EnqueueFirst pushes m to the head of the channel, used to restore
	// original delivery order on rollback and listener redispatch.
	EnqueueFirst(m *wire.MessageDispatch)

	// Dequeue blocks up to timeout for a message. A negative timeout
	// blocks indefinitely; zero does not block. Returns nil on timeout or
	// once the channel is Closed and empty.
	Dequeue(timeout time.Duration) *wire.MessageDispatch

	// DequeueNoWait is Dequeue(0).
	DequeueNoWait() *wire.MessageDispatch

	// RemoveAll empties the channel and returns everything it held, in
	// original delivery order.
	RemoveAll() []*wire.MessageDispatch

	// Clear discards the channel's contents without returning them.
	Clear()

	Start()
	Stop()
	Close()

	// Running reports whether the channel is currently accepting delivery
	// (neither Stopped nor Closed). A listener-mode consumer consults this
	// before handing an inbound dispatch straight to the listener, so a
	// Stop() issued to suspend delivery is actually honored.
	Running() bool

	Count() int
	Empty() bool

	// SyncRoot exposes a stable monitor object so callers needing to
	// interleave channel state with other guarded state can take the same
	// lock.
	SyncRoot() sync.Locker
}

// syncRoot adapts a *sync.Mutex to sync.Locker without exposing the
// implementation's other fields.
type syncRoot struct {
	mu *sync.Mutex
}

func (s syncRoot) Lock()   { s.mu.Lock() }
func (s syncRoot) Unlock() { s.mu.Unlock() }
