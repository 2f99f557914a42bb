// Package transport describes the abstract collaborator the session and
// consumer runtime sends commands through and receives dispatches from. The
// OpenWire byte-level framing and the physical TCP/SSL/failover transport
// that implements this interface in production are out of scope for this
// module; only the contract the core code depends on lives here.
package transport

import (
	"context"
	"time"

	"github.com/ThorTech/apache-nms/wire"
)

// Dispatcher receives inbound MessageDispatch commands routed to a single
// ConsumerID. Sessions implement this to hand dispatches to the executor.
type Dispatcher interface {
	Dispatch(md *wire.MessageDispatch)
}

// Transport is the abstract wire-level collaborator. Implementations own
// OpenWire marshalling and the physical connection; this module never
// constructs one directly except in tests.
type Transport interface {
	// Oneway sends a command without waiting for a broker reply.
	Oneway(ctx context.Context, cmd wire.Command) error

	// SyncRequest sends a command and blocks for the broker's reply, or
	// until timeout elapses (zero means the transport's own default).
	SyncRequest(ctx context.Context, cmd wire.Command, timeout time.Duration) (wire.Command, error)

	// AddDispatcher registers the handler for dispatches addressed to id.
	AddDispatcher(id wire.ConsumerID, d Dispatcher)

	// RemoveDispatcher unregisters a previously added dispatcher.
	RemoveDispatcher(id wire.ConsumerID)
}

// InterruptListener receives transport-interruption lifecycle callbacks.
// A connection registers one; sessions/consumers are notified through it so
// each consumer can flush its in-flight dispatches.
type InterruptListener interface {
	OnInterrupted()
	OnResumed()

	// TransportInterruptionProcessingComplete is invoked by a consumer once
	// it has finished ClearMessagesInProgress for the interruption in
	// progress, so the connection knows when every consumer has caught up.
	TransportInterruptionProcessingComplete(id wire.ConsumerID)
}
