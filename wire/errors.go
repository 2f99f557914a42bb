package wire

import "errors"

// Sentinel errors shared across the runtime. Packages that need a more
// specific message wrap these with fmt.Errorf("...: %w", ErrXxx).
var (
	// ErrInvalidDestination is returned when a consumer or producer is
	// created against a nil destination.
	ErrInvalidDestination = errors.New("invalid destination")

	// ErrInvalidOperation is returned for operations that are not legal in
	// the current mode, e.g. commit/rollback on a non-transacted session.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrObjectClosed is returned by any mutation attempted after the
	// owning object has been closed or shut down.
	ErrObjectClosed = errors.New("object closed")

	// ErrDisposed is the state-tracker specific spelling of ErrObjectClosed.
	ErrDisposed = errors.New("disposed")

	// ErrConnectionFailure surfaces asynchronously on consumers and
	// synchronous receivers when the underlying connection has failed.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrBrokerRejected is returned when a SyncRequest for a create/ack/
	// commit command is rejected by the broker.
	ErrBrokerRejected = errors.New("broker rejected request")

	// ErrTransactionRolledBack surfaces a commit that the broker rejected.
	ErrTransactionRolledBack = errors.New("transaction rolled back")
)
