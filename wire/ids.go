// Package wire defines the command and identifier types exchanged with the
// broker. The wire encoding of these types (OpenWire marshalling) and the
// physical transport that carries them are external collaborators; this
// package only fixes their Go shapes so the session/consumer/producer
// runtime can be written against a stable data model.
package wire

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ConnectionID identifies a client connection at the broker.
type ConnectionID string

// NewConnectionID mints a globally unique connection id rooted in a UUID,
// the same way a real NMS client avoids relying on hostname/pid uniqueness.
func NewConnectionID() ConnectionID {
	return ConnectionID("ID:" + uuid.New().String())
}

// SessionID identifies a session within a connection.
type SessionID struct {
	ConnectionID ConnectionID
	Value        int64
}

func (id SessionID) String() string {
	return fmt.Sprintf("%s:%d", id.ConnectionID, id.Value)
}

// ConsumerID identifies a consumer within a session.
type ConsumerID struct {
	ConnectionID ConnectionID
	SessionValue int64
	Value        int64
}

func (id ConsumerID) String() string {
	return fmt.Sprintf("%s:%d:%d", id.ConnectionID, id.SessionValue, id.Value)
}

// ProducerID identifies a producer within a session.
type ProducerID struct {
	ConnectionID ConnectionID
	SessionValue int64
	Value        int64
}

func (id ProducerID) String() string {
	return fmt.Sprintf("%s:%d:%d", id.ConnectionID, id.SessionValue, id.Value)
}

// MessageID identifies a message produced by a given producer.
type MessageID struct {
	ProducerID       ProducerID
	Sequence         int64
	BrokerSequenceID int64
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s:%d", id.ProducerID, id.Sequence)
}

// TransactionID is an opaque identifier produced by the transaction
// coordinator: the owning ConnectionID plus a connection-scoped Value.
type TransactionID struct {
	ConnectionID ConnectionID
	Value        int64
}

func (id TransactionID) String() string {
	return fmt.Sprintf("TX:%s:%d", id.ConnectionID, id.Value)
}

// IsZero reports whether the id has never been assigned.
func (id TransactionID) IsZero() bool {
	return id == TransactionID{}
}

// SequenceGenerator hands out monotonically increasing values, e.g. for
// SessionID.Value, ConsumerID.Value and MessageID.Sequence.
type SequenceGenerator struct {
	next int64
}

// Next returns the next value in the sequence, starting at 1.
func (g *SequenceGenerator) Next() int64 {
	return atomic.AddInt64(&g.next, 1)
}
