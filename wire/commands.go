package wire

import (
	"fmt"
	"time"
)

// Command is any object that can be sent to, or received from, the broker.
// Concrete OpenWire marshalling is out of scope; Command exists so the
// transport can be written generically.
type Command interface {
	// ResponseRequired reports whether the broker is expected to reply.
	ResponseRequired() bool
}

// ConnectionInfo registers a connection at the broker.
type ConnectionInfo struct {
	ConnectionID ConnectionID
	ClientID     string
	UserName     string
	Password     string
	Manageable   bool
}

func (ConnectionInfo) ResponseRequired() bool { return true }

// SessionInfo registers a session at the broker.
type SessionInfo struct {
	SessionID SessionID
}

func (SessionInfo) ResponseRequired() bool { return true }

// AckMode enumerates the JMS acknowledgement regimes a session is opened
// under; SessionInfo itself only names the session, but consumers and the
// transaction context both need to know which regime they were created
// under, so it travels alongside session creation.
type AckMode int

const (
	AutoAcknowledge AckMode = iota
	ClientAcknowledge
	DupsOkAcknowledge
	Transacted
	IndividualAcknowledge
)

func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "AutoAcknowledge"
	case ClientAcknowledge:
		return "ClientAcknowledge"
	case DupsOkAcknowledge:
		return "DupsOkAcknowledge"
	case Transacted:
		return "Transacted"
	case IndividualAcknowledge:
		return "IndividualAcknowledge"
	default:
		return "Unknown"
	}
}

// DestinationKind distinguishes the JMS destination shapes.
type DestinationKind int

const (
	Queue DestinationKind = iota
	Topic
	TemporaryQueue
	TemporaryTopic
)

// Destination names a queue or topic.
type Destination struct {
	Kind DestinationKind
	Name string
}

func (d Destination) IsTemporary() bool {
	return d.Kind == TemporaryQueue || d.Kind == TemporaryTopic
}

// DestinationInfo registers a temporary destination at the broker.
type DestinationInfo struct {
	ConnectionID ConnectionID
	Destination  Destination
}

func (DestinationInfo) ResponseRequired() bool { return true }

// ConsumerInfo registers a consumer at the broker.
type ConsumerInfo struct {
	ConsumerID            ConsumerID
	Destination           Destination
	SubscriptionName      string // durable subscription name, empty if none
	Selector              string
	PrefetchSize          int
	MaximumPendingLimit   int
	NoLocal               bool
	Browser               bool
	DispatchAsync         bool
	AdditionalProperties  map[string]string
}

func (ConsumerInfo) ResponseRequired() bool { return true }

// ProducerInfo registers a producer at the broker.
type ProducerInfo struct {
	ProducerID  ProducerID
	Destination Destination
	WindowSize  int
}

func (ProducerInfo) ResponseRequired() bool { return false }

// RemoveInfo tears down an object previously registered at the broker.
type RemoveInfo struct {
	ObjectID              fmt.Stringer
	LastDeliveredSequence int64
}

func (RemoveInfo) ResponseRequired() bool { return true }

// RemoveSubscriptionInfo removes a durable subscription.
type RemoveSubscriptionInfo struct {
	ConnectionID     ConnectionID
	ClientID         string
	SubscriptionName string
}

func (RemoveSubscriptionInfo) ResponseRequired() bool { return true }

// Message is the wire representation of a JMS message. Body codecs
// (text/bytes/map/stream/object) are out of scope; Payload carries the
// opaque encoded body.
type Message struct {
	MessageID         MessageID
	TransactionID     *TransactionID
	Destination       Destination
	Payload           []byte
	Persistent        bool
	Priority          byte // 0-9, JMS default is 4
	Expiration        time.Time
	Timestamp         time.Time
	RedeliveryCounter int
	Redelivered       bool
	Properties        map[string]string
}

func (Message) ResponseRequired() bool { return false }

// IsExpired reports whether the message's expiration has passed.
func (m *Message) IsExpired() bool {
	return !m.Expiration.IsZero() && time.Now().After(m.Expiration)
}

// MessageDispatch is an inbound delivery from the broker to a consumer.
type MessageDispatch struct {
	ConsumerID ConsumerID
	Destination Destination
	Message    *Message // nil is a sentinel: channel-closing wake, see §9
	RedeliveryCounter int
}

// AckType enumerates the acknowledgement kinds a MessageAck may carry.
type AckType int

const (
	DeliveredAck AckType = iota
	PoisonAck
	ConsumedAck
	RedeliveredAck
	IndividualAck
)

func (t AckType) String() string {
	switch t {
	case DeliveredAck:
		return "Delivered"
	case PoisonAck:
		return "Poison"
	case ConsumedAck:
		return "Consumed"
	case RedeliveredAck:
		return "Redelivered"
	case IndividualAck:
		return "Individual"
	default:
		return "Unknown"
	}
}

// MessageAck acknowledges one message, or a contiguous range of them.
type MessageAck struct {
	AckType        AckType
	ConsumerID     ConsumerID
	Destination    Destination
	FirstMessageID MessageID
	LastMessageID  MessageID
	MessageCount   int
	TransactionID  *TransactionID
}

func (MessageAck) ResponseRequired() bool { return false }

// MessagePull requests one message from the broker for a zero-prefetch
// consumer. Timeout semantics: 0 = wait for one message, >0 = wait up to
// Timeout for one, -1 = return immediately if nothing is available.
type MessagePull struct {
	ConsumerID  ConsumerID
	Destination Destination
	Timeout     time.Duration
}

func (MessagePull) ResponseRequired() bool { return false }

// TransactionType enumerates the two-phase-commit protocol steps.
type TransactionType int

const (
	TxBegin TransactionType = iota
	TxPrepare
	TxCommitOnePhase
	TxCommitTwoPhase
	TxRollback
	TxRecover
	TxForget
	TxEnd
)

// TransactionInfo drives the transaction coordinator at the broker.
type TransactionInfo struct {
	TransactionID TransactionID
	Type          TransactionType
}

func (t TransactionInfo) ResponseRequired() bool {
	switch t.Type {
	case TxBegin, TxEnd:
		return false
	default:
		return true
	}
}
