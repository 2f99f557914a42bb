// Package consumer implements the client-side message consumer: prefetch
// and credit accounting, the dispatch pipeline shared by synchronous
// receive and asynchronous listeners, the five acknowledgement regimes,
// pending-ack coalescing, individual-ack bookkeeping, redelivery on
// rollback, transport-interrupt message flushing, and close ordering.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThorTech/apache-nms/dispatch"
	"github.com/ThorTech/apache-nms/policy"
	"github.com/ThorTech/apache-nms/txn"
	"github.com/ThorTech/apache-nms/wire"
)

// Session is the non-owning capability handle a consumer uses to reach its
// owning session, breaking the parent/child import cycle: the consumer
// never imports the session package, it only calls the handful of
// operations it needs.
type Session interface {
	SendOneway(ctx context.Context, cmd wire.Command) error
	SendSync(ctx context.Context, cmd wire.Command, timeout time.Duration) (wire.Command, error)
	// Redispatch re-submits dispatches to the session executor at the head
	// of its queue, in original delivery order.
	Redispatch(dispatches []*wire.MessageDispatch)
	RemoveConsumer(id wire.ConsumerID)
	Transaction() *txn.Context
}

// Delivery is the application-visible wrapper around a dispatched
// message. It carries an individual-ack capability handle in place of a
// per-message delegate: only IndividualAcknowledge-mode deliveries have a
// working Acknowledge.
type Delivery struct {
	Message *wire.Message
	ack     func() error
}

// Acknowledge invokes the individual-ack capability attached to this
// delivery, a no-op outside IndividualAcknowledge mode.
func (d *Delivery) Acknowledge() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Listener receives dispatched messages asynchronously. Errors it returns
// are handled per the ack-mode exception policy: redelivery for
// AutoAck/DupsOk/IndividualAck, consumed-and-propagated for ClientAck and
// transacted sessions.
type Listener func(*Delivery) error

const (
	yieldEvery        = 1000
	halfPrefetchDivisor = 2
)

// Consumer is the client-side handle for one broker subscription.
type Consumer struct {
	id          wire.ConsumerID
	info        *wire.ConsumerInfo
	session     Session
	ackMode     wire.AckMode
	redelivery  policy.RedeliveryPolicy
	ignoreExpiration bool
	log         *slog.Logger

	channel dispatch.Channel

	// dispatchedLock guards dispatchedMessages, pendingAck and the
	// delivery counters, per the two-logical-locks rule: acquire the
	// channel's SyncRoot before this lock when both are needed.
	dispatchedLock sync.Mutex
	dispatchedMessages []*wire.MessageDispatch
	pendingAck         *wire.MessageAck
	deliveredCounter   int
	additionalWindowSize int
	lastDeliveredSequenceID int64
	redeliveryDelay    time.Duration

	deliveringAcks int32 // set by compare-and-swap while an ack send is in flight

	listenerMu sync.RWMutex
	listener   Listener

	started            atomic.Bool
	synchronizationRegistered atomic.Bool
	clearDispatchList  atomic.Bool
	inProgressClearRequired atomic.Bool
	disposed           atomic.Bool
	closing            atomic.Bool

	failureMu sync.Mutex
	failure   error

	exceptionMu       sync.Mutex
	exceptionListener ExceptionListener
}

// Options carries the construction parameters named in the component
// design: durable subscription name, selector, prefetch, max-pending
// cap, no-local and browser flags, and whether dispatch runs
// asynchronously. Zero value is a plain non-durable, non-browser
// consumer with prefetch left at zero (pull-mode) until set.
type Options struct {
	SubscriptionName    string
	Selector            string
	Prefetch            int
	MaximumPendingLimit int
	NoLocal             bool
	Browser             bool
	DispatchAsync       bool
	// Priority selects the ten-bucket JMS-priority channel; false uses
	// strict FIFO.
	Priority bool
	// AdditionalProperties carries destination-URI query parameters; the
	// config package fills it with the consumer. keys, prefix removed,
	// and leaves consumer.nms. keys out.
	AdditionalProperties map[string]string
	RedeliveryPolicy     policy.RedeliveryPolicy
	IgnoreExpiration     bool
}

// New constructs a consumer bound to destination dest under session. dest
// must be non-zero or construction fails with ErrInvalidDestination,
// matching the "destination not null" construction rule.
func New(id wire.ConsumerID, dest wire.Destination, ackMode wire.AckMode, session Session, opts Options, log *slog.Logger) (*Consumer, error) {
	if dest == (wire.Destination{}) {
		return nil, fmt.Errorf("create consumer %s: %w", id, wire.ErrInvalidDestination)
	}
	if log == nil {
		log = slog.Default()
	}
	redeliveryPolicy := opts.RedeliveryPolicy
	if redeliveryPolicy == nil {
		redeliveryPolicy = policy.DefaultRedeliveryPolicy()
	}

	info := &wire.ConsumerInfo{
		ConsumerID:            id,
		Destination:           dest,
		SubscriptionName:      opts.SubscriptionName,
		Selector:              opts.Selector,
		PrefetchSize:          opts.Prefetch,
		MaximumPendingLimit:   opts.MaximumPendingLimit,
		NoLocal:               opts.NoLocal,
		Browser:               opts.Browser,
		DispatchAsync:         opts.DispatchAsync,
		AdditionalProperties:  opts.AdditionalProperties,
	}

	var channel dispatch.Channel
	if opts.Priority {
		channel = dispatch.NewPriority()
	} else {
		channel = dispatch.NewFIFO()
	}

	c := &Consumer{
		id:               id,
		info:             info,
		session:          session,
		ackMode:          ackMode,
		redelivery:       redeliveryPolicy,
		ignoreExpiration: opts.IgnoreExpiration,
		log:              log,
		channel:          channel,
	}
	c.started.Store(true)
	return c, nil
}

// ID returns the consumer's broker-assigned identity.
func (c *Consumer) ID() wire.ConsumerID { return c.id }

// Info returns the ConsumerInfo this consumer was registered with.
func (c *Consumer) Info() *wire.ConsumerInfo { return c.info }

// SetListener installs or removes the asynchronous listener. Installing
// one requires prefetch > 0, per the boundary rule that a pull-mode
// consumer cannot also push. This is the low-level primitive: it only
// swaps the listener field. A caller with dispatches already buffered in
// the channel (e.g. from a prior pull-mode window) should go through the
// owning session's SetListener instead, which stops the executor, drains
// the channel with TakeForRedispatch, and resubmits the drained batch
// before restarting so nothing already buffered is stranded.
func (c *Consumer) SetListener(l Listener) error {
	if l != nil && c.info.PrefetchSize == 0 {
		return fmt.Errorf("set listener on prefetch-zero consumer: %w", wire.ErrInvalidOperation)
	}
	c.listenerMu.Lock()
	c.listener = l
	c.listenerMu.Unlock()
	return nil
}

func (c *Consumer) hasListener() (Listener, bool) {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	return c.listener, c.listener != nil
}

// TakeForRedispatch drains the channel's current contents for
// resubmission to the executor at the head, in original order. Callers
// resubmit by iterating the returned slice in reverse and pushing each
// with ExecuteFirst, per the documented head-reversal technique.
func (c *Consumer) TakeForRedispatch() []*wire.MessageDispatch {
	return c.channel.RemoveAll()
}

// SetFailure records an asynchronous connection failure so that blocked
// synchronous receivers wake and observe it.
func (c *Consumer) SetFailure(err error) {
	c.failureMu.Lock()
	c.failure = err
	c.failureMu.Unlock()
	c.channel.Close()
}

func (c *Consumer) failureErr() error {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	return c.failure
}

// transacted reports whether this consumer's session was opened in
// Transacted ack mode, independent of whether a transaction is currently
// active on it.
func (c *Consumer) transacted() bool {
	return c.ackMode == wire.Transacted
}
