package consumer

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/ThorTech/apache-nms/wire"
)

// ExceptionListener is notified of listener errors that the ack-mode
// exception policy propagates outward rather than swallowing (the
// ClientAcknowledge / transacted case).
type ExceptionListener func(error)

// SetExceptionListener installs the callback used to surface listener
// exceptions that the ack-mode policy treats as consumed-and-propagated.
func (c *Consumer) SetExceptionListener(l ExceptionListener) {
	c.exceptionMu.Lock()
	c.exceptionListener = l
	c.exceptionMu.Unlock()
}

func (c *Consumer) notifyException(err error) {
	c.exceptionMu.Lock()
	l := c.exceptionListener
	c.exceptionMu.Unlock()
	if l != nil {
		l(err)
	} else {
		c.log.Error("unhandled consumer listener exception", "consumer", c.id, "error", err)
	}
}

var dispatchCounter uint64

// Dispatch is the inbound entry point invoked by the session executor for
// every MessageDispatch routed to this consumer. It implements the
// pipeline: drop during transport-interrupt clearing, deliver
// synchronously to an installed listener while the channel is running,
// or else buffer on the channel for a synchronous receiver. There is no
// separate check for a closed channel: a dispatch arriving after close
// is buffered like any other, not dropped.
func (c *Consumer) Dispatch(md *wire.MessageDispatch) {
	if n := atomic.AddUint64(&dispatchCounter, 1); n%yieldEvery == 0 {
		runtime.Gosched()
	}

	if c.clearDispatchList.Load() {
		c.channel.Clear()
		c.invalidatePendingDelivered()
		return
	}

	if md == nil {
		c.channel.Close()
		return
	}
	if md.Message == nil {
		// Sentinel dispatch: treated as a channel-closing wake, per the
		// resolved handling of a null-body MessageDispatch.
		c.channel.Enqueue(md)
		return
	}

	listener, hasListener := c.hasListener()
	if hasListener && c.channel.Running() {
		c.dispatchToListener(md, listener)
		return
	}

	c.channel.Enqueue(md)
}

func (c *Consumer) invalidatePendingDelivered() {
	c.dispatchedLock.Lock()
	if c.pendingAck != nil && c.pendingAck.AckType == wire.DeliveredAck {
		c.pendingAck = nil
	}
	c.dispatchedLock.Unlock()
}

func (c *Consumer) dispatchToListener(md *wire.MessageDispatch, listener Listener) {
	c.BeforeMessageIsConsumed(md)

	expired := !c.ignoreExpiration && md.Message.IsExpired()
	if expired {
		c.AfterMessageIsConsumed(md, true)
		return
	}

	delivery := &Delivery{Message: md.Message}
	if c.ackMode == wire.IndividualAcknowledge {
		delivery.ack = func() error {
			return c.individualAcknowledge(context.Background(), md.Message.MessageID)
		}
	}

	if err := listener(delivery); err != nil {
		c.handleListenerError(md, err)
		return
	}

	c.AfterMessageIsConsumed(md, false)
}

func (c *Consumer) handleListenerError(md *wire.MessageDispatch, err error) {
	switch c.ackMode {
	case wire.ClientAcknowledge, wire.Transacted:
		c.AfterMessageIsConsumed(md, false)
		c.notifyException(err)
	default:
		// AutoAcknowledge, DupsOkAcknowledge, IndividualAcknowledge: mark
		// for redelivery instead of acking as consumed.
		c.redeliverExceptionally(md)
	}
}
