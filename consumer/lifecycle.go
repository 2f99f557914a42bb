package consumer

import (
	"context"

	"github.com/ThorTech/apache-nms/wire"
)

// Close tears the consumer down. In a transacted session with an active
// local transaction the actual teardown is deferred to an
// AfterCommit/AfterRollback synchronization that then calls DoClose,
// since flushing acks and removing the consumer before the transaction
// resolves would lose the pending work.
func (c *Consumer) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	if tx := c.session.Transaction(); tx != nil && c.transacted() && tx.InLocalTransaction() {
		tx.AddSynchronization(&closeSync{c: c, ctx: ctx})
		return nil
	}

	return c.DoClose(ctx)
}

type closeSync struct {
	c   *Consumer
	ctx context.Context
}

func (s *closeSync) BeforeEnd() error   { return nil }
func (s *closeSync) AfterCommit() error { return s.c.DoClose(s.ctx) }
func (s *closeSync) AfterRollback() error {
	return s.c.DoClose(s.ctx)
}

// DoClose runs Shutdown, which removes the consumer from its session, and
// then tells the broker to forget this consumer, carrying the last
// delivered broker sequence id so it can correctly resume any pending
// redelivery.
func (c *Consumer) DoClose(ctx context.Context) error {
	c.Shutdown()

	c.dispatchedLock.Lock()
	lastSeq := c.lastDeliveredSequenceID
	c.dispatchedLock.Unlock()

	return c.session.SendOneway(ctx, &wire.RemoveInfo{
		ObjectID:              c.id,
		LastDeliveredSequence: lastSeq,
	})
}

// Shutdown flushes any pending auto-ack, clears dispatchedMessages for
// non-transacted sessions, closes the channel, and removes the consumer
// from its owning session. Used both directly on session close and as the
// first step of DoClose.
func (c *Consumer) Shutdown() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}

	if !c.transacted() {
		if strat := c.strategy(); strat == ackEach || strat == ackBatch {
			if err := c.Acknowledge(context.Background()); err != nil {
				c.log.Warn("flush ack on shutdown failed", "consumer", c.id, "error", err)
			}
		}
		c.dispatchedLock.Lock()
		c.dispatchedMessages = nil
		c.pendingAck = nil
		c.dispatchedLock.Unlock()
	}

	c.channel.Close()
	c.session.RemoveConsumer(c.id)
}

// InProgressClearRequired raises the transport-interrupt clearing flag,
// called by the connection when the transport reports an interruption.
func (c *Consumer) InProgressClearRequired() {
	c.inProgressClearRequired.Store(true)
	c.clearDispatchList.Store(true)
}

// ClearMessagesInProgress drains the channel and invalidates any pending
// DeliveredAck, then notifies the transport that this consumer's
// interrupt-processing step is complete. Intended to run on a worker so
// it never blocks behind an in-flight ack send.
func (c *Consumer) ClearMessagesInProgress(interruptComplete func(wire.ConsumerID)) {
	c.channel.Clear()
	c.clearDispatchList.Store(false)

	c.invalidatePendingDelivered()
	c.inProgressClearRequired.Store(false)

	if interruptComplete != nil {
		interruptComplete(c.id)
	}
}
