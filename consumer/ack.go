package consumer

import (
	"context"
	"sync/atomic"

	"github.com/ThorTech/apache-nms/wire"
)

// ackStrategy selects which of the four acknowledgement behaviours
// governs this consumer, computed on each call to strategy from the ack
// mode and (for DupsOk) the destination kind.
type ackStrategy int

const (
	ackEach ackStrategy = iota
	ackBatch
	ackDeliveredCoalesce
	ackTransacted
)

func (c *Consumer) strategy() ackStrategy {
	switch c.ackMode {
	case wire.AutoAcknowledge:
		return ackEach
	case wire.DupsOkAcknowledge:
		switch c.info.Destination.Kind {
		case wire.Topic, wire.TemporaryTopic:
			return ackBatch
		default:
			return ackEach
		}
	case wire.ClientAcknowledge, wire.IndividualAcknowledge:
		return ackDeliveredCoalesce
	case wire.Transacted:
		return ackTransacted
	default:
		return ackEach
	}
}

// appendDispatched records md as delivered-but-unacked. Must be called
// with dispatchedLock held.
func (c *Consumer) appendDispatched(md *wire.MessageDispatch) {
	c.dispatchedMessages = append(c.dispatchedMessages, md)
	c.deliveredCounter++
	c.lastDeliveredSequenceID = md.Message.MessageID.BrokerSequenceID
}

// buildConsumedAckLocked spans a ConsumedAck over every entry currently in
// dispatchedMessages. Callers must hold dispatchedLock and ensure the
// list is non-empty.
func (c *Consumer) buildConsumedAckLocked() *wire.MessageAck {
	return c.buildAckLocked(wire.ConsumedAck)
}

func (c *Consumer) buildAckLocked(t wire.AckType) *wire.MessageAck {
	first := c.dispatchedMessages[0]
	last := c.dispatchedMessages[len(c.dispatchedMessages)-1]
	ack := &wire.MessageAck{
		AckType:        t,
		ConsumerID:     c.id,
		Destination:    c.info.Destination,
		FirstMessageID: first.Message.MessageID,
		LastMessageID:  last.Message.MessageID,
		MessageCount:   len(c.dispatchedMessages),
	}
	if c.transacted() {
		if tx := c.session.Transaction(); tx != nil {
			id := tx.TransactionID()
			if !id.IsZero() {
				ack.TransactionID = &id
			}
		}
	}
	return ack
}

// ackLaterLocked applies the AckLater coalescing rule and returns an ack
// that must be sent immediately outside the lock, or nil. Callers must
// hold dispatchedLock.
func (c *Consumer) ackLaterLocked(ack *wire.MessageAck) *wire.MessageAck {
	if c.pendingAck == nil {
		c.pendingAck = ack
		return nil
	}
	if c.pendingAck.AckType == ack.AckType {
		c.pendingAck.LastMessageID = ack.LastMessageID
		c.pendingAck.MessageCount += ack.MessageCount
		return nil
	}
	if c.pendingAck.AckType == wire.DeliveredAck {
		// Delivered acks are optional prefetch-credit hints; discard the
		// stale one rather than sending it.
		c.pendingAck = ack
		return nil
	}
	old := c.pendingAck
	c.pendingAck = ack
	return old
}

// maybeFlushLocked applies the half-prefetch flush heuristic, returning a
// pending ack to send if the threshold has been crossed. Callers must
// hold dispatchedLock.
func (c *Consumer) maybeFlushLocked() *wire.MessageAck {
	prefetch := c.info.PrefetchSize
	if prefetch <= 0 || c.pendingAck == nil {
		return nil
	}
	if float64(c.deliveredCounter-c.additionalWindowSize) < float64(prefetch)/halfPrefetchDivisor {
		return nil
	}
	ack := c.pendingAck
	c.pendingAck = nil
	// A periodic flush is a credit hint, not a resolution: the messages
	// stay in dispatchedMessages until Acknowledge/Commit/rollback
	// actually clears them, so only additionalWindowSize grows here.
	c.additionalWindowSize += ack.MessageCount
	return ack
}

// decrementDeliveredLocked reduces deliveredCounter by count, floored at
// zero. Callers must hold dispatchedLock.
func (c *Consumer) decrementDeliveredLocked(count int) {
	c.deliveredCounter -= count
	if c.deliveredCounter < 0 {
		c.deliveredCounter = 0
	}
}

// decrementWindowLocked reduces additionalWindowSize by count, floored at
// zero. Called from the poison-ack branch of redelivery and from
// Acknowledge's non-transacted clear; an ordinary redeliver or a plain
// expiry/rollback does not touch the credit window. Callers must hold
// dispatchedLock.
func (c *Consumer) decrementWindowLocked(count int) {
	c.additionalWindowSize -= count
	if c.additionalWindowSize < 0 {
		c.additionalWindowSize = 0
	}
}

// sendAck delivers ack to the broker. deliveringAcks marks a send in
// flight; a send that overlaps one already in flight is logged at debug
// level and still sent, so sends are not serialized. Failures are logged
// and swallowed: the caller's pending ack has already been detached from
// the consumer, and a failed send is neither re-queued nor retried.
func (c *Consumer) sendAck(ctx context.Context, ack *wire.MessageAck) {
	if ack == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.deliveringAcks, 0, 1) {
		// Another flush is already in flight; send anyway but note the
		// contention for diagnostics.
		c.log.Debug("ack send overlapping in-flight delivery", "consumer", c.id)
	} else {
		defer atomic.StoreInt32(&c.deliveringAcks, 0)
	}
	if err := c.session.SendOneway(ctx, ack); err != nil {
		c.log.Warn("ack send failed", "consumer", c.id, "ack_type", ack.AckType, "error", err)
	}
}

// BeforeMessageIsConsumed runs before a dispatch is handed to the
// listener or a synchronous receiver, recording it as delivered and, for
// a transacted session with an active transaction, registering the
// per-consumer commit synchronization exactly once and coalescing a
// DeliveredAck so prefetch credit keeps flowing while the transaction is
// open. No ack of any kind is sent for a transacted consumer before its
// session's transaction has actually begun.
func (c *Consumer) BeforeMessageIsConsumed(md *wire.MessageDispatch) {
	c.dispatchedLock.Lock()
	c.appendDispatched(md)

	var toSend *wire.MessageAck
	if c.strategy() == ackTransacted {
		if tx := c.session.Transaction(); tx != nil && tx.InLocalTransaction() {
			if c.synchronizationRegistered.CompareAndSwap(false, true) {
				tx.AddSynchronization(&consumerSync{c: c})
			}
			toSend = c.ackLaterLocked(c.buildAckLocked(wire.DeliveredAck))
		}
	}
	c.dispatchedLock.Unlock()

	c.sendAck(context.Background(), toSend)
}

// AfterMessageIsConsumed runs after a dispatch has been handed to the
// listener (or returned from a synchronous receive) and applies the
// ack-mode-specific completion behaviour. expired marks an
// implicit-consumption pass over an already-expired message, which always
// acks with a DeliveredAck hint instead of the ordinary per-mode ack: the
// message was never actually handed to the application.
func (c *Consumer) AfterMessageIsConsumed(md *wire.MessageDispatch, expired bool) {
	if expired {
		c.ackExpired(md)
		return
	}

	strat := c.strategy()
	if strat == ackTransacted {
		return
	}

	c.dispatchedLock.Lock()
	var toSend *wire.MessageAck
	switch strat {
	case ackEach:
		if len(c.dispatchedMessages) > 0 {
			toSend = c.buildConsumedAckLocked()
			c.dispatchedMessages = nil
		}
	case ackBatch:
		ack := c.buildAckLocked(wire.ConsumedAck)
		ack.FirstMessageID = md.Message.MessageID
		ack.LastMessageID = md.Message.MessageID
		ack.MessageCount = 1
		if flushed := c.ackLaterLocked(ack); flushed != nil {
			toSend = flushed
		}
		if flushed := c.maybeFlushLocked(); flushed != nil {
			toSend = flushed
		}
	case ackDeliveredCoalesce:
		ack := c.buildAckLocked(wire.DeliveredAck)
		ack.FirstMessageID = md.Message.MessageID
		ack.LastMessageID = md.Message.MessageID
		ack.MessageCount = 1
		if flushed := c.ackLaterLocked(ack); flushed != nil {
			toSend = flushed
		}
		if flushed := c.maybeFlushLocked(); flushed != nil {
			toSend = flushed
		}
	}
	c.dispatchedLock.Unlock()

	c.sendAck(context.Background(), toSend)
}

// ackExpired removes md from the pending list and sends a single-message
// DeliveredAck for it, regardless of ack mode or an open transaction: an
// expired message was never delivered to the application, so it must not
// be folded into a ConsumedAck or counted toward transaction state.
func (c *Consumer) ackExpired(md *wire.MessageDispatch) {
	c.dispatchedLock.Lock()
	for i, d := range c.dispatchedMessages {
		if d.Message.MessageID == md.Message.MessageID {
			c.dispatchedMessages = append(c.dispatchedMessages[:i], c.dispatchedMessages[i+1:]...)
			c.decrementDeliveredLocked(1)
			break
		}
	}
	ack := &wire.MessageAck{
		AckType:        wire.DeliveredAck,
		ConsumerID:     c.id,
		Destination:    c.info.Destination,
		FirstMessageID: md.Message.MessageID,
		LastMessageID:  md.Message.MessageID,
		MessageCount:   1,
	}
	c.dispatchedLock.Unlock()

	c.sendAck(context.Background(), ack)
}

// Acknowledge is the client-ack API and the transaction before-end hook:
// it spans a ConsumedAck over the entire dispatched list, sends it
// synchronously, and — for non-transacted sessions — clears the list and
// adjusts the delivery counters downward.
func (c *Consumer) Acknowledge(ctx context.Context) error {
	c.dispatchedLock.Lock()
	if len(c.dispatchedMessages) == 0 {
		c.dispatchedLock.Unlock()
		return nil
	}
	ack := c.buildConsumedAckLocked()
	transacted := c.transacted()
	if !transacted {
		c.dispatchedMessages = nil
		c.pendingAck = nil
		c.decrementDeliveredLocked(ack.MessageCount)
		c.decrementWindowLocked(ack.MessageCount)
	}
	c.dispatchedLock.Unlock()

	_, err := c.session.SendSync(ctx, ack, 0)
	return err
}

// individualAcknowledge finds md's message in dispatchedMessages by id,
// removes it, and sends a one-message IndividualAck. A missing id is
// logged and ignored rather than treated as an error, matching the
// individual-ack contract.
func (c *Consumer) individualAcknowledge(ctx context.Context, id wire.MessageID) error {
	c.dispatchedLock.Lock()
	idx := -1
	for i, md := range c.dispatchedMessages {
		if md.Message.MessageID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.dispatchedLock.Unlock()
		c.log.Warn("individual ack for unknown message id", "consumer", c.id, "message_id", id)
		return nil
	}
	md := c.dispatchedMessages[idx]
	c.dispatchedMessages = append(c.dispatchedMessages[:idx], c.dispatchedMessages[idx+1:]...)
	ack := &wire.MessageAck{
		AckType:        wire.IndividualAck,
		ConsumerID:     c.id,
		Destination:    c.info.Destination,
		FirstMessageID: md.Message.MessageID,
		LastMessageID:  md.Message.MessageID,
		MessageCount:   1,
	}
	c.dispatchedLock.Unlock()

	return c.session.SendOneway(ctx, ack)
}

// consumerSync is the Synchronization a transacted consumer registers
// with its session's transaction context the first time it delivers a
// message inside an active transaction: BeforeEnd flushes the client-ack
// equivalent, AfterCommit clears bookkeeping, AfterRollback redelivers.
type consumerSync struct {
	c *Consumer
}

func (s *consumerSync) BeforeEnd() error {
	return s.c.Acknowledge(context.Background())
}

func (s *consumerSync) AfterCommit() error {
	s.c.commit()
	return nil
}

func (s *consumerSync) AfterRollback() error {
	return s.c.afterRollback()
}

// commit clears dispatchedMessages (already acked by BeforeEnd →
// Acknowledge) and resets the redelivery delay.
func (c *Consumer) commit() {
	c.dispatchedLock.Lock()
	c.dispatchedMessages = nil
	c.pendingAck = nil
	c.redeliveryDelay = 0
	c.synchronizationRegistered.Store(false)
	c.dispatchedLock.Unlock()
}
