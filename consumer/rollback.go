package consumer

import (
	"context"
	"time"

	"github.com/ThorTech/apache-nms/wire"
)

// afterRollback implements the transactional-rollback algorithm: mark
// every dispatched message as redelivered and hand the whole batch to
// redeliverBatch, which poisons or re-enqueues it.
func (c *Consumer) afterRollback() error {
	c.dispatchedLock.Lock()
	if len(c.dispatchedMessages) == 0 {
		c.dispatchedLock.Unlock()
		return nil
	}
	batch := c.dispatchedMessages
	c.dispatchedMessages = nil
	c.pendingAck = nil
	c.decrementDeliveredLocked(len(batch))
	c.synchronizationRegistered.Store(false)
	c.dispatchedLock.Unlock()

	c.redeliverBatch(batch)
	return nil
}

// redeliverExceptionally implements the non-transactional
// listener-exception policy for AutoAcknowledge, DupsOkAcknowledge and
// IndividualAcknowledge: the failed dispatch is pulled back out of
// dispatchedMessages (it was recorded there by BeforeMessageIsConsumed)
// and put through the same poison-or-redeliver path as a transactional
// rollback, but scoped to this one message.
func (c *Consumer) redeliverExceptionally(md *wire.MessageDispatch) {
	c.dispatchedLock.Lock()
	idx := -1
	for i, d := range c.dispatchedMessages {
		if d.Message.MessageID == md.Message.MessageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.dispatchedLock.Unlock()
		return
	}
	c.dispatchedMessages = append(c.dispatchedMessages[:idx], c.dispatchedMessages[idx+1:]...)
	c.decrementDeliveredLocked(1)
	c.dispatchedLock.Unlock()

	c.redeliverBatch([]*wire.MessageDispatch{md})
}

// redeliverBatch marks every entry in batch as redelivered and either
// poisons it (redelivery count exceeds the policy maximum) or re-enqueues
// it at the head of the channel — after a RedeliveredAck notifies the
// broker — restarting immediately or after the policy's scheduled delay.
func (c *Consumer) redeliverBatch(batch []*wire.MessageDispatch) {
	redeliveryCount := 0
	for _, md := range batch {
		md.Message.Redelivered = true
		md.Message.RedeliveryCounter++
		if md.Message.RedeliveryCounter > redeliveryCount {
			redeliveryCount = md.Message.RedeliveryCounter
		}
	}

	delay := c.redelivery.RedeliveryDelay(redeliveryCount)
	maxRedeliveries := c.redelivery.MaximumRedeliveries()
	poison := maxRedeliveries >= 0 && redeliveryCount > maxRedeliveries

	ctx := context.Background()
	txID := c.transactionID()

	if poison {
		c.sendAck(ctx, buildBatchAck(wire.PoisonAck, c.id, c.info.Destination, batch, txID))
		c.dispatchedLock.Lock()
		c.decrementWindowLocked(len(batch))
		c.dispatchedLock.Unlock()
		c.redeliveryDelay = 0
		return
	}

	if redeliveryCount > 0 {
		c.sendAck(ctx, buildBatchAck(wire.RedeliveredAck, c.id, c.info.Destination, batch, txID))
	}

	c.channel.Stop()

	if _, hasListener := c.hasListener(); hasListener {
		// While the channel is stopped, Dispatch buffers anything that
		// arrives instead of handing it straight to the listener. Drain
		// that buffer and redispatch it after the redelivered batch so
		// the original arrival order is preserved once delivery resumes.
		restart := func() {
			buffered := c.TakeForRedispatch()
			c.channel.Start()
			c.session.Redispatch(append(batch, buffered...))
		}
		if delay > 0 {
			time.AfterFunc(delay, restart)
		} else {
			restart()
		}
		return
	}

	// Re-enqueue at the head in reverse-iteration order so the original
	// delivery order is preserved once the channel resumes.
	for i := len(batch) - 1; i >= 0; i-- {
		c.channel.EnqueueFirst(batch[i])
	}

	if delay > 0 {
		time.AfterFunc(delay, c.channel.Start)
	} else {
		c.channel.Start()
	}
}

func (c *Consumer) transactionID() *wire.TransactionID {
	tx := c.session.Transaction()
	if tx == nil {
		return nil
	}
	id := tx.TransactionID()
	if id.IsZero() {
		return nil
	}
	return &id
}

func buildBatchAck(t wire.AckType, id wire.ConsumerID, dest wire.Destination, batch []*wire.MessageDispatch, txID *wire.TransactionID) *wire.MessageAck {
	return &wire.MessageAck{
		AckType:        t,
		ConsumerID:     id,
		Destination:    dest,
		FirstMessageID: batch[0].Message.MessageID,
		LastMessageID:  batch[len(batch)-1].Message.MessageID,
		MessageCount:   len(batch),
		TransactionID:  txID,
	}
}
