package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/ThorTech/apache-nms/wire"
)

// pullNoWait and pullWaitOne are the two fixed MessagePull.Timeout values
// used outside the "wait up to N ms" case.
const (
	pullWaitOne time.Duration = 0
	pullNoWait  time.Duration = -1
)

// Receive blocks until a dispatch is available or the consumer's channel
// closes.
func (c *Consumer) Receive(ctx context.Context) (*Delivery, error) {
	return c.receive(ctx, -1, false)
}

// ReceiveTimeout blocks up to timeout. A prefetch of zero switches to
// pull-mode: the broker-side MessagePull.Timeout carries the deadline
// while the local wait blocks indefinitely for the broker's reply.
func (c *Consumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	return c.receive(ctx, timeout, false)
}

// ReceiveNoWait polls once. In pull-mode it sends a pull with
// Timeout=-1, meaning the broker replies immediately whether or not a
// message is available.
func (c *Consumer) ReceiveNoWait(ctx context.Context) (*Delivery, error) {
	return c.receive(ctx, 0, true)
}

func (c *Consumer) receive(ctx context.Context, timeout time.Duration, noWait bool) (*Delivery, error) {
	if c.disposed.Load() {
		return nil, fmt.Errorf("receive on consumer %s: %w", c.id, wire.ErrObjectClosed)
	}

	if c.info.PrefetchSize == 0 {
		pullTimeout := timeout
		if noWait {
			pullTimeout = pullNoWait
		} else if timeout < 0 {
			pullTimeout = pullWaitOne
		}
		if err := c.session.SendOneway(ctx, &wire.MessagePull{
			ConsumerID:  c.id,
			Destination: c.info.Destination,
			Timeout:     pullTimeout,
		}); err != nil {
			return nil, fmt.Errorf("send pull for consumer %s: %w", c.id, err)
		}
		return c.waitForDispatch(-1)
	}

	if noWait {
		return c.waitForDispatch(0)
	}

	deadline, hasDeadline := deadlineFor(timeout)
	for {
		remaining := time.Duration(-1)
		if hasDeadline {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
		}
		delivery, err := c.waitForDispatch(remaining)
		if err != nil || delivery == nil {
			return delivery, err
		}
		if !c.ignoreExpiration && delivery.Message.IsExpired() {
			// Adjusted deadline: the next Dequeue call recomputes
			// `remaining` above so an expired drop never extends the wait.
			continue
		}
		return delivery, nil
	}
}

func deadlineFor(timeout time.Duration) (time.Time, bool) {
	if timeout < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(timeout), true
}

// waitForDispatch dequeues one dispatch, applies the before/after
// consumption hooks, and translates the closed-channel and
// asynchronous-failure cases into their documented Receive outcomes.
func (c *Consumer) waitForDispatch(timeout time.Duration) (*Delivery, error) {
	md := c.channel.Dequeue(timeout)
	if md == nil {
		if err := c.failureErr(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if md.Message == nil {
		// Channel-closing sentinel.
		return nil, nil
	}

	c.BeforeMessageIsConsumed(md)

	expired := !c.ignoreExpiration && md.Message.IsExpired()
	c.AfterMessageIsConsumed(md, expired)

	delivery := &Delivery{Message: md.Message}
	if c.ackMode == wire.IndividualAcknowledge {
		delivery.ack = func() error {
			return c.individualAcknowledge(context.Background(), md.Message.MessageID)
		}
	}
	return delivery, nil
}
