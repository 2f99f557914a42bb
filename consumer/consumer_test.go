package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThorTech/apache-nms/policy"
	"github.com/ThorTech/apache-nms/tracker"
	"github.com/ThorTech/apache-nms/transport"
	"github.com/ThorTech/apache-nms/txn"
	"github.com/ThorTech/apache-nms/wire"
	"github.com/stretchr/testify/require"
)

// fakeSession is a minimal Session capability double for consumer tests.
type fakeSession struct {
	fake *transport.Fake
	tx   *txn.Context

	redispatched [][]*wire.MessageDispatch
	removed      []wire.ConsumerID
}

func newFakeSession(t *testing.T) *fakeSession {
	fake := transport.NewFake()
	connID := wire.NewConnectionID()
	sessionID := wire.SessionID{ConnectionID: connID, Value: 1}
	state := tracker.New(&wire.ConnectionInfo{ConnectionID: connID})
	seq := &wire.SequenceGenerator{}
	return &fakeSession{fake: fake, tx: txn.New(sessionID, fake, state, seq, nil, true)}
}

func (s *fakeSession) SendOneway(ctx context.Context, cmd wire.Command) error {
	return s.fake.Oneway(ctx, cmd)
}

func (s *fakeSession) SendSync(ctx context.Context, cmd wire.Command, timeout time.Duration) (wire.Command, error) {
	return s.fake.SyncRequest(ctx, cmd, timeout)
}

func (s *fakeSession) Redispatch(mds []*wire.MessageDispatch) {
	s.redispatched = append(s.redispatched, mds)
}

func (s *fakeSession) RemoveConsumer(id wire.ConsumerID) {
	s.removed = append(s.removed, id)
}

func (s *fakeSession) Transaction() *txn.Context { return s.tx }

func testDestination() wire.Destination {
	return wire.Destination{Kind: wire.Queue, Name: "orders"}
}

func testConsumerID() wire.ConsumerID {
	return wire.ConsumerID{ConnectionID: wire.NewConnectionID(), SessionValue: 1, Value: 1}
}

func dispatchFor(seq int64, priority byte) *wire.MessageDispatch {
	return &wire.MessageDispatch{
		Message: &wire.Message{
			MessageID: wire.MessageID{Sequence: seq, BrokerSequenceID: seq},
			Priority:  priority,
		},
	}
}

func TestConstructionRejectsNilDestination(t *testing.T) {
	sess := newFakeSession(t)
	_, err := New(testConsumerID(), wire.Destination{}, wire.AutoAcknowledge, sess, Options{Prefetch: 10}, nil)
	require.ErrorIs(t, err, wire.ErrInvalidDestination)
}

func TestAutoAckDeliversAndAcksEach(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.AutoAcknowledge, sess, Options{Prefetch: 100}, nil)
	require.NoError(t, err)

	var received []int64
	require.NoError(t, c.SetListener(func(d *Delivery) error {
		received = append(received, d.Message.MessageID.Sequence)
		return nil
	}))

	for i := int64(1); i <= 10; i++ {
		c.Dispatch(dispatchFor(i, 4))
	}

	require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, received)

	acks := sess.fake.OnewayCommands()
	require.Len(t, acks, 10, "auto-ack each mode sends one ConsumedAck per delivery")
	for _, cmd := range acks {
		ack := cmd.(*wire.MessageAck)
		require.Equal(t, wire.ConsumedAck, ack.AckType)
	}

	require.Zero(t, len(c.dispatchedMessages))
}

func TestClientAckCoalescesUntilExplicitAcknowledge(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.ClientAcknowledge, sess, Options{Prefetch: 10}, nil)
	require.NoError(t, err)

	for i := int64(1); i <= 6; i++ {
		delivery, err := c.waitForDispatchTest(dispatchFor(i, 4))
		require.NoError(t, err)
		require.NotNil(t, delivery)
	}

	for _, cmd := range sess.fake.OnewayCommands() {
		ack, ok := cmd.(*wire.MessageAck)
		require.True(t, ok)
		require.Equal(t, wire.DeliveredAck, ack.AckType, "only credit-hint delivered acks flush before an explicit Acknowledge")
	}
	require.Empty(t, sess.fake.SyncRequestCommands())

	require.NoError(t, c.Acknowledge(context.Background()))

	syncReqs := sess.fake.SyncRequestCommands()
	require.Len(t, syncReqs, 1)
	ack := syncReqs[0].(*wire.MessageAck)
	require.Equal(t, wire.ConsumedAck, ack.AckType)
	require.Equal(t, int64(1), ack.FirstMessageID.Sequence)
	require.Equal(t, int64(6), ack.LastMessageID.Sequence)
	require.Equal(t, 6, ack.MessageCount)
}

func TestTransactionalRollbackReenqueuesInOrder(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.Transacted, sess, Options{
		Prefetch:         4,
		RedeliveryPolicy: policy.FixedDelayPolicy{Delay: 0, MaximumTries: 3},
	}, nil)
	require.NoError(t, err)

	_, err = sess.tx.Begin(context.Background())
	require.NoError(t, err)

	batch := []*wire.MessageDispatch{dispatchFor(1, 4), dispatchFor(2, 4), dispatchFor(3, 4), dispatchFor(4, 4)}
	for _, md := range batch {
		c.BeforeMessageIsConsumed(md)
	}

	require.NoError(t, sess.tx.Rollback(context.Background()))

	require.Empty(t, c.dispatchedMessages)

	var got []int64
	for {
		md := c.channel.DequeueNoWait()
		if md == nil {
			break
		}
		got = append(got, md.Message.MessageID.Sequence)
		require.Equal(t, 1, md.Message.RedeliveryCounter)
		require.True(t, md.Message.Redelivered)
	}
	require.Equal(t, []int64{1, 2, 3, 4}, got, "rollback must preserve original delivery order")
}

func TestPoisonAckAfterMaxRedeliveries(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.Transacted, sess, Options{
		Prefetch:         4,
		RedeliveryPolicy: policy.FixedDelayPolicy{Delay: 0, MaximumTries: 3},
	}, nil)
	require.NoError(t, err)

	md := dispatchFor(1, 4)
	md.Message.RedeliveryCounter = 3

	_, err = sess.tx.Begin(context.Background())
	require.NoError(t, err)
	c.BeforeMessageIsConsumed(md)
	require.NoError(t, sess.tx.Rollback(context.Background()))

	oneway := sess.fake.OnewayCommands()
	var poisoned bool
	for _, cmd := range oneway {
		if ack, ok := cmd.(*wire.MessageAck); ok && ack.AckType == wire.PoisonAck {
			poisoned = true
			require.Equal(t, 1, ack.MessageCount)
		}
	}
	require.True(t, poisoned, "the redelivery past MaximumRedeliveries must poison the message")
}

func TestReceiveNoWaitReturnsNilWhenEmpty(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.AutoAcknowledge, sess, Options{Prefetch: 10}, nil)
	require.NoError(t, err)

	delivery, err := c.ReceiveNoWait(context.Background())
	require.NoError(t, err)
	require.Nil(t, delivery)
}

func TestPullModeSendsMessagePull(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.AutoAcknowledge, sess, Options{Prefetch: 0}, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.channel.Enqueue(dispatchFor(1, 4))
	}()

	delivery, err := c.ReceiveTimeout(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.Equal(t, int64(1), delivery.Message.MessageID.Sequence)

	var pulls []*wire.MessagePull
	for _, cmd := range sess.fake.OnewayCommands() {
		if p, ok := cmd.(*wire.MessagePull); ok {
			pulls = append(pulls, p)
		}
	}
	require.Len(t, pulls, 1)
	require.Equal(t, 500*time.Millisecond, pulls[0].Timeout)
}

func TestSetListenerRejectedForPrefetchZero(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.AutoAcknowledge, sess, Options{Prefetch: 0}, nil)
	require.NoError(t, err)

	err = c.SetListener(func(*Delivery) error { return nil })
	require.ErrorIs(t, err, wire.ErrInvalidOperation)
}

func TestListenerExceptionRedeliversForAutoAck(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.AutoAcknowledge, sess, Options{
		Prefetch:         10,
		RedeliveryPolicy: policy.FixedDelayPolicy{Delay: 0, MaximumTries: 5},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, c.SetListener(func(*Delivery) error {
		return errors.New("boom")
	}))

	c.Dispatch(dispatchFor(1, 4))

	require.Len(t, sess.redispatched, 1)
	require.Equal(t, int64(1), sess.redispatched[0][0].Message.MessageID.Sequence)
	require.True(t, sess.redispatched[0][0].Message.Redelivered)
}

func TestListenerExceptionPropagatesForClientAck(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.ClientAcknowledge, sess, Options{Prefetch: 10}, nil)
	require.NoError(t, err)

	var notified error
	c.SetExceptionListener(func(err error) { notified = err })
	require.NoError(t, c.SetListener(func(*Delivery) error {
		return errors.New("boom")
	}))

	c.Dispatch(dispatchFor(1, 4))

	require.Error(t, notified)
	require.Len(t, c.dispatchedMessages, 1, "ClientAck exception path advances delivery via a hint ack, not an implicit clear")
	require.Empty(t, sess.redispatched, "ClientAck exception path must not redeliver the message")
}

func TestDoCloseSendsRemoveInfoWithLastSequence(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.AutoAcknowledge, sess, Options{Prefetch: 10}, nil)
	require.NoError(t, err)

	c.BeforeMessageIsConsumed(dispatchFor(5, 4))
	c.AfterMessageIsConsumed(dispatchFor(5, 4), false)

	require.NoError(t, c.Close(context.Background()))

	require.Len(t, sess.removed, 1)
	found := false
	for _, cmd := range sess.fake.OnewayCommands() {
		if ri, ok := cmd.(*wire.RemoveInfo); ok {
			found = true
			require.Equal(t, int64(5), ri.LastDeliveredSequence)
		}
	}
	require.True(t, found)
}

// waitForDispatchTest is a test seam that injects a dispatch directly
// into the channel and then drains it through the normal receive path.
func (c *Consumer) waitForDispatchTest(md *wire.MessageDispatch) (*Delivery, error) {
	c.channel.Enqueue(md)
	return c.waitForDispatch(-1)
}

func TestListenerNotDispatchedWhileChannelStopped(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.AutoAcknowledge, sess, Options{Prefetch: 10}, nil)
	require.NoError(t, err)

	var received []int64
	require.NoError(t, c.SetListener(func(d *Delivery) error {
		received = append(received, d.Message.MessageID.Sequence)
		return nil
	}))

	c.channel.Stop()
	c.Dispatch(dispatchFor(1, 4))
	require.Empty(t, received, "dispatch arriving while the channel is stopped must not reach the listener")
	require.Equal(t, 1, c.channel.Count(), "it must instead be buffered for later redispatch")

	c.channel.Start()
	c.Dispatch(dispatchFor(2, 4))
	require.Equal(t, []int64{2}, received, "dispatch delivered once the channel is running again")
}

func TestExpiredMessageAlwaysGetsDeliveredAck(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.AutoAcknowledge, sess, Options{Prefetch: 10}, nil)
	require.NoError(t, err)

	require.NoError(t, c.SetListener(func(d *Delivery) error {
		t.Fatal("an expired message must never reach the listener")
		return nil
	}))

	md := dispatchFor(1, 4)
	md.Message.Expiration = time.Now().Add(-time.Minute)
	c.Dispatch(md)

	acks := sess.fake.OnewayCommands()
	require.Len(t, acks, 1)
	ack := acks[0].(*wire.MessageAck)
	require.Equal(t, wire.DeliveredAck, ack.AckType, "expired dispatches ack with a DeliveredAck hint regardless of ack mode")
	require.Zero(t, len(c.dispatchedMessages))
}

func TestOrdinaryRedeliverExceptionDoesNotShrinkCreditWindow(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.IndividualAcknowledge, sess, Options{
		Prefetch:         4,
		RedeliveryPolicy: policy.FixedDelayPolicy{Delay: 0, MaximumTries: 5},
	}, nil)
	require.NoError(t, err)

	fail := false
	require.NoError(t, c.SetListener(func(d *Delivery) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}))

	c.Dispatch(dispatchFor(1, 4))
	c.Dispatch(dispatchFor(2, 4))
	require.Equal(t, 2, c.additionalWindowSize, "the half-prefetch flush must have credited the window by now")

	fail = true
	c.Dispatch(dispatchFor(3, 4))

	require.Equal(t, 2, c.additionalWindowSize,
		"an ordinary (non-poison) redelivery must not shrink additionalWindowSize, only deliveredCounter")
	require.Equal(t, 2, c.deliveredCounter, "deliveredCounter still drops by one for the redelivered message")
}

func TestPoisonRedeliverShrinksCreditWindow(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.IndividualAcknowledge, sess, Options{
		Prefetch:         4,
		RedeliveryPolicy: policy.FixedDelayPolicy{Delay: 0, MaximumTries: 0},
	}, nil)
	require.NoError(t, err)

	fail := false
	require.NoError(t, c.SetListener(func(d *Delivery) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}))

	c.Dispatch(dispatchFor(1, 4))
	c.Dispatch(dispatchFor(2, 4))
	require.Equal(t, 2, c.additionalWindowSize)

	fail = true
	c.Dispatch(dispatchFor(3, 4))
	require.Equal(t, 1, c.additionalWindowSize,
		"a poisoned message's credit must be released from the window")
}

func TestTransportInterruptClearDropsAndNotifiesCompletion(t *testing.T) {
	sess := newFakeSession(t)
	c, err := New(testConsumerID(), testDestination(), wire.AutoAcknowledge, sess, Options{Prefetch: 10}, nil)
	require.NoError(t, err)

	c.InProgressClearRequired()

	var listenerCalled bool
	require.NoError(t, c.SetListener(func(d *Delivery) error {
		listenerCalled = true
		return nil
	}))
	c.Dispatch(dispatchFor(1, 4))
	require.False(t, listenerCalled, "a dispatch arriving while an interrupt clear is required must be dropped")

	var completed wire.ConsumerID
	c.ClearMessagesInProgress(func(id wire.ConsumerID) { completed = id })
	require.Equal(t, c.ID(), completed, "the connection must be notified once this consumer's clear pass is done")

	c.Dispatch(dispatchFor(2, 4))
	require.True(t, listenerCalled, "delivery resumes normally once the clear pass has completed")
}
