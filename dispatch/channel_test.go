package dispatch

import (
	"testing"
	"time"

	"github.com/ThorTech/apache-nms/wire"
	"github.com/stretchr/testify/require"
)

func dispatchWithID(id int64) *wire.MessageDispatch {
	return &wire.MessageDispatch{
		Message: &wire.Message{MessageID: wire.MessageID{Sequence: id}},
	}
}

func TestFIFOOrdersByArrival(t *testing.T) {
	ch := NewFIFO()
	ch.Enqueue(dispatchWithID(1))
	ch.Enqueue(dispatchWithID(2))
	ch.EnqueueFirst(dispatchWithID(0))

	require.Equal(t, int64(0), ch.DequeueNoWait().Message.MessageID.Sequence)
	require.Equal(t, int64(1), ch.DequeueNoWait().Message.MessageID.Sequence)
	require.Equal(t, int64(2), ch.DequeueNoWait().Message.MessageID.Sequence)
	require.Nil(t, ch.DequeueNoWait())
}

func TestFIFODequeueBlocksUntilEnqueue(t *testing.T) {
	ch := NewFIFO()

	result := make(chan *wire.MessageDispatch, 1)
	go func() { result <- ch.Dequeue(-1) }()

	time.Sleep(20 * time.Millisecond)
	ch.Enqueue(dispatchWithID(7))

	select {
	case m := <-result:
		require.Equal(t, int64(7), m.Message.MessageID.Sequence)
	case <-time.After(time.Second):
		t.Fatal("Dequeue never woke up")
	}
}

func TestFIFOStopDrainsThenReturnsNil(t *testing.T) {
	ch := NewFIFO()
	ch.Enqueue(dispatchWithID(1))
	ch.Stop()

	require.NotNil(t, ch.DequeueNoWait())
	require.Nil(t, ch.Dequeue(-1), "Dequeue must return nil once a stopped channel empties")
}

func TestFIFOCloseWakesBlockedDequeue(t *testing.T) {
	ch := NewFIFO()

	result := make(chan *wire.MessageDispatch, 1)
	go func() { result <- ch.Dequeue(-1) }()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case m := <-result:
		require.Nil(t, m)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake blocked Dequeue")
	}
}

func TestFIFOZeroTimeoutPollsOnce(t *testing.T) {
	ch := NewFIFO()
	require.Nil(t, ch.Dequeue(0))
}

func msgWithPriority(id int64, pr byte) *wire.MessageDispatch {
	return &wire.MessageDispatch{
		Message: &wire.Message{MessageID: wire.MessageID{Sequence: id}, Priority: pr},
	}
}

func TestPriorityScansHighToLow(t *testing.T) {
	ch := NewPriority()
	ch.Enqueue(msgWithPriority(1, 4))
	ch.Enqueue(msgWithPriority(2, 9))
	ch.Enqueue(msgWithPriority(3, 0))
	ch.Enqueue(msgWithPriority(4, 9))

	require.Equal(t, int64(2), ch.DequeueNoWait().Message.MessageID.Sequence)
	require.Equal(t, int64(4), ch.DequeueNoWait().Message.MessageID.Sequence)
	require.Equal(t, int64(1), ch.DequeueNoWait().Message.MessageID.Sequence)
	require.Equal(t, int64(3), ch.DequeueNoWait().Message.MessageID.Sequence)
}

func TestPriorityEnqueueFirstPushesToHeadOfBucket(t *testing.T) {
	ch := NewPriority()
	ch.Enqueue(msgWithPriority(1, 4))
	ch.EnqueueFirst(msgWithPriority(2, 4))

	require.Equal(t, int64(2), ch.DequeueNoWait().Message.MessageID.Sequence)
	require.Equal(t, int64(1), ch.DequeueNoWait().Message.MessageID.Sequence)
}

func TestChannelCountAndEmpty(t *testing.T) {
	ch := NewFIFO()
	require.True(t, ch.Empty())
	require.Zero(t, ch.Count())

	ch.Enqueue(dispatchWithID(1))
	require.False(t, ch.Empty())
	require.Equal(t, 1, ch.Count())

	removed := ch.RemoveAll()
	require.Len(t, removed, 1)
	require.True(t, ch.Empty())
}
