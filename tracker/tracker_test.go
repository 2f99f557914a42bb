package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/ThorTech/apache-nms/wire"
	"github.com/stretchr/testify/require"
)

func testConnInfo() *wire.ConnectionInfo {
	return &wire.ConnectionInfo{ConnectionID: wire.NewConnectionID()}
}

func TestNewSeedsDefaultSession(t *testing.T) {
	info := testConnInfo()
	cs := New(info)

	sessions := cs.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, int64(defaultSessionValue), sessions[0].ID().Value)
}

func TestAddRemoveSession(t *testing.T) {
	cs := New(testConnInfo())
	sid := wire.SessionID{ConnectionID: cs.Info().ConnectionID, Value: 1}

	ss, err := cs.AddSession(&wire.SessionInfo{SessionID: sid})
	require.NoError(t, err)
	require.NotNil(t, ss)

	found, ok := cs.Session(sid)
	require.True(t, ok)
	require.Same(t, ss, found)

	cs.RemoveSession(sid)
	_, ok = cs.Session(sid)
	require.False(t, ok)
	require.True(t, ss.isShutdown())
}

func TestSessionTracksConsumersAndProducers(t *testing.T) {
	cs := New(testConnInfo())
	sid := wire.SessionID{ConnectionID: cs.Info().ConnectionID, Value: 1}
	ss, err := cs.AddSession(&wire.SessionInfo{SessionID: sid})
	require.NoError(t, err)

	cid := wire.ConsumerID{ConnectionID: sid.ConnectionID, SessionValue: sid.Value, Value: 1}
	require.NoError(t, ss.AddConsumer(&wire.ConsumerInfo{ConsumerID: cid}))
	require.Len(t, ss.Consumers(), 1)

	ss.RemoveConsumer(cid)
	require.Empty(t, ss.Consumers())

	pid := wire.ProducerID{ConnectionID: sid.ConnectionID, SessionValue: sid.Value, Value: 1}
	require.NoError(t, ss.AddProducer(&wire.ProducerInfo{ProducerID: pid}))
	require.Len(t, ss.Producers(), 1)
}

func TestShutdownCascadesToSessions(t *testing.T) {
	cs := New(testConnInfo())
	sid := wire.SessionID{ConnectionID: cs.Info().ConnectionID, Value: 1}
	ss, err := cs.AddSession(&wire.SessionInfo{SessionID: sid})
	require.NoError(t, err)

	cs.Shutdown()
	require.True(t, ss.isShutdown())

	_, err = cs.AddSession(&wire.SessionInfo{SessionID: sid})
	require.ErrorIs(t, err, wire.ErrDisposed)

	require.ErrorIs(t, ss.AddConsumer(&wire.ConsumerInfo{}), wire.ErrDisposed)
}

func TestResetReplacesTreeAndClearsShutdown(t *testing.T) {
	cs := New(testConnInfo())
	sid := wire.SessionID{ConnectionID: cs.Info().ConnectionID, Value: 1}
	_, err := cs.AddSession(&wire.SessionInfo{SessionID: sid})
	require.NoError(t, err)
	cs.Shutdown()

	fresh := testConnInfo()
	cs.Reset(fresh)

	require.Equal(t, fresh, cs.Info())
	require.Len(t, cs.Sessions(), 1)
	_, err = cs.AddSession(&wire.SessionInfo{SessionID: sid})
	require.NoError(t, err, "reset must clear the shutdown flag so the tracker is usable again")
}

func TestTransactionCommandLog(t *testing.T) {
	cs := New(testConnInfo())
	txID := wire.TransactionID{ConnectionID: cs.Info().ConnectionID, Value: 1}
	ts, err := cs.AddTransaction(txID)
	require.NoError(t, err)

	require.NoError(t, ts.AddCommand(&wire.MessageAck{ConsumerID: wire.ConsumerID{}}))
	require.Len(t, ts.Commands(), 1)

	prepared, votes := ts.Prepared()
	require.False(t, prepared)
	ts.SetPrepared(1)
	prepared, votes = ts.Prepared()
	require.True(t, prepared)
	require.Equal(t, 1, votes)

	cs.RemoveTransaction(txID)
	_, ok := cs.Transaction(txID)
	require.False(t, ok)
}

func TestTempDestinationTracking(t *testing.T) {
	cs := New(testConnInfo())
	dest := wire.Destination{Kind: wire.TemporaryQueue, Name: "ID:conn-1"}
	require.NoError(t, cs.AddTempDestination(wire.DestinationInfo{
		ConnectionID: cs.Info().ConnectionID,
		Destination:  dest,
	}))
	require.Len(t, cs.TempDestinations(), 1)

	cs.RemoveTempDestination(dest)
	require.Empty(t, cs.TempDestinations())
}

func TestReplayPacerAdmitsWithinBudget(t *testing.T) {
	p := NewReplayPacer(1000, 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Wait(ctx))
	}
}

func TestReplayPacerDisabledNeverBlocks(t *testing.T) {
	p := NewReplayPacer(0, 0)
	require.NoError(t, p.Wait(context.Background()))
}

func TestNilReplayPacerNeverBlocks(t *testing.T) {
	var p *ReplayPacer
	require.NoError(t, p.Wait(context.Background()))
}
