package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/ThorTech/apache-nms/tracker"
	"github.com/ThorTech/apache-nms/transport"
	"github.com/ThorTech/apache-nms/wire"
	"github.com/stretchr/testify/require"
)

func newTestContext() (*Context, *transport.Fake) {
	connID := wire.NewConnectionID()
	sessionID := wire.SessionID{ConnectionID: connID, Value: 1}
	fake := transport.NewFake()
	state := tracker.New(&wire.ConnectionInfo{ConnectionID: connID})
	seq := &wire.SequenceGenerator{}
	return New(sessionID, fake, state, seq, nil, true), fake
}

func TestNonTransactedSessionRejectsBeginCommitRollback(t *testing.T) {
	connID := wire.NewConnectionID()
	sessionID := wire.SessionID{ConnectionID: connID, Value: 1}
	fake := transport.NewFake()
	state := tracker.New(&wire.ConnectionInfo{ConnectionID: connID})
	seq := &wire.SequenceGenerator{}
	ctx := New(sessionID, fake, state, seq, nil, false)

	_, err := ctx.Begin(context.Background())
	require.ErrorIs(t, err, wire.ErrInvalidOperation)
	require.ErrorIs(t, ctx.Commit(context.Background()), wire.ErrInvalidOperation)
	require.ErrorIs(t, ctx.Rollback(context.Background()), wire.ErrInvalidOperation)
	require.False(t, ctx.IsTransactedSession())
}

func TestBeginIsIdempotentWhileActive(t *testing.T) {
	ctx, fake := newTestContext()

	id1, err := ctx.Begin(context.Background())
	require.NoError(t, err)
	require.True(t, ctx.InLocalTransaction())

	id2, err := ctx.Begin(context.Background())
	require.NoError(t, err)
	require.Equal(t, id1, id2, "Begin must be a no-op while a transaction is already active")

	require.Len(t, fake.OnewayCommands(), 1, "second Begin must not resend TransactionInfo{BEGIN}")
}

func TestCommitRunsSynchronizationsInOrder(t *testing.T) {
	ctx, _ := newTestContext()
	_, err := ctx.Begin(context.Background())
	require.NoError(t, err)

	var order []string
	ctx.AddSynchronization(SyncFuncs{
		OnBeforeEnd:   func() error { order = append(order, "before-1"); return nil },
		OnAfterCommit: func() error { order = append(order, "commit-1"); return nil },
	})
	ctx.AddSynchronization(SyncFuncs{
		OnBeforeEnd:   func() error { order = append(order, "before-2"); return nil },
		OnAfterCommit: func() error { order = append(order, "commit-2"); return nil },
	})

	require.NoError(t, ctx.Commit(context.Background()))
	require.Equal(t, []string{"before-1", "before-2", "commit-1", "commit-2"}, order)
	require.False(t, ctx.InLocalTransaction())
	require.True(t, ctx.TransactionID().IsZero())
}

func TestCommitRejectionRunsAfterRollback(t *testing.T) {
	ctx, fake := newTestContext()
	_, err := ctx.Begin(context.Background())
	require.NoError(t, err)

	fake.SetReplyFunc(func(cmd wire.Command) (wire.Command, error) {
		return nil, errors.New("broker rejected commit")
	})

	var rolledBack bool
	ctx.AddSynchronization(SyncFuncs{
		OnAfterRollback: func() error { rolledBack = true; return nil },
	})

	err = ctx.Commit(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, wire.ErrTransactionRolledBack)
	require.True(t, rolledBack)
	require.False(t, ctx.InLocalTransaction())
}

func TestRollbackAlwaysRunsAfterRollback(t *testing.T) {
	ctx, _ := newTestContext()
	_, err := ctx.Begin(context.Background())
	require.NoError(t, err)

	var rolledBack bool
	ctx.AddSynchronization(SyncFuncs{
		OnAfterRollback: func() error { rolledBack = true; return nil },
	})

	require.NoError(t, ctx.Rollback(context.Background()))
	require.True(t, rolledBack)
	require.False(t, ctx.InLocalTransaction())
}

func TestCommitWithoutBeginFails(t *testing.T) {
	ctx, _ := newTestContext()
	err := ctx.Commit(context.Background())
	require.ErrorIs(t, err, wire.ErrInvalidOperation)
}

func TestAddSynchronizationIsIdempotentPerInstance(t *testing.T) {
	ctx, _ := newTestContext()
	_, err := ctx.Begin(context.Background())
	require.NoError(t, err)

	calls := 0
	sync := SyncFuncs{OnBeforeEnd: func() error { calls++; return nil }}
	ctx.AddSynchronization(sync)
	ctx.AddSynchronization(sync)

	require.NoError(t, ctx.Rollback(context.Background()))
	require.Equal(t, 1, calls)
}

func TestFailingSynchronizationDoesNotBlockOthers(t *testing.T) {
	ctx, _ := newTestContext()
	_, err := ctx.Begin(context.Background())
	require.NoError(t, err)

	var secondRan bool
	ctx.AddSynchronization(SyncFuncs{
		OnBeforeEnd: func() error { return errors.New("boom") },
	})
	ctx.AddSynchronization(SyncFuncs{
		OnBeforeEnd: func() error { secondRan = true; return nil },
	})

	require.NoError(t, ctx.Commit(context.Background()))
	require.True(t, secondRan)
}
