// Package txn implements the per-session transaction context: local
// transaction id lifecycle, and the ordered synchronization callbacks
// (before-end, after-commit, after-rollback) that let a consumer or
// session defer acknowledgement and close work to a transaction boundary.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/ThorTech/apache-nms/tracker"
	"github.com/ThorTech/apache-nms/transport"
	"github.com/ThorTech/apache-nms/wire"
)

// Synchronization is a transaction-lifecycle callback triple. A consumer
// registers one to flush its pending acknowledgement at commit time, and a
// consumer closed mid-transaction registers one to finish closing once the
// transaction resolves. A callback that returns an error is logged and
// does not block the remaining synchronizations from firing; a callback
// that panics is not recovered.
type Synchronization interface {
	// BeforeEnd runs, in registration order, just before the
	// TransactionInfo{COMMIT_ONE_PHASE} or {ROLLBACK} command is sent.
	BeforeEnd() error
	// AfterCommit runs once the broker has accepted the commit.
	AfterCommit() error
	// AfterRollback runs on rollback, and on a broker-rejected commit.
	AfterRollback() error
}

// SyncFuncs adapts three plain functions into a Synchronization, for
// callers with nothing to model as a standalone type. A nil field is a
// no-op for that phase.
type SyncFuncs struct {
	OnBeforeEnd    func() error
	OnAfterCommit  func() error
	OnAfterRollback func() error
}

func (f SyncFuncs) BeforeEnd() error {
	if f.OnBeforeEnd == nil {
		return nil
	}
	return f.OnBeforeEnd()
}

func (f SyncFuncs) AfterCommit() error {
	if f.OnAfterCommit == nil {
		return nil
	}
	return f.OnAfterCommit()
}

func (f SyncFuncs) AfterRollback() error {
	if f.OnAfterRollback == nil {
		return nil
	}
	return f.OnAfterRollback()
}

const requestTimeout = 15 * time.Second

// Context is the per-session transaction context: at most one active
// local transaction id, an externally-controlled net-transaction flag for
// XA-style participation, and the ordered synchronizations registered
// against the current transaction.
type Context struct {
	mu sync.Mutex

	sessionID wire.SessionID
	transport transport.Transport
	state     *tracker.ConnectionState
	seq       *wire.SequenceGenerator
	log       *slog.Logger

	transacted        bool
	txID              wire.TransactionID
	inLocalTx         bool
	inNetTx           bool
	synchronizations  []Synchronization
}

// New creates a transaction context for one session. seq mints
// TransactionID values scoped to the owning connection. transacted marks
// whether the owning session was opened as a transacted session; Begin,
// Commit, and Rollback all reject a non-transacted context with
// wire.ErrInvalidOperation rather than acting on it.
func New(sessionID wire.SessionID, tp transport.Transport, state *tracker.ConnectionState, seq *wire.SequenceGenerator, log *slog.Logger, transacted bool) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{sessionID: sessionID, transport: tp, state: state, seq: seq, log: log, transacted: transacted}
}

// IsTransactedSession reports whether the owning session was opened
// transacted, independent of whether a transaction is currently active.
func (c *Context) IsTransactedSession() bool {
	return c.transacted
}

// TransactionID returns the active transaction id, or the zero value if
// none is active.
func (c *Context) TransactionID() wire.TransactionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txID
}

// InLocalTransaction reports whether Begin has been called without a
// matching Commit or Rollback.
func (c *Context) InLocalTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inLocalTx
}

// InNetTransaction reports whether an externally-controlled distributed
// transaction is in progress, as set by SetInNetTransaction.
func (c *Context) InNetTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inNetTx
}

// SetInNetTransaction marks or clears participation in a distributed
// transaction coordinated outside this context, e.g. by an XA resource
// manager driving Prepare/Commit/Rollback directly.
func (c *Context) SetInNetTransaction(v bool) {
	c.mu.Lock()
	c.inNetTx = v
	c.mu.Unlock()
}

// InTransaction reports whether either a local or net transaction is
// active.
func (c *Context) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inLocalTx || c.inNetTx
}

// AddSynchronization registers s to run at the next commit or rollback.
// Registering the same instance twice is a no-op.
func (c *Context) AddSynchronization(s Synchronization) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.synchronizations {
		if sameInstance(existing, s) {
			return
		}
	}
	c.synchronizations = append(c.synchronizations, s)
}

// sameInstance reports whether a and b are the same registration. SyncFuncs
// holds func fields and is not comparable with ==, so two SyncFuncs values
// match when each of their callbacks refers to the same func value.
func sameInstance(a, b Synchronization) bool {
	fa, aok := a.(SyncFuncs)
	fb, bok := b.(SyncFuncs)
	if !aok || !bok {
		return !aok && !bok && a == b
	}
	return funcID(fa.OnBeforeEnd) == funcID(fb.OnBeforeEnd) &&
		funcID(fa.OnAfterCommit) == funcID(fb.OnAfterCommit) &&
		funcID(fa.OnAfterRollback) == funcID(fb.OnAfterRollback)
}

func funcID(f func() error) unsafe.Pointer { return *(*unsafe.Pointer)(unsafe.Pointer(&f)) }

// Begin starts a new local transaction if none is active. Calling Begin
// again while a transaction is already active is a no-op, matching the
// idempotent-inside-an-active-transaction contract.
func (c *Context) Begin(ctx context.Context) (wire.TransactionID, error) {
	if !c.transacted {
		return wire.TransactionID{}, fmt.Errorf("begin: %w", wire.ErrInvalidOperation)
	}
	c.mu.Lock()
	if c.inLocalTx {
		id := c.txID
		c.mu.Unlock()
		return id, nil
	}
	id := wire.TransactionID{ConnectionID: c.sessionID.ConnectionID, Value: c.seq.Next()}
	c.mu.Unlock()

	info := &wire.TransactionInfo{TransactionID: id, Type: wire.TxBegin}
	if err := c.transport.Oneway(ctx, info); err != nil {
		return wire.TransactionID{}, fmt.Errorf("begin transaction: %w", err)
	}

	if c.state != nil {
		if _, err := c.state.AddTransaction(id); err != nil {
			c.log.Warn("transaction state tracking unavailable", "transaction", id, "error", err)
		}
	}

	c.mu.Lock()
	c.txID = id
	c.inLocalTx = true
	c.mu.Unlock()
	return id, nil
}

// Commit requires an active local transaction. It runs BeforeEnd on
// every synchronization in registration order, sends
// TransactionInfo{COMMIT_ONE_PHASE} synchronously, then runs AfterCommit
// on success or AfterRollback if the broker rejects the commit.
// Synchronizations and the transaction id are cleared either way.
func (c *Context) Commit(ctx context.Context) error {
	if !c.transacted {
		return fmt.Errorf("commit: %w", wire.ErrInvalidOperation)
	}
	c.mu.Lock()
	if !c.inLocalTx {
		c.mu.Unlock()
		return fmt.Errorf("commit: %w", wire.ErrInvalidOperation)
	}
	id := c.txID
	syncs := c.synchronizations
	c.mu.Unlock()

	runBeforeEnd(c.log, syncs)

	info := &wire.TransactionInfo{TransactionID: id, Type: wire.TxCommitOnePhase}
	_, err := c.transport.SyncRequest(ctx, info, requestTimeout)

	c.clear()
	if c.state != nil {
		c.state.RemoveTransaction(id)
	}

	if err != nil {
		runAfterRollback(c.log, syncs)
		return fmt.Errorf("commit transaction %s: %w", id, wire.ErrTransactionRolledBack)
	}

	runAfterCommit(c.log, syncs)
	return nil
}

// Rollback requires an active local transaction. It runs BeforeEnd, sends
// TransactionInfo{ROLLBACK}, and unconditionally runs AfterRollback,
// clearing synchronizations and the transaction id.
func (c *Context) Rollback(ctx context.Context) error {
	if !c.transacted {
		return fmt.Errorf("rollback: %w", wire.ErrInvalidOperation)
	}
	c.mu.Lock()
	if !c.inLocalTx {
		c.mu.Unlock()
		return fmt.Errorf("rollback: %w", wire.ErrInvalidOperation)
	}
	id := c.txID
	syncs := c.synchronizations
	c.mu.Unlock()

	runBeforeEnd(c.log, syncs)

	info := &wire.TransactionInfo{TransactionID: id, Type: wire.TxRollback}
	err := c.transport.Oneway(ctx, info)

	c.clear()
	if c.state != nil {
		c.state.RemoveTransaction(id)
	}

	runAfterRollback(c.log, syncs)

	if err != nil {
		return fmt.Errorf("rollback transaction %s: %w", id, err)
	}
	return nil
}

func (c *Context) clear() {
	c.mu.Lock()
	c.txID = wire.TransactionID{}
	c.inLocalTx = false
	c.synchronizations = nil
	c.mu.Unlock()
}

func runBeforeEnd(log *slog.Logger, syncs []Synchronization) {
	for _, s := range syncs {
		if err := s.BeforeEnd(); err != nil {
			log.Warn("synchronization BeforeEnd failed", "error", err)
		}
	}
}

func runAfterCommit(log *slog.Logger, syncs []Synchronization) {
	for _, s := range syncs {
		if err := s.AfterCommit(); err != nil {
			log.Warn("synchronization AfterCommit failed", "error", err)
		}
	}
}

func runAfterRollback(log *slog.Logger, syncs []Synchronization) {
	for _, s := range syncs {
		if err := s.AfterRollback(); err != nil {
			log.Warn("synchronization AfterRollback failed", "error", err)
		}
	}
}
