// Package tracker mirrors the broker-visible state of a connection so a
// dropped transport can be replayed: every ConnectionInfo, SessionInfo,
// ConsumerInfo, ProducerInfo and in-flight TransactionInfo the application
// has created is recorded here as it happens, and forgotten only when the
// application explicitly removes it.
package tracker

import "sync/atomic"

// lifecycle is an atomic shutdown flag shared by every state node in the
// tree (connection, session, transaction). markShutdown trips it once;
// reset() clears it again, as ConnectionState.Reset does.
type lifecycle struct {
	shutdown uint32
}

func (l *lifecycle) markShutdown() bool {
	return atomic.CompareAndSwapUint32(&l.shutdown, 0, 1)
}

func (l *lifecycle) isShutdown() bool {
	return atomic.LoadUint32(&l.shutdown) == 1
}

func (l *lifecycle) reset() {
	atomic.StoreUint32(&l.shutdown, 0)
}
