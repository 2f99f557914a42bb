// Package session implements the client-side JMS session: consumer and
// producer factories, the single-threaded dispatch executor that
// serializes listener delivery, the per-session transaction context, and
// session close ordering.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThorTech/apache-nms/consumer"
	"github.com/ThorTech/apache-nms/producer"
	"github.com/ThorTech/apache-nms/tracker"
	"github.com/ThorTech/apache-nms/transport"
	"github.com/ThorTech/apache-nms/txn"
	"github.com/ThorTech/apache-nms/wire"
)

// Session is the client-side handle for one broker session: it owns the
// consumers and producers created against it, the single dispatch
// executor that delivers inbound messages to them in order, and the
// per-session transaction context.
type Session struct {
	id        wire.SessionID
	info      *wire.SessionInfo
	transport transport.Transport
	state     *tracker.ConnectionState
	seq       *wire.SequenceGenerator
	tx        *txn.Context
	executor  *Executor
	log       *slog.Logger

	priorityChannel bool
	alwaysSyncSend  bool
	transacted      bool
	connectTimeout  time.Duration
	closeTimeout    time.Duration
	replayPacer     *tracker.ReplayPacer

	mu        sync.Mutex
	consumers map[wire.ConsumerID]*consumer.Consumer
	producers map[wire.ProducerID]*producer.Producer
	closing   bool
}

// Options configures session-wide defaults applied to every consumer and
// producer created against it.
type Options struct {
	// PrioritySupported selects the ten-bucket JMS-priority channel for
	// consumers created on this session; false uses strict FIFO.
	PrioritySupported bool
	// AlwaysSyncSend disables the fire-and-forget producer send path
	// entirely, forcing every send through SyncRequest.
	AlwaysSyncSend bool
	// Transacted marks every send and acknowledgement on this session as
	// part of a local transaction. It is fixed at session creation: a
	// non-transacted session's Transaction context rejects Begin, Commit
	// and Rollback.
	Transacted bool
	// ConnectTimeout bounds the SyncRequest round trip that registers a
	// new consumer with the broker. Zero uses the transport's
	// own default.
	ConnectTimeout time.Duration
	// CloseTimeout bounds how long Close waits for the dispatch executor
	// to drain before giving up and proceeding anyway. Zero waits
	// indefinitely.
	CloseTimeout time.Duration
	// ReplayPerSecond and ReplayBurst configure the pacer OnResumed uses
	// to throttle the object-recreation commands it replays to the broker
	// after a transport interrupt. ReplayPerSecond <= 0 disables pacing
	// and replays the whole backlog immediately.
	ReplayPerSecond float64
	ReplayBurst     int
}

// New creates a session bound to id. The caller is responsible for
// registering it with the owning connection's session map.
func New(id wire.SessionID, tp transport.Transport, state *tracker.ConnectionState, seq *wire.SequenceGenerator, opts Options, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	info := &wire.SessionInfo{SessionID: id}
	s := &Session{
		id:              id,
		info:            info,
		transport:       tp,
		state:           state,
		seq:             seq,
		tx:              txn.New(id, tp, state, seq, log, opts.Transacted),
		log:             log,
		priorityChannel: opts.PrioritySupported,
		alwaysSyncSend:  opts.AlwaysSyncSend,
		transacted:      opts.Transacted,
		connectTimeout:  opts.ConnectTimeout,
		closeTimeout:    opts.CloseTimeout,
		replayPacer:     tracker.NewReplayPacer(opts.ReplayPerSecond, opts.ReplayBurst),
		consumers:       make(map[wire.ConsumerID]*consumer.Consumer),
		producers:       make(map[wire.ProducerID]*producer.Producer),
	}
	s.executor = NewExecutor(s.lookupConsumer, log)
	s.executor.Start()
	return s
}

// ID returns the session's broker-assigned identity.
func (s *Session) ID() wire.SessionID { return s.id }

// Info returns the SessionInfo this session was registered with.
func (s *Session) Info() *wire.SessionInfo { return s.info }

// Transaction returns this session's transaction context. Begin, Commit,
// and Rollback on the returned context all reject with
// wire.ErrInvalidOperation when the session was not opened transacted.
func (s *Session) Transaction() *txn.Context { return s.tx }

// AlwaysSyncSend reports whether producers on this session must always use
// SyncRequest, satisfying the producer.Session capability interface.
func (s *Session) AlwaysSyncSend() bool { return s.alwaysSyncSend }

// SendOneway forwards cmd to the transport without waiting for a reply,
// satisfying the consumer.Session and producer.Session capability
// interfaces.
func (s *Session) SendOneway(ctx context.Context, cmd wire.Command) error {
	return s.transport.Oneway(ctx, cmd)
}

// SendSync forwards cmd to the transport and waits for the broker's reply.
func (s *Session) SendSync(ctx context.Context, cmd wire.Command, timeout time.Duration) (wire.Command, error) {
	return s.transport.SyncRequest(ctx, cmd, timeout)
}

// Redispatch resubmits dispatches to the executor at the head of its
// queue, iterating in reverse so the original delivery order is restored
// once each is individually prepended.
func (s *Session) Redispatch(dispatches []*wire.MessageDispatch) {
	for i := len(dispatches) - 1; i >= 0; i-- {
		s.executor.ExecuteFirst(dispatches[i])
	}
}

func (s *Session) lookupConsumer(id wire.ConsumerID) (Dispatchable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[id]
	return c, ok
}

// CreateConsumer registers a consumer with the connection's dispatcher map
// and then the broker (via SyncRequest, so a create failure propagates to
// the caller), rolling back the dispatcher registration if either the
// local construction or the broker round-trip fails.
func (s *Session) CreateConsumer(ctx context.Context, dest wire.Destination, ackMode wire.AckMode, opts consumer.Options) (*consumer.Consumer, error) {
	id := wire.ConsumerID{ConnectionID: s.id.ConnectionID, SessionValue: s.id.Value, Value: s.seq.Next()}
	opts.Priority = s.priorityChannel
	if s.transacted {
		ackMode = wire.Transacted
	}

	s.transport.AddDispatcher(id, s.executor)

	c, err := consumer.New(id, dest, ackMode, s, opts, s.log)
	if err != nil {
		s.transport.RemoveDispatcher(id)
		return nil, err
	}

	if _, err := s.transport.SyncRequest(ctx, c.Info(), s.connectTimeout); err != nil {
		s.transport.RemoveDispatcher(id)
		return nil, fmt.Errorf("create consumer %s: %w", id, err)
	}

	s.mu.Lock()
	s.consumers[id] = c
	s.mu.Unlock()

	if s.state != nil {
		if ss, ok := s.state.Session(s.id); ok {
			if err := ss.AddConsumer(c.Info()); err != nil {
				s.log.Warn("consumer state tracking unavailable", "consumer", id, "error", err)
			}
		}
	}
	return c, nil
}

// SetListener installs or removes the asynchronous listener on the
// consumer identified by id. Because the executor and the consumer's
// channel are both drained and refilled here, this must go through the
// session rather than the consumer directly: the executor is stopped
// first so no new dispatch can reach the consumer mid-swap, then any
// dispatch already buffered in the consumer's channel (delivered while it
// was still in pull mode, or before any listener existed) is drained via
// TakeForRedispatch and resubmitted at the head of the executor's queue
// through Redispatch, preserving arrival order, before the executor
// restarts.
func (s *Session) SetListener(id wire.ConsumerID, l consumer.Listener) error {
	s.mu.Lock()
	c, ok := s.consumers[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("set listener on consumer %s: %w", id, wire.ErrInvalidOperation)
	}

	s.executor.Stop(0)
	defer s.executor.Start()

	buffered := c.TakeForRedispatch()
	if err := c.SetListener(l); err != nil {
		s.Redispatch(buffered)
		return err
	}
	s.Redispatch(buffered)
	return nil
}

// RemoveConsumer unregisters a consumer from this session, satisfying the
// consumer.Session capability interface. It does not itself notify the
// broker; the consumer's own DoClose sends RemoveInfo.
func (s *Session) RemoveConsumer(id wire.ConsumerID) {
	s.mu.Lock()
	delete(s.consumers, id)
	s.mu.Unlock()
	s.transport.RemoveDispatcher(id)
	if s.state != nil {
		if ss, ok := s.state.Session(s.id); ok {
			ss.RemoveConsumer(id)
		}
	}
}

// CreateProducer registers a producer with the broker via Oneway, since
// producer creation failures surface later on individual sends rather
// than at creation time.
func (s *Session) CreateProducer(ctx context.Context, dest wire.Destination, opts producer.Options) (*producer.Producer, error) {
	id := wire.ProducerID{ConnectionID: s.id.ConnectionID, SessionValue: s.id.Value, Value: s.seq.Next()}

	p, err := producer.New(id, dest, s, s.seq, opts, s.log)
	if err != nil {
		return nil, err
	}

	if err := s.transport.Oneway(ctx, p.Info()); err != nil {
		return nil, fmt.Errorf("create producer %s: %w", id, err)
	}

	s.mu.Lock()
	s.producers[id] = p
	s.mu.Unlock()

	if s.state != nil {
		if ss, ok := s.state.Session(s.id); ok {
			if err := ss.AddProducer(p.Info()); err != nil {
				s.log.Warn("producer state tracking unavailable", "producer", id, "error", err)
			}
		}
	}
	return p, nil
}

// RemoveProducer unregisters a producer from this session.
func (s *Session) RemoveProducer(id wire.ProducerID) {
	s.mu.Lock()
	delete(s.producers, id)
	s.mu.Unlock()
	if s.state != nil {
		if ss, ok := s.state.Session(s.id); ok {
			ss.RemoveProducer(id)
		}
	}
}

// ClearMessagesInProgress runs the transport-interrupt recovery step for
// every consumer on this session plus the executor's own pending queue:
// every consumer is first marked so it drops rather than delivers any
// dispatch still in flight, then each is drained and notified complete.
func (s *Session) ClearMessagesInProgress(interruptComplete func(wire.ConsumerID)) {
	s.mu.Lock()
	consumers := make([]*consumer.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		c.InProgressClearRequired()
	}

	s.executor.ClearMessagesInProgress()
	for _, c := range consumers {
		c.ClearMessagesInProgress(interruptComplete)
	}
}

// OnInterrupted implements transport.InterruptListener: it runs the
// interrupt-recovery clear pass for every consumer on this session.
func (s *Session) OnInterrupted() {
	s.ClearMessagesInProgress(s.TransportInterruptionProcessingComplete)
}

// OnResumed implements transport.InterruptListener: once the transport is
// back up it replays every tracked ConnectionInfo, SessionInfo,
// ConsumerInfo, ProducerInfo and temporary-destination DestinationInfo to
// the broker so it recreates the state the interrupted connection had
// registered, paced by replayPacer so a connection carrying hundreds of
// tracked objects does not flood the broker with one command burst.
func (s *Session) OnResumed() {
	s.replayTrackedState(context.Background())
}

func (s *Session) replayTrackedState(ctx context.Context) {
	if s.state == nil {
		return
	}

	replay := func(cmd wire.Command) {
		if err := s.replayPacer.Wait(ctx); err != nil {
			return
		}
		if err := s.transport.Oneway(ctx, cmd); err != nil {
			s.log.Warn("replay command after transport resume failed", "session", s.id, "error", err)
		}
	}

	replay(s.state.Info())
	for _, ss := range s.state.Sessions() {
		replay(ss.Info())
		for _, c := range ss.Consumers() {
			replay(c)
		}
		for _, p := range ss.Producers() {
			replay(p)
		}
	}
	for _, t := range s.state.Transactions() {
		for _, cmd := range t.Commands() {
			replay(cmd)
		}
	}
	for _, d := range s.state.TempDestinations() {
		replay(d)
	}
}

// TransportInterruptionProcessingComplete implements
// transport.InterruptListener, recording that one consumer finished its
// interrupt-clear pass.
func (s *Session) TransportInterruptionProcessingComplete(id wire.ConsumerID) {
	s.log.Debug("consumer completed transport-interrupt clear", "session", s.id, "consumer", id)
}

// Close marks the session closing and snapshots its children under the
// session-wide lock, then, with the lock released, stops the executor,
// shuts down every consumer and producer, rolls back any open
// local transaction, removes the session from the connection state
// tracker, and finally sends RemoveInfo carrying the minimum
// lastDeliveredSequenceId across child consumers so the broker can
// correctly resume pending deliveries.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	consumers := make([]*consumer.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*producer.Producer, 0, len(s.producers))
	for _, p := range s.producers {
		producers = append(producers, p)
	}
	s.mu.Unlock()

	s.executor.Stop(s.closeTimeout)

	for _, c := range consumers {
		c.Shutdown()
	}
	for _, p := range producers {
		if err := p.Close(ctx); err != nil {
			s.log.Warn("close producer during session close failed", "producer", p.ID(), "error", err)
		}
	}

	if s.tx.InLocalTransaction() {
		if err := s.tx.Rollback(ctx); err != nil {
			s.log.Warn("rollback open transaction during session close failed", "session", s.id, "error", err)
		}
	}

	if s.state != nil {
		s.state.RemoveSession(s.id)
	}

	lastSeq := s.minLastDeliveredSequence(consumers)
	return s.transport.Oneway(ctx, &wire.RemoveInfo{ObjectID: s.id, LastDeliveredSequence: lastSeq})
}

// minLastDeliveredSequence computes the minimum LastDeliveredSequenceID
// across children so the broker resumes redelivery from the earliest
// point any consumer might still need. A session with no consumers, or
// whose consumers never received anything, reports zero rather than a
// negative sentinel: a "no deliveries yet" consumer contributes nothing to
// resume from, so it is treated the same as an empty session.
func (s *Session) minLastDeliveredSequence(consumers []*consumer.Consumer) int64 {
	if len(consumers) == 0 {
		return 0
	}
	min := int64(-1)
	for _, c := range consumers {
		seq := c.Stats().LastDeliveredSequenceID
		if seq < 0 {
			seq = 0
		}
		if min == -1 || seq < min {
			min = seq
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

var _ consumer.Session = (*Session)(nil)
var _ producer.Session = (*Session)(nil)
var _ transport.InterruptListener = (*Session)(nil)
