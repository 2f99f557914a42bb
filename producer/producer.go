// Package producer implements the client-side message producer:
// MessageId assignment, an optional producer-transformer delegate, window
// flow control, and the Oneway-vs-SyncRequest send strategy decision.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThorTech/apache-nms/txn"
	"github.com/ThorTech/apache-nms/wire"
)

// Session is the non-owning capability handle a producer uses to reach its
// owning session, mirroring consumer.Session's cycle-breaking role.
type Session interface {
	SendOneway(ctx context.Context, cmd wire.Command) error
	SendSync(ctx context.Context, cmd wire.Command, timeout time.Duration) (wire.Command, error)
	Transaction() *txn.Context
	// AlwaysSyncSend reports whether the owning connection has disabled
	// the fire-and-forget send path entirely.
	AlwaysSyncSend() bool
}

// Transformer rewrites an outgoing message before it is sent, e.g. to set
// derived properties. A nil Transformer is a no-op.
type Transformer func(msg *wire.Message) error

// Options carries the construction parameters for a producer.
type Options struct {
	// WindowSize is the producer's flow-control credit window in bytes.
	// Zero disables window accounting.
	WindowSize int
	// DisableMessageID lets the caller skip MessageId assignment for
	// destinations that will never be tracked (rarely used; default false).
	DisableMessageID bool
	Persistent       bool
	Priority         byte
	TimeToLive       time.Duration
	// AsyncSend enables the fire-and-forget oneway path for otherwise
	// synchronous (persistent) sends.
	AsyncSend bool
	Transform Transformer
}

// SendOptions overrides per-call defaults inherited from Options.
type SendOptions struct {
	// Timeout is the explicit send timeout; <= 0 means "no explicit
	// timeout", one of the conditions that permits fire-and-forget.
	Timeout time.Duration
}

// Producer is the client-side handle used to publish messages to one
// destination.
type Producer struct {
	id          wire.ProducerID
	info        *wire.ProducerInfo
	session     Session
	seq         *wire.SequenceGenerator
	opts        Options
	log         *slog.Logger

	windowMu   sync.Mutex
	windowUsed int

	closed bool
	closeMu sync.Mutex
}

// New constructs a producer bound to destination dest. dest must be
// non-zero, matching the same construction rule as consumers.
func New(id wire.ProducerID, dest wire.Destination, session Session, seq *wire.SequenceGenerator, opts Options, log *slog.Logger) (*Producer, error) {
	if dest == (wire.Destination{}) {
		return nil, fmt.Errorf("create producer %s: %w", id, wire.ErrInvalidDestination)
	}
	if log == nil {
		log = slog.Default()
	}
	info := &wire.ProducerInfo{
		ProducerID:  id,
		Destination: dest,
		WindowSize:  opts.WindowSize,
	}
	return &Producer{
		id:      id,
		info:    info,
		session: session,
		seq:     seq,
		opts:    opts,
		log:     log,
	}, nil
}

// ID returns the producer's broker-assigned identity.
func (p *Producer) ID() wire.ProducerID { return p.id }

// Info returns the ProducerInfo this producer was registered with.
func (p *Producer) Info() *wire.ProducerInfo { return p.info }

func (p *Producer) isClosed() bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.closed
}

// Close marks the producer closed and tells the broker to forget it.
func (p *Producer) Close(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()

	return p.session.SendOneway(ctx, &wire.RemoveInfo{ObjectID: p.id})
}

// Send publishes payload to the producer's destination, applying MessageId
// assignment, the transformer delegate, window accounting, transaction
// attachment and the send-strategy decision tree.
func (p *Producer) Send(ctx context.Context, payload []byte, send SendOptions) error {
	if p.isClosed() {
		return fmt.Errorf("send on producer %s: %w", p.id, wire.ErrObjectClosed)
	}

	msg := &wire.Message{
		Destination: p.info.Destination,
		Payload:     payload,
		Persistent:  p.opts.Persistent,
		Priority:    p.opts.Priority,
		Timestamp:   time.Now(),
	}
	if p.opts.TimeToLive > 0 {
		msg.Expiration = msg.Timestamp.Add(p.opts.TimeToLive)
	}
	if !p.opts.DisableMessageID {
		msg.MessageID = wire.MessageID{ProducerID: p.id, Sequence: p.seq.Next()}
	}
	if p.opts.Transform != nil {
		if err := p.opts.Transform(msg); err != nil {
			return fmt.Errorf("transform message for producer %s: %w", p.id, err)
		}
	}

	// A transacted session attaches the current transaction id to every
	// send and makes sure one has actually begun.
	inTx := false
	if tx := p.session.Transaction(); tx != nil && tx.IsTransactedSession() {
		inTx = true
		id, err := tx.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction for producer send %s: %w", p.id, err)
		}
		msg.TransactionID = &id
	}

	oneway := send.Timeout <= 0 &&
		!msg.ResponseRequired() &&
		!p.session.AlwaysSyncSend() &&
		(!msg.Persistent || p.opts.AsyncSend || inTx)

	if oneway {
		if err := p.session.SendOneway(ctx, msg); err != nil {
			return err
		}
		p.growWindow(len(payload))
		return nil
	}

	_, err := p.session.SendSync(ctx, msg, send.Timeout)
	return err
}

// growWindow accounts n bytes against the producer's flow-control window.
// A real broker credits the window back on ProducerAck; this client only
// tracks bytes sent since the last credit, exposed via WindowUsed for a caller
// that wants to throttle ahead of the broker doing so.
func (p *Producer) growWindow(n int) {
	if p.opts.WindowSize <= 0 {
		return
	}
	p.windowMu.Lock()
	p.windowUsed += n
	p.windowMu.Unlock()
}

// CreditWindow returns n bytes of window back to the producer, called when
// the broker acknowledges consumption of previously sent messages.
func (p *Producer) CreditWindow(n int) {
	p.windowMu.Lock()
	p.windowUsed -= n
	if p.windowUsed < 0 {
		p.windowUsed = 0
	}
	p.windowMu.Unlock()
}

// WindowUsed reports the bytes currently counted against the window.
func (p *Producer) WindowUsed() int {
	p.windowMu.Lock()
	defer p.windowMu.Unlock()
	return p.windowUsed
}
