package tracker

import (
	"sync"

	"github.com/ThorTech/apache-nms/wire"
)

// defaultSessionValue is the id-suffix of the session every connection owns
// from construction, before the application opens any of its own.
const defaultSessionValue = -1

// TransactionState tracks one in-flight local or XA transaction: the
// ordered list of commands the broker must replay on the transaction's
// behalf after a transport interruption, and the outcome of a two-phase
// prepare vote.
type TransactionState struct {
	lifecycle
	mu       sync.Mutex
	id       wire.TransactionID
	commands []wire.Command
	prepared bool
	voteBits int
}

func newTransactionState(id wire.TransactionID) *TransactionState {
	return &TransactionState{id: id}
}

// ID returns the transaction identity this state tracks.
func (t *TransactionState) ID() wire.TransactionID { return t.id }

// AddCommand appends a command to the transaction's replay log. Returns
// ErrDisposed once the transaction has been shut down.
func (t *TransactionState) AddCommand(cmd wire.Command) error {
	if t.isShutdown() {
		return wire.ErrDisposed
	}
	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	t.mu.Unlock()
	return nil
}

// Commands returns a snapshot of the transaction's replay log.
func (t *TransactionState) Commands() []wire.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.Command, len(t.commands))
	copy(out, t.commands)
	return out
}

// SetPrepared records the outcome of a two-phase prepare vote.
func (t *TransactionState) SetPrepared(voteBits int) {
	t.mu.Lock()
	t.prepared = true
	t.voteBits = voteBits
	t.mu.Unlock()
}

// Prepared reports whether Prepare has completed and its vote bits.
func (t *TransactionState) Prepared() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prepared, t.voteBits
}

func (t *TransactionState) shutdown() {
	t.markShutdown()
}

// SessionState tracks the consumers and producers a session owns.
type SessionState struct {
	lifecycle
	mu        sync.RWMutex
	id        wire.SessionID
	info      *wire.SessionInfo
	consumers map[wire.ConsumerID]*wire.ConsumerInfo
	producers map[wire.ProducerID]*wire.ProducerInfo
}

func newSessionState(info *wire.SessionInfo) *SessionState {
	return &SessionState{
		id:        info.SessionID,
		info:      info,
		consumers: make(map[wire.ConsumerID]*wire.ConsumerInfo),
		producers: make(map[wire.ProducerID]*wire.ProducerInfo),
	}
}

// ID returns the session identity this state tracks.
func (s *SessionState) ID() wire.SessionID { return s.id }

// Info returns the SessionInfo this state was constructed from.
func (s *SessionState) Info() *wire.SessionInfo { return s.info }

// AddConsumer records a consumer as belonging to this session.
func (s *SessionState) AddConsumer(info *wire.ConsumerInfo) error {
	if s.isShutdown() {
		return wire.ErrDisposed
	}
	s.mu.Lock()
	s.consumers[info.ConsumerID] = info
	s.mu.Unlock()
	return nil
}

// RemoveConsumer forgets a consumer, e.g. on close.
func (s *SessionState) RemoveConsumer(id wire.ConsumerID) {
	s.mu.Lock()
	delete(s.consumers, id)
	s.mu.Unlock()
}

// Consumers returns a snapshot of the session's tracked consumers.
func (s *SessionState) Consumers() []*wire.ConsumerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*wire.ConsumerInfo, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out
}

// AddProducer records a producer as belonging to this session.
func (s *SessionState) AddProducer(info *wire.ProducerInfo) error {
	if s.isShutdown() {
		return wire.ErrDisposed
	}
	s.mu.Lock()
	s.producers[info.ProducerID] = info
	s.mu.Unlock()
	return nil
}

// RemoveProducer forgets a producer, e.g. on close.
func (s *SessionState) RemoveProducer(id wire.ProducerID) {
	s.mu.Lock()
	delete(s.producers, id)
	s.mu.Unlock()
}

// Producers returns a snapshot of the session's tracked producers.
func (s *SessionState) Producers() []*wire.ProducerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*wire.ProducerInfo, 0, len(s.producers))
	for _, p := range s.producers {
		out = append(out, p)
	}
	return out
}

func (s *SessionState) shutdown() {
	if !s.markShutdown() {
		return
	}
}

// ConnectionState is the root of the recovery tree: every session,
// transaction and temporary destination the application has created on
// one connection, kept so a reconnect can replay them to a fresh
// transport in the right order.
type ConnectionState struct {
	lifecycle
	mu           sync.RWMutex
	info         *wire.ConnectionInfo
	sessions     map[wire.SessionID]*SessionState
	transactions map[wire.TransactionID]*TransactionState
	tempDests    []wire.DestinationInfo
}

// New creates a ConnectionState for info, pre-populated with the default
// session every connection owns (id-suffix -1) before the application
// opens any session of its own.
func New(info *wire.ConnectionInfo) *ConnectionState {
	cs := &ConnectionState{
		info:         info,
		sessions:     make(map[wire.SessionID]*SessionState),
		transactions: make(map[wire.TransactionID]*TransactionState),
	}
	defaultID := wire.SessionID{ConnectionID: info.ConnectionID, Value: defaultSessionValue}
	cs.sessions[defaultID] = newSessionState(&wire.SessionInfo{SessionID: defaultID})
	return cs
}

// Info returns the ConnectionInfo currently installed.
func (c *ConnectionState) Info() *wire.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// AddSession records a new session, distinct from the connection's
// built-in default session.
func (c *ConnectionState) AddSession(info *wire.SessionInfo) (*SessionState, error) {
	if c.isShutdown() {
		return nil, wire.ErrDisposed
	}
	ss := newSessionState(info)
	c.mu.Lock()
	c.sessions[info.SessionID] = ss
	c.mu.Unlock()
	return ss, nil
}

// Session looks up a tracked session by id.
func (c *ConnectionState) Session(id wire.SessionID) (*SessionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ss, ok := c.sessions[id]
	return ss, ok
}

// RemoveSession forgets a session and cascades shutdown to it, releasing
// its consumers and producers from future replay.
func (c *ConnectionState) RemoveSession(id wire.SessionID) {
	c.mu.Lock()
	ss, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if ok {
		ss.shutdown()
	}
}

// Sessions returns a snapshot of every tracked session, including the
// default session.
func (c *ConnectionState) Sessions() []*SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*SessionState, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// AddTransaction begins tracking a transaction.
func (c *ConnectionState) AddTransaction(id wire.TransactionID) (*TransactionState, error) {
	if c.isShutdown() {
		return nil, wire.ErrDisposed
	}
	ts := newTransactionState(id)
	c.mu.Lock()
	c.transactions[id] = ts
	c.mu.Unlock()
	return ts, nil
}

// Transaction looks up a tracked transaction by id.
func (c *ConnectionState) Transaction(id wire.TransactionID) (*TransactionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts, ok := c.transactions[id]
	return ts, ok
}

// RemoveTransaction forgets a transaction after it commits or rolls back.
func (c *ConnectionState) RemoveTransaction(id wire.TransactionID) {
	c.mu.Lock()
	ts, ok := c.transactions[id]
	delete(c.transactions, id)
	c.mu.Unlock()
	if ok {
		ts.shutdown()
	}
}

// Transactions returns a snapshot of every tracked transaction.
func (c *ConnectionState) Transactions() []*TransactionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TransactionState, 0, len(c.transactions))
	for _, t := range c.transactions {
		out = append(out, t)
	}
	return out
}

// AddTempDestination records a temporary queue or topic created on this
// connection, so it can be recreated on the broker after a reconnect.
func (c *ConnectionState) AddTempDestination(d wire.DestinationInfo) error {
	if c.isShutdown() {
		return wire.ErrDisposed
	}
	c.mu.Lock()
	c.tempDests = append(c.tempDests, d)
	c.mu.Unlock()
	return nil
}

// RemoveTempDestination forgets a temporary destination, e.g. once deleted.
func (c *ConnectionState) RemoveTempDestination(dest wire.Destination) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.tempDests {
		if d.Destination == dest {
			c.tempDests = append(c.tempDests[:i], c.tempDests[i+1:]...)
			return
		}
	}
}

// TempDestinations returns a snapshot of tracked temporary destinations,
// in creation order.
func (c *ConnectionState) TempDestinations() []wire.DestinationInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]wire.DestinationInfo, len(c.tempDests))
	copy(out, c.tempDests)
	return out
}

// Shutdown marks the connection state (and every session, transaction it
// owns) as disposed. Further mutation attempts return ErrDisposed.
func (c *ConnectionState) Shutdown() {
	if !c.markShutdown() {
		return
	}
	for _, s := range c.Sessions() {
		s.shutdown()
	}
	for _, t := range c.Transactions() {
		t.shutdown()
	}
}

// Reset installs a fresh ConnectionInfo and discards every tracked
// session, transaction and temporary destination, restoring the built-in
// default session. Used when a connection is fully torn down and rebuilt
// under a new broker-assigned identity rather than resumed in place.
func (c *ConnectionState) Reset(info *wire.ConnectionInfo) {
	c.mu.Lock()
	c.info = info
	c.sessions = make(map[wire.SessionID]*SessionState)
	c.transactions = make(map[wire.TransactionID]*TransactionState)
	c.tempDests = nil
	defaultID := wire.SessionID{ConnectionID: info.ConnectionID, Value: defaultSessionValue}
	c.sessions[defaultID] = newSessionState(&wire.SessionInfo{SessionID: defaultID})
	c.mu.Unlock()
	c.lifecycle.reset()
}
