package dispatch

import (
	"sync"
	"time"

	"github.com/ThorTech/apache-nms/wire"
)

const (
	numPriorities  = 10
	defaultPriority = 4
)

// priority is the ten-bucket, JMS-priority-aware Channel implementation.
// Dequeue scans buckets high to low; within a bucket, order is FIFO.
type priority struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets [numPriorities][]*wire.MessageDispatch
	count   int
	state   State
}

// NewPriority creates a Channel that dequeues the highest-priority pending
// message first, breaking ties by arrival order within a priority level.
func NewPriority() Channel {
	p := &priority{state: Running}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func priorityOf(m *wire.MessageDispatch) int {
	if m == nil || m.Message == nil {
		return defaultPriority
	}
	p := int(m.Message.Priority)
	if p < 0 {
		p = 0
	}
	if p >= numPriorities {
		p = numPriorities - 1
	}
	return p
}

func (p *priority) Enqueue(m *wire.MessageDispatch) {
	idx := priorityOf(m)
	p.mu.Lock()
	p.buckets[idx] = append(p.buckets[idx], m)
	p.count++
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *priority) EnqueueFirst(m *wire.MessageDispatch) {
	idx := priorityOf(m)
	p.mu.Lock()
	p.buckets[idx] = append([]*wire.MessageDispatch{m}, p.buckets[idx]...)
	p.count++
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popLocked removes and returns the highest-priority head, or nil if empty.
// Caller must hold p.mu.
func (p *priority) popLocked() *wire.MessageDispatch {
	for idx := numPriorities - 1; idx >= 0; idx-- {
		bucket := p.buckets[idx]
		if len(bucket) == 0 {
			continue
		}
		m := bucket[0]
		p.buckets[idx] = bucket[1:]
		p.count--
		return m
	}
	return nil
}

func (p *priority) Dequeue(timeout time.Duration) *wire.MessageDispatch {
	deadline, hasDeadline := deadlineFor(timeout)

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if m := p.popLocked(); m != nil {
			return m
		}
		if p.state != Running {
			return nil
		}
		if timeout == 0 {
			return nil
		}
		if !waitOn(p.cond, &p.mu, deadline, hasDeadline) {
			return nil
		}
	}
}

func (p *priority) DequeueNoWait() *wire.MessageDispatch {
	return p.Dequeue(0)
}

func (p *priority) RemoveAll() []*wire.MessageDispatch {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*wire.MessageDispatch, 0, p.count)
	for idx := numPriorities - 1; idx >= 0; idx-- {
		out = append(out, p.buckets[idx]...)
		p.buckets[idx] = nil
	}
	p.count = 0
	return out
}

func (p *priority) Clear() {
	p.mu.Lock()
	for idx := range p.buckets {
		p.buckets[idx] = nil
	}
	p.count = 0
	p.mu.Unlock()
}

func (p *priority) Start() {
	p.mu.Lock()
	if p.state != Closed {
		p.state = Running
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *priority) Stop() {
	p.mu.Lock()
	if p.state != Closed {
		p.state = Stopped
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *priority) Close() {
	p.mu.Lock()
	p.state = Closed
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *priority) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Running
}

func (p *priority) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *priority) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count == 0
}

func (p *priority) SyncRoot() sync.Locker {
	return syncRoot{mu: &p.mu}
}

var _ Channel = (*priority)(nil)
