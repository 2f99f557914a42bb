package dispatch

import (
	"sync"
	"time"

	"github.com/ThorTech/apache-nms/wire"
)

// fifo is the strict-arrival-order Channel implementation.
type fifo struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*wire.MessageDispatch
	state State
}

// NewFIFO creates a Channel that dequeues messages in arrival order.
func NewFIFO() Channel {
	f := &fifo{state: Running}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fifo) Enqueue(m *wire.MessageDispatch) {
	f.mu.Lock()
	f.items = append(f.items, m)
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fifo) EnqueueFirst(m *wire.MessageDispatch) {
	f.mu.Lock()
	f.items = append([]*wire.MessageDispatch{m}, f.items...)
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fifo) Dequeue(timeout time.Duration) *wire.MessageDispatch {
	deadline, hasDeadline := deadlineFor(timeout)

	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if len(f.items) > 0 {
			m := f.items[0]
			f.items = f.items[1:]
			return m
		}
		if f.state != Running {
			return nil
		}
		if timeout == 0 {
			return nil
		}
		if !waitOn(f.cond, &f.mu, deadline, hasDeadline) {
			return nil
		}
	}
}

func (f *fifo) DequeueNoWait() *wire.MessageDispatch {
	return f.Dequeue(0)
}

func (f *fifo) RemoveAll() []*wire.MessageDispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.items
	f.items = nil
	return out
}

func (f *fifo) Clear() {
	f.mu.Lock()
	f.items = nil
	f.mu.Unlock()
}

func (f *fifo) Start() {
	f.mu.Lock()
	if f.state != Closed {
		f.state = Running
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fifo) Stop() {
	f.mu.Lock()
	if f.state != Closed {
		f.state = Stopped
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fifo) Close() {
	f.mu.Lock()
	f.state = Closed
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fifo) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Running
}

func (f *fifo) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fifo) Empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items) == 0
}

func (f *fifo) SyncRoot() sync.Locker {
	return syncRoot{mu: &f.mu}
}

var _ Channel = (*fifo)(nil)
