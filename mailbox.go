package gosocketio

import (
	"sync"

	"github.com/eapache/queue"
)

// mailbox runs tasks one at a time in submission order on a dedicated
// goroutine. It is unbounded so a task may enqueue more work for its own
// socket without deadlocking.
type mailbox struct {
	mu     sync.Mutex
	tasks  *queue.Queue
	signal chan struct{}
	closed bool
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		tasks:  queue.New(),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// push enqueues a task. It returns false once the mailbox has been closed.
func (m *mailbox) push(task func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.tasks.Add(task)
	m.mu.Unlock()

	m.notify()
	return true
}

// close stops accepting tasks. Tasks already queued still run.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.notify()
}

func (m *mailbox) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.done)

	for range m.signal {
		for {
			m.mu.Lock()
			if m.tasks.Length() == 0 {
				closed := m.closed
				m.mu.Unlock()
				if closed {
					return
				}
				break
			}
			task := m.tasks.Remove().(func())
			m.mu.Unlock()

			task()
		}
	}
}
