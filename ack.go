package gosocketio

import (
	"sync"
	"sync/atomic"
	"time"
)

// AckHandler handles acknowledgment responses
type AckHandler func(...interface{})

// AckTimeoutHandler handles an acknowledgment response or its timeout. err is
// ErrAckTimeout when the client did not answer in time.
type AckTimeoutHandler func(err error, args ...interface{})

type pendingAck struct {
	handler AckTimeoutHandler
	timer   *time.Timer
}

// ackRegistry correlates outbound events with the client's acknowledgment.
// Each id resolves at most once, by a reply or by its timeout.
type ackRegistry struct {
	mu      sync.Mutex
	nextID  int
	pending map[int]*pendingAck
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{pending: make(map[int]*pendingAck)}
}

// register reserves an ack id. onTimeout is scheduled when timeout is positive.
func (r *ackRegistry) register(handler AckTimeoutHandler, timeout time.Duration, onTimeout func(id int)) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	entry := &pendingAck{handler: handler}
	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() { onTimeout(id) })
	}
	r.pending[id] = entry
	return id
}

// take removes and returns the handler for id, or nil if it was already
// resolved or never existed.
func (r *ackRegistry) take(id int) AckTimeoutHandler {
	r.mu.Lock()
	entry, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry.handler
}

// resolve delivers a reply. Unknown and duplicate ids are ignored.
func (r *ackRegistry) resolve(id int, err error, args ...interface{}) bool {
	handler := r.take(id)
	if handler == nil {
		return false
	}
	handler(err, args...)
	return true
}

// abandon drops every pending entry without invoking it.
func (r *ackRegistry) abandon() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[int]*pendingAck)
	r.mu.Unlock()

	for _, entry := range pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

func (r *ackRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// onceAck wraps send so that only the first call has an effect.
func onceAck(send func(args []interface{})) func(...interface{}) {
	var used atomic.Bool
	return func(args ...interface{}) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		if args == nil {
			args = []interface{}{}
		}
		send(args)
	}
}

// SplitAck separates a trailing acknowledgment callback from event arguments.
func SplitAck(args []interface{}) ([]interface{}, func(...interface{}), bool) {
	if len(args) == 0 {
		return args, nil, false
	}
	ack, ok := args[len(args)-1].(func(...interface{}))
	if !ok {
		return args, nil, false
	}
	return args[:len(args)-1], ack, true
}
