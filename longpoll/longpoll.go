package longpoll

import (
	"context"
	"sync"

	"merchantd/taler"
)

// EventKind says why a waiter was released.
type EventKind int

const (
	// EventPaid fires when a contract reaches the paid state or a session
	// binding is recorded.
	EventPaid EventKind = iota + 1
	// EventRefund fires when the cumulative refund for a contract grows.
	EventRefund
	// EventSysErr releases every waiter during shutdown.
	EventSysErr
)

// Event is delivered to released waiters.
type Event struct {
	Kind EventKind
	// RefundTotal is the cumulative refund at wake time for EventRefund.
	RefundTotal taler.Amount
}

// maxWaitersPerKey bounds how many requests may park on one key. The oldest
// waiter is evicted with a system error when the bound is hit.
const maxWaitersPerKey = 1024

// Waiter is one registered slot on a pay key. Handlers register first,
// re-check the database, and only then commit to waiting; an event that
// fires in between is buffered and delivered by Wait.
type Waiter struct {
	registry  *Registry
	key       string
	ch        chan Event
	minRefund *taler.Amount
}

// Registry parks poll-payment requests per pay key and releases them when a
// matching payment or refund event fires.
type Registry struct {
	mu      sync.Mutex
	waiters map[string][]*Waiter
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{waiters: make(map[string][]*Waiter)}
}

// Register acquires a waiting slot on key. minRefund, when non-nil,
// restricts wake-ups to refund events whose cumulative total reaches it;
// nil waiters match paid events. The caller must either Wait or Cancel.
func (r *Registry) Register(key string, minRefund *taler.Amount) *Waiter {
	w := &Waiter{registry: r, key: key, ch: make(chan Event, 1), minRefund: minRefund}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		w.ch <- Event{Kind: EventSysErr}
		return w
	}
	queue := r.waiters[key]
	if len(queue) >= maxWaitersPerKey {
		// Evict the oldest waiter so a flood of polls cannot pin memory.
		queue[0].ch <- Event{Kind: EventSysErr}
		queue = queue[1:]
	}
	r.waiters[key] = append(queue, w)
	return w
}

// Wait blocks until a matching event fires or the context ends. On context
// errors the slot is released; a wake that raced the cancellation wins.
func (w *Waiter) Wait(ctx context.Context) (Event, error) {
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		w.registry.drop(w.key, w)
		select {
		case ev := <-w.ch:
			return ev, nil
		default:
		}
		return Event{}, ctx.Err()
	}
}

// Cancel releases the slot without waiting.
func (w *Waiter) Cancel() {
	w.registry.drop(w.key, w)
}

// Suspend is Register followed by Wait.
func (r *Registry) Suspend(ctx context.Context, key string, minRefund *taler.Amount) (Event, error) {
	return r.Register(key, minRefund).Wait(ctx)
}

// Wake releases the waiters on key whose predicate matches ev, in the order
// they registered. Paid events release waiters without a refund threshold;
// refund events release waiters whose threshold the cumulative total meets.
func (r *Registry) Wake(key string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	queue := r.waiters[key]
	if len(queue) == 0 {
		return
	}
	var kept []*Waiter
	for _, w := range queue {
		if matches(w, ev) {
			w.ch <- ev
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(r.waiters, key)
		return
	}
	r.waiters[key] = kept
}

func matches(w *Waiter, ev Event) bool {
	switch ev.Kind {
	case EventPaid:
		return w.minRefund == nil
	case EventRefund:
		if w.minRefund == nil {
			return false
		}
		c, err := ev.RefundTotal.Cmp(*w.minRefund)
		if err != nil {
			return false
		}
		return c >= 0
	case EventSysErr:
		return true
	}
	return false
}

// Shutdown releases every waiter with a system error and rejects later
// registrations the same way.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for key, queue := range r.waiters {
		for _, w := range queue {
			w.ch <- Event{Kind: EventSysErr}
		}
		delete(r.waiters, key)
	}
}

func (r *Registry) drop(key string, w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.waiters[key]
	for i, queued := range queue {
		if queued == w {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(r.waiters, key)
		return
	}
	r.waiters[key] = queue
}
