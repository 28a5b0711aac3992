// Package eventbroker implements the in-process publish/subscribe bus
// described in spec §4.4: synchronous delivery in publication order,
// scoped subscriptions that unsubscribe on release, optional
// type-set filtering, and a one_shot mode. Backends that can relay
// store events across processes (e.g. eventbroker/redisrelay) publish
// into a local Broker on the receiving end; the broker itself is
// unaware of an event's origin.
//
// The locking/dispatch shape is grounded on golly/messaging's
// LocalProvider: an RWMutex-guarded subscriber map, with a snapshot
// taken before dispatch so a handler is never called while holding the
// broker's lock.
package eventbroker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Listener receives delivered events. Delivery is synchronous on the
// publishing goroutine, so implementations must not block for long.
// Publish releases the broker's lock before calling listeners, so a
// listener may call Publish, Subscribe or Unsubscribe.
type Listener func(Event)

// Subscription is a scoped handle: releasing it (Unsubscribe) removes
// the callback. It is safe to call Unsubscribe more than once.
type Subscription struct {
	broker *Broker
	id     uint64
}

// Unsubscribe removes the callback from the broker.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.broker == nil {
		return
	}
	s.broker.remove(s.id)
}

type subscriber struct {
	id       uint64
	listener Listener
	filter   map[string]struct{} // nil = all kinds
	oneShot  bool
}

// Broker is the in-process event bus.
type Broker struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextSubID uint64
	seq       uint64
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers listener for delivery. If kinds is non-empty,
// only events whose Kind() is in that set are delivered. If oneShot
// is true, the subscription is removed after its first delivery.
func (b *Broker) Subscribe(listener Listener, kinds []string, oneShot bool) *Subscription {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	var filter map[string]struct{}
	if len(kinds) > 0 {
		filter = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			filter[k] = struct{}{}
		}
	}
	b.subs[id] = &subscriber{id: id, listener: listener, filter: filter, oneShot: oneShot}
	b.mu.Unlock()

	return &Subscription{broker: b, id: id}
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish stamps the event with the next sequence number and the
// current time (if not already set by the caller) and delivers it
// synchronously, in publish order, to every matching subscriber.
func (b *Broker) Publish(evt Event) {
	m := evt.meta()
	if m.Seq == 0 {
		m.Seq = atomic.AddUint64(&b.seq, 1)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter != nil {
			if _, ok := s.filter[evt.Kind()]; !ok {
				continue
			}
		}
		matched = append(matched, s)
	}
	b.mu.RUnlock()

	var toRemove []uint64
	for _, s := range matched {
		s.listener(evt)
		if s.oneShot {
			toRemove = append(toRemove, s.id)
		}
	}

	if len(toRemove) > 0 {
		b.mu.Lock()
		for _, id := range toRemove {
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
}
