package _switch

import (
	"sync"
	"sync/atomic"

	"github.com/adwski/sharefeed/backend/model"
	"github.com/rs/zerolog"
)

const (
	DefaultSlots = 128
)

// Switch fans feed events out to every subscriber.
//
// Delivery is lossy by contract: Publish never blocks, and a subscriber whose
// queue of slots is full loses its oldest unread event. Publishes are
// serialized, so all subscribers observe events in the same order.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	subs   map[uint64]*Subscription
	seq    uint64
	slots  int
	closed bool
}

func NewSwitch(logger *zerolog.Logger, slots int) *Switch {
	if slots <= 0 {
		slots = DefaultSlots
	}
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.Mutex{},
		subs:   make(map[uint64]*Subscription),
		slots:  slots,
	}
}

// Subscribe returns a handle that receives events published after this call.
// Subscribing to a closed switch yields an already closed subscription.
func (sw *Switch) Subscribe() model.Subscription {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	sw.seq++
	sub := &Subscription{
		id: sw.seq,
		ch: make(chan model.Event, sw.slots),
		sw: sw,
	}
	if sw.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	sw.subs[sub.id] = sub

	sw.logger.Debug().
		Uint64("subscription", sub.id).
		Int("subscribers", len(sw.subs)).
		Msg("subscribed")
	return sub
}

func (sw *Switch) Publish(evt model.Event) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	for _, sub := range sw.subs {
		sub.deliver(evt)
	}
	sw.logger.Trace().
		Stringer("type", evt.Type).
		Int32("id", evt.ID).
		Int("subscribers", len(sw.subs)).
		Msg("event published")
}

// Subscribers returns the number of live subscriptions.
func (sw *Switch) Subscribers() int {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	return len(sw.subs)
}

// Close ends every subscription. Later Subscribe calls return closed handles.
func (sw *Switch) Close() {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if sw.closed {
		return
	}
	sw.closed = true
	for id, sub := range sw.subs {
		sub.closeLocked()
		delete(sw.subs, id)
	}
	sw.logger.Debug().Msg("switch closed")
}

func (sw *Switch) unsubscribe(sub *Subscription) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if sub.closed {
		return
	}
	sub.closeLocked()
	delete(sw.subs, sub.id)

	sw.logger.Debug().
		Uint64("subscription", sub.id).
		Uint64("dropped", sub.Dropped()).
		Int("subscribers", len(sw.subs)).
		Msg("unsubscribed")
}

// Subscription fields other than dropped are guarded by the switch mutex.
type Subscription struct {
	id      uint64
	ch      chan model.Event
	sw      *Switch
	closed  bool
	dropped atomic.Uint64
}

func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.sw.unsubscribe(s)
}

// deliver must be called with the switch mutex held. The switch is the
// only sender, so after evicting one event the second send always succeeds.
func (s *Subscription) deliver(evt model.Event) {
	select {
	case s.ch <- evt:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- evt:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) closeLocked() {
	s.closed = true
	close(s.ch)
}
