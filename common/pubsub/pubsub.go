// Package pubsub implements a simple broker/subscription broadcast
// primitive on top of eapache/channels.
package pubsub

import (
	"reflect"
	"sync"

	"github.com/eapache/channels"
)

// Subscription is a subscriber's view of a Broker.
type Subscription struct {
	broker *Broker
	ch     *channels.InfiniteChannel
	closed bool
	mu     sync.Mutex
}

// Unwrap starts forwarding broadcast values onto typedCh until Close is
// called. typedCh should be a directional channel of the concrete value
// type the Broker broadcasts; values are copied across with reflection
// to bridge the untyped InfiniteChannel onto a caller-typed channel.
func (s *Subscription) Unwrap(typedCh interface{}) {
	rv := reflect.ValueOf(typedCh)
	out := s.ch.Out()

	go func() {
		for v := range out {
			rv.Send(reflect.ValueOf(v))
		}
	}()
}

// Close terminates the subscription and releases its underlying channel.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.broker.unsubscribe(s)
	s.ch.Close()
}

// Broker is a single-writer, multi-reader broadcast hub. Each Subscribe
// call returns an independent, unbounded queue of every value Broadcast
// after the subscription (plus, if OnSubscribe was set via NewBrokerEx,
// one synthetic "current state" value delivered immediately).
type Broker struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	onSubscribe func(*channels.InfiniteChannel)
}

// NewBroker constructs a Broker with no subscribe-time replay.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// NewBrokerEx constructs a Broker that invokes onSubscribe with every new
// subscriber's inbound channel, letting the broker push a synthetic
// "current state" value before any future Broadcast is delivered.
func NewBrokerEx(onSubscribe func(*channels.InfiniteChannel)) *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]struct{}),
		onSubscribe: onSubscribe,
	}
}

// Subscribe registers a new subscriber and returns its Subscription.
func (b *Broker) Subscribe() *Subscription {
	ch := channels.NewInfiniteChannel()
	sub := &Subscription{broker: b, ch: ch}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	if b.onSubscribe != nil {
		b.onSubscribe(ch)
	}

	return sub
}

// Broadcast delivers v to every currently subscribed Subscription.
func (b *Broker) Broadcast(v interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		sub.ch.In() <- v
	}
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
}
