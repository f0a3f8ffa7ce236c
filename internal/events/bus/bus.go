// Package bus provides a typed in-process pub/sub event bus.
//
// A Bus is generic over an event type enumeration and a payload union. Each
// subscription owns a bounded channel; the configured overflow policy decides
// what happens when a subscriber falls behind. Events are hints: authoritative
// state lives in the database, and consumers re-query after a wake.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by Publish after the bus has been closed.
var ErrBusClosed = errors.New("event bus is closed")

const defaultCapacity = 64

// Overflow selects the behavior when a subscriber's channel is full.
type Overflow int

const (
	// OverflowBlock makes the publisher wait until the subscriber drains.
	OverflowBlock Overflow = iota
	// OverflowDropOldest evicts the oldest buffered envelope to make room.
	OverflowDropOldest
	// OverflowCoalesce drops the incoming envelope when it has the same type
	// as the most recently buffered one, collapsing adjacent equal-type
	// events; otherwise it blocks like OverflowBlock.
	OverflowCoalesce
)

// ParseOverflow converts a configuration string to an Overflow policy.
func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "", "block":
		return OverflowBlock, nil
	case "dropOldest":
		return OverflowDropOldest, nil
	case "coalesce":
		return OverflowCoalesce, nil
	default:
		return OverflowBlock, fmt.Errorf("unknown overflow policy: %q", s)
	}
}

// Envelope wraps a published payload with its type, id, and publish time.
type Envelope[E comparable, P any] struct {
	ID        string
	Type      E
	Timestamp time.Time
	Payload   P
}

// Filter restricts which envelopes a subscription receives. A zero Filter
// matches everything. All specified constraints must match.
type Filter[E comparable, P any] struct {
	// Types, when non-empty, is the set of event types to pass.
	Types []E
	// Predicate, when non-nil, must return true for the payload.
	Predicate func(P) bool
	// MaxAge, when positive, rejects envelopes older than now-MaxAge.
	MaxAge time.Duration
}

func (f Filter[E, P]) matches(env Envelope[E, P], now time.Time) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == env.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MaxAge > 0 && now.Sub(env.Timestamp) > f.MaxAge {
		return false
	}
	if f.Predicate != nil && !f.Predicate(env.Payload) {
		return false
	}
	return true
}

// SubscribeOptions configures one subscription's bounded channel.
type SubscribeOptions struct {
	Capacity int
	Overflow Overflow
}

type subscription[E comparable, P any] struct {
	ch       chan Envelope[E, P]
	done     chan struct{}
	filter   Filter[E, P]
	overflow Overflow

	// sendMu serializes fan-out to this subscriber so that per-subscriber
	// delivery order equals publish order and channel close cannot race a
	// send.
	sendMu    sync.Mutex
	closed    bool
	closeOnce sync.Once

	// lastType tracks the most recently buffered event type for coalescing.
	lastType E
	hasLast  bool
}

// shutdown unblocks any in-flight delivery, then closes the subscriber
// channel. Buffered envelopes remain readable; the consumer drains them and
// then observes channel close.
func (s *subscription[E, P]) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
	})
}

// deliver enqueues one envelope according to the overflow policy. It returns
// ctx.Err() only when the caller's context is cancelled while waiting on a
// full channel; a concurrently cancelled subscription is skipped silently.
func (s *subscription[E, P]) deliver(ctx context.Context, env Envelope[E, P]) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed {
		return nil
	}

	// Fast path: room in the buffer.
	select {
	case s.ch <- env:
		s.lastType, s.hasLast = env.Type, true
		return nil
	default:
	}

	switch s.overflow {
	case OverflowDropOldest:
		for {
			select {
			case s.ch <- env:
				s.lastType, s.hasLast = env.Type, true
				return nil
			default:
			}
			// Evict one buffered envelope and retry.
			select {
			case <-s.ch:
			default:
			}
		}
	case OverflowCoalesce:
		if s.hasLast && s.lastType == env.Type {
			// Adjacent equal-type event: the buffered one already conveys
			// the state change hint.
			return nil
		}
		fallthrough
	default: // OverflowBlock
		select {
		case s.ch <- env:
			s.lastType, s.hasLast = env.Type, true
			return nil
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Bus is a typed in-process event bus with per-subscription bounded channels.
type Bus[E comparable, P any] struct {
	mu     sync.Mutex
	subs   map[*subscription[E, P]]struct{}
	closed bool
	opts   SubscribeOptions
}

// New creates a bus whose subscriptions default to a capacity-64 blocking
// channel.
func New[E comparable, P any]() *Bus[E, P] {
	return NewWithOptions[E, P](SubscribeOptions{Capacity: defaultCapacity, Overflow: OverflowBlock})
}

// NewWithOptions creates a bus with custom default subscription options.
func NewWithOptions[E comparable, P any](opts SubscribeOptions) *Bus[E, P] {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	return &Bus[E, P]{
		subs: make(map[*subscription[E, P]]struct{}),
		opts: opts,
	}
}

// Publish delivers one envelope to every live subscription whose filter
// matches. With the blocking overflow policy the call waits for slow
// subscribers; cancelling ctx abandons the remaining deliveries (subscribers
// already delivered to keep their copies). Publishing on a closed bus
// returns ErrBusClosed.
func (b *Bus[E, P]) Publish(ctx context.Context, eventType E, payload P) error {
	env := Envelope[E, P]{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	// Snapshot the live subscriber set; delivery happens outside the lock so
	// a blocked subscriber cannot stall Subscribe/Close.
	targets := make([]*subscription[E, P], 0, len(b.subs))
	for s := range b.subs {
		if s.filter.matches(env, env.Timestamp) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.deliver(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a filtered subscription using the bus defaults.
// The returned channel is closed when ctx is cancelled or the bus is closed;
// cancellation never surfaces as an error to the consumer.
func (b *Bus[E, P]) Subscribe(ctx context.Context, filter Filter[E, P]) <-chan Envelope[E, P] {
	return b.SubscribeWithOptions(ctx, filter, b.opts)
}

// SubscribeWithOptions registers a filtered subscription with its own channel
// capacity and overflow policy.
func (b *Bus[E, P]) SubscribeWithOptions(ctx context.Context, filter Filter[E, P], opts SubscribeOptions) <-chan Envelope[E, P] {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan Envelope[E, P])
		close(ch)
		return ch
	}

	s := &subscription[E, P]{
		ch:       make(chan Envelope[E, P], opts.Capacity),
		done:     make(chan struct{}),
		filter:   filter,
		overflow: opts.Overflow,
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	// Watcher: tear the subscription down when the caller cancels.
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.shutdown()
	}()

	return s.ch
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus[E, P]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts down the bus. All subscriber channels are closed after their
// buffered envelopes; subsequent publishes fail with ErrBusClosed.
func (b *Bus[E, P]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription[E, P], 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription[E, P]]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}
