package hooks

import (
	"context"
	"errors"
	"sync"

	"goa.design/clue/log"
)

type (
	// Bus fans out events to registered subscribers. Implementations are
	// thread-safe and support concurrent Publish, PublishRobust and
	// Register operations.
	Bus interface {
		// Publish delivers the event to every registered subscriber in
		// registration order, stopping at the first subscriber error.
		Publish(ctx context.Context, event Event) error

		// PublishRobust delivers the event to every registered subscriber.
		// Subscriber errors are logged and delivery continues; the publisher
		// never observes them.
		PublishRobust(ctx context.Context, event Event)

		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister. Returns an error when sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	//
	// HandleEvent should return an error only when processing fails in a
	// way that should halt a fail-fast publish; transient problems should
	// be handled internally so robust delivery stays quiet.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration on a Bus. Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu sync.RWMutex
		// ordered keeps registration order for deterministic delivery.
		ordered []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus returns an in-memory bus ready for use.
func NewBus() Bus {
	return &bus{}
}

// Publish implements Bus. Subscribers are invoked synchronously in the
// caller's goroutine; the subscriber snapshot is taken before iteration, so
// registrations during a publish do not affect the current delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	for _, sub := range b.snapshot() {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// PublishRobust implements Bus.
func (b *bus) PublishRobust(ctx context.Context, event Event) {
	for _, sub := range b.snapshot() {
		if err := sub.HandleEvent(ctx, event); err != nil {
			log.Errorf(ctx, err, "hook subscriber failed, continuing delivery (kind: %s)", event.Kind())
		}
	}
}

// Register implements Bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.ordered = append(b.ordered, s)
	b.mu.Unlock()
	return s, nil
}

func (b *bus) snapshot() []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]Subscriber, 0, len(b.ordered))
	for _, s := range b.ordered {
		subs = append(subs, s.sub)
	}
	return subs
}

// Close removes the subscriber from the bus. Safe to call multiple times.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, cur := range s.bus.ordered {
			if cur == s {
				s.bus.ordered = append(s.bus.ordered[:i], s.bus.ordered[i+1:]...)
				break
			}
		}
	})
	return nil
}
