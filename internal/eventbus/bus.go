package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

// Bus fans values out to subscribers with last-value-wins semantics. Each
// subscriber channel holds at most one pending value; a slow reader only
// ever sees the newest one.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	latest T
	has    bool
	log    pslog.Logger
}

// New constructs a Bus.
func New[T any](logger pslog.Logger) *Bus[T] {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus[T]{
		subs: make(map[chan T]struct{}),
		log:  logger,
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel func.
// The channel is seeded with the latest value when one exists.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan T, 1)
	b.mu.Lock()
	if b.has {
		ch <- b.latest
	}
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "subs", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			remaining := len(b.subs)
			b.mu.Unlock()
			close(ch)
			b.log.Debug("eventbus unsubscribe", "subs", remaining)
		})
	}
}

// Publish records value as the latest and offers it to every subscriber
// without blocking.
func (b *Bus[T]) Publish(value T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = value
	b.has = true
	replaced := 0
	for sub := range b.subs {
		select {
		case <-sub:
			replaced++
		default:
		}
		sub <- value
	}
	if replaced > 0 {
		b.log.Trace("eventbus replaced stale value", "count", replaced)
	}
}

// Latest returns the most recently published value.
func (b *Bus[T]) Latest() (T, bool) {
	if b == nil {
		var zero T
		return zero, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.has
}

// Subscribers returns the current subscriber count.
func (b *Bus[T]) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
