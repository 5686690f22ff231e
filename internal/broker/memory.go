package broker

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryHub is an in-process stand-in for the shared broker. Each call to
// NewBroker models one server process attached to it.
type MemoryHub struct {
	mu   sync.Mutex
	subs map[string]map[*MemoryBroker]struct{}
	kv   map[string]kvEntry
	now  func() time.Time
}

type kvEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[string]map[*MemoryBroker]struct{}),
		kv:   make(map[string]kvEntry),
		now:  time.Now,
	}
}

func (h *MemoryHub) NewBroker() *MemoryBroker {
	return &MemoryBroker{hub: h, notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (h *MemoryHub) publish(channel string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for b := range h.subs[channel] {
		b.enqueue(memMessage{channel: channel, payload: append([]byte(nil), payload...)})
	}
}

func (h *MemoryHub) get(key string) (kvEntry, bool) {
	e, ok := h.kv[key]
	if !ok {
		return kvEntry{}, false
	}
	if !e.expiresAt.IsZero() && h.now().After(e.expiresAt) {
		delete(h.kv, key)
		return kvEntry{}, false
	}
	return e, true
}

func (h *MemoryHub) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return h.now().Add(ttl)
}

type memMessage struct {
	channel string
	payload []byte
}

type MemoryBroker struct {
	hub *MemoryHub

	mu     sync.Mutex
	queue  []memMessage
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func (b *MemoryBroker) enqueue(m memMessage) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, m)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	b.hub.publish(channel, payload)
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) error {
	if b.isClosed() {
		return ErrClosed
	}
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.hub.subs[channel] == nil {
		b.hub.subs[channel] = make(map[*MemoryBroker]struct{})
	}
	b.hub.subs[channel][b] = struct{}{}
	return nil
}

func (b *MemoryBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if set := b.hub.subs[channel]; set != nil {
		delete(set, b)
		if len(set) == 0 {
			delete(b.hub.subs, channel)
		}
	}
	return nil
}

func (b *MemoryBroker) Run(ctx context.Context, h Handler) error {
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()
		for _, m := range batch {
			h(m.channel, m.payload)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		case <-b.notify:
		}
	}
}

func (b *MemoryBroker) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	var n int64
	if e, ok := b.hub.get(key); ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	b.hub.kv[key] = kvEntry{value: strconv.FormatInt(n, 10), expiresAt: b.hub.expiry(ttl)}
	return n, nil
}

func (b *MemoryBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.hub.kv[key] = kvEntry{value: value, expiresAt: b.hub.expiry(ttl)}
	return nil
}

func (b *MemoryBroker) Get(ctx context.Context, key string) (string, bool, error) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	e, ok := b.hub.get(key)
	return e.value, ok, nil
}

// Close detaches the broker from every channel.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	close(b.done)
	b.mu.Unlock()

	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	for ch, set := range b.hub.subs {
		delete(set, b)
		if len(set) == 0 {
			delete(b.hub.subs, ch)
		}
	}
	return nil
}

func (b *MemoryBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
