package queue

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/meterledger/internal/cache"
	"github.com/smallbiznis/meterledger/internal/clock"
)

// MemoryBackend keeps lanes in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	lanes  map[string][]Message
	active map[string]bool
	ready  []string
	dead   []DeadLetter
	seen   cache.Cache[string, struct{}]
	clock  clock.Clock
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func NewMemoryBackend(c clock.Clock) *MemoryBackend {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &MemoryBackend{
		lanes:  make(map[string][]Message),
		active: make(map[string]bool),
		seen:   cache.NewTTLCache[string, struct{}](c),
		clock:  c,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Push(ctx context.Context, msg Message, window time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}
	if _, dup := b.seen.Get(msg.DedupKey); dup {
		return false, nil
	}
	b.seen.Set(msg.DedupKey, struct{}{}, window)

	key := msg.OrderingKey
	idle := len(b.lanes[key]) == 0 && !b.active[key]
	b.lanes[key] = append(b.lanes[key], msg)
	if idle {
		b.ready = append(b.ready, key)
		b.signal()
	}
	return true, nil
}

func (b *MemoryBackend) Claim(ctx context.Context) (Message, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Message{}, ErrClosed
		}
		if len(b.ready) > 0 {
			key := b.ready[0]
			b.ready = b.ready[1:]
			b.active[key] = true
			msg := b.lanes[key][0]
			if len(b.ready) > 0 {
				b.signal()
			}
			b.mu.Unlock()
			return msg, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-b.done:
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Extend is a no-op: memory lanes never expire.
func (b *MemoryBackend) Extend(ctx context.Context, msg Message) error { return nil }

func (b *MemoryBackend) Ack(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := msg.OrderingKey
	lane := b.lanes[key]
	if len(lane) > 0 && lane[0].ID == msg.ID {
		lane = lane[1:]
	}
	if len(lane) == 0 {
		delete(b.lanes, key)
	} else {
		b.lanes[key] = lane
	}
	b.releaseLocked(key)
	return nil
}

func (b *MemoryBackend) Release(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(msg.OrderingKey)
	return nil
}

func (b *MemoryBackend) releaseLocked(key string) {
	delete(b.active, key)
	if len(b.lanes[key]) > 0 {
		b.ready = append(b.ready, key)
		b.signal()
	}
}

func (b *MemoryBackend) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBackend) DeadLetter(ctx context.Context, dl DeadLetter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, dl)
	return nil
}

func (b *MemoryBackend) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, b.dead[:n])
	return out, nil
}

// Len counts the messages waiting in every lane, including claimed heads.
func (b *MemoryBackend) Len(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, lane := range b.lanes {
		total += len(lane)
	}
	return total, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
