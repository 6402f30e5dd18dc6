package bridge

import (
	"context"
	"sync"
)

// Bus is a publish/subscribe transport for raw event messages. Buses
// deliver at-most-once; a subscriber that falls behind loses messages.
type Bus interface {
	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe delivers messages published on channel until ctx ends,
	// then closes the returned channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// MemoryBus connects publishers and subscribers inside one process.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[chan []byte]struct{}
	buffer int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan []byte]struct{}), buffer: 256}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := append([]byte(nil), message...)
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
