package bus

import (
	"context"
	"sync"
)

// StubBus is an in-process bus for tests and local development. Delivery is
// per-subscriber buffered; a full subscriber silently drops, matching the
// fire-and-forget semantics of Redis pub/sub.
type StubBus struct {
	mu     sync.Mutex
	closed bool
	subs   map[string][]chan []byte
}

// NewStub creates an empty in-memory bus.
func NewStub() *StubBus {
	return &StubBus{subs: make(map[string][]chan []byte)}
}

func (b *StubBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs[topic] {
		p := make([]byte, len(payload))
		copy(p, payload)
		select {
		case ch <- p:
		default:
		}
	}
	return nil
}

func (b *StubBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan []byte, 256)
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *StubBus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *StubBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan []byte)
	return nil
}
