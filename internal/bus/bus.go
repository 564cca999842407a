// Package bus abstracts the pub/sub transport the pipeline rides on. The
// production implementation is Redis pub/sub; an in-memory stub backs tests.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Bus is the minimal pub/sub surface the engine needs. Subscribe returns a
// channel of raw payloads that closes when the context is cancelled or the
// bus shuts down.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Ping(ctx context.Context) error
	Close() error
}
