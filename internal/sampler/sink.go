package sampler

import (
	"context"
	"sync"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// Sink receives every completed snapshot. Publish is called from the
// sampling goroutine and should not block for long.
type Sink interface {
	Publish(ctx context.Context, snap *model.Snapshot) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, snap *model.Snapshot) error

func (f SinkFunc) Publish(ctx context.Context, snap *model.Snapshot) error { return f(ctx, snap) }

// Channel delivers snapshots on a buffered channel. When the reader falls
// behind, the oldest buffered snapshot is dropped.
type Channel struct {
	mu     sync.Mutex
	ch     chan *model.Snapshot
	closed bool
}

func NewChannel(size int) *Channel {
	if size < 1 {
		size = 1
	}
	return &Channel{ch: make(chan *model.Snapshot, size)}
}

// C is closed when the loop stops.
func (c *Channel) C() <-chan *model.Snapshot { return c.ch }

func (c *Channel) Publish(_ context.Context, snap *model.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for {
		select {
		case c.ch <- snap:
			return nil
		default:
		}
		select {
		case <-c.ch:
		default:
		}
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
