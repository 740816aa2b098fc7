package framebuf

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Take once the buffer is closed and empty.
var ErrClosed = errors.New("frame buffer closed")

// Buffer is a single-slot mailbox between one producer (the simulation loop)
// and a consumer (the media sender). Publishing overwrites any unconsumed
// frame so the consumer always sees the latest one.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *Frame
	seq    uint64
	closed bool

	published uint64
	taken     uint64
	dropped   uint64
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	Published uint64 `json:"published"`
	Taken     uint64 `json:"taken"`
	Dropped   uint64 `json:"dropped"`
}

func New() *Buffer {
	b := &Buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish stores f as the latest frame and never blocks. The buffer assigns
// f.Seq. Publishing after Close is a no-op.
func (b *Buffer) Publish(f *Frame) {
	if f == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.frame != nil {
		b.dropped++
	}
	b.seq++
	f.Seq = b.seq
	b.frame = f
	b.published++
	b.cond.Signal()
}

// Take blocks until a frame is available, then returns it and clears the
// slot. It returns ctx.Err() if ctx ends first and ErrClosed once the buffer
// is closed with nothing left to deliver.
func (b *Buffer) Take(ctx context.Context) (*Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.frame == nil && !b.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.cond.Wait()
	}
	if b.frame == nil {
		return nil, ErrClosed
	}
	return b.takeLocked(), nil
}

// TryTake returns the pending frame without blocking, or nil.
func (b *Buffer) TryTake() *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frame == nil {
		return nil
	}
	return b.takeLocked()
}

func (b *Buffer) takeLocked() *Frame {
	f := b.frame
	b.frame = nil
	b.taken++
	return f
}

// Close wakes every waiter. A frame still in the slot remains takeable.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Published: b.published, Taken: b.taken, Dropped: b.dropped}
}
