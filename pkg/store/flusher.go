package store

import (
	"context"

	"appendkv/pkg/listener"
	"appendkv/pkg/memtable"
)

// flusher is the single-threaded FIFO flush executor. One frozen table
// is in flight at a time; the engine's freeze path blocks until the
// frozen slot is consumed, so the channel never holds more than one.
type flusher struct {
	in chan *memtable.Memtable
	l  *listener.Listener[*memtable.Memtable]
}

func newFlusher(handle func(*memtable.Memtable) error) *flusher {
	in := make(chan *memtable.Memtable, 1)
	return &flusher{
		in: in,
		l:  listener.New(in, handle),
	}
}

func (f *flusher) start(ctx context.Context) {
	f.l.Start(ctx)
}

func (f *flusher) submit(mt *memtable.Memtable) {
	f.in <- mt
}

func (f *flusher) stop() {
	f.l.Stop()
}
