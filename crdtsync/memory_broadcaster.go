package crdtsync

import (
	"context"
	"sync"

	"opdoc/crdtpatch"
)

// MemoryBroadcaster is an in-process fan-out Broadcaster used in tests
// and single-binary deployments where every replica lives in the same
// process. It mirrors the shape of the Redis-backed broadcasters
// (publish to every subscriber, block on a channel for delivery) without
// a real transport underneath.
type MemoryBroadcaster struct {
	mu   sync.Mutex
	subs map[*MemoryBroadcaster]chan *crdtpatch.Change

	self chan *crdtpatch.Change
	hub  *memoryHub
}

// memoryHub is the shared registry a set of MemoryBroadcasters publish
// into and subscribe from.
type memoryHub struct {
	mu   sync.Mutex
	subs map[*MemoryBroadcaster]chan *crdtpatch.Change
}

func newMemoryHub() *memoryHub {
	return &memoryHub{subs: make(map[*MemoryBroadcaster]chan *crdtpatch.Change)}
}

// NewMemoryHub creates a fresh broadcast domain. Every broadcaster
// produced by NewPeer on the same hub receives every other peer's
// broadcasts, and never its own.
func NewMemoryHub() *memoryHub {
	return newMemoryHub()
}

// NewPeer registers a new broadcaster endpoint on this hub.
func (h *memoryHub) NewPeer() *MemoryBroadcaster {
	ch := make(chan *crdtpatch.Change, 64)
	b := &MemoryBroadcaster{self: ch, hub: h}
	h.mu.Lock()
	h.subs[b] = ch
	h.mu.Unlock()
	return b
}

// Broadcast delivers change to every other peer registered on the hub.
func (b *MemoryBroadcaster) Broadcast(ctx context.Context, change *crdtpatch.Change) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	for peer, ch := range b.hub.subs {
		if peer == b {
			continue
		}
		select {
		case ch <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Next blocks until another peer broadcasts a change, or ctx is done.
func (b *MemoryBroadcaster) Next(ctx context.Context) (*crdtpatch.Change, error) {
	select {
	case c := <-b.self:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close removes this peer from the hub.
func (b *MemoryBroadcaster) Close() error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	delete(b.hub.subs, b)
	return nil
}
