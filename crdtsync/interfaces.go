package crdtsync

import (
	"context"

	"opdoc/crdtpatch"
)

// Broadcaster delivers changes between replicas over some transport
// (in-process, Redis pub/sub, etc). It mirrors the teacher's
// Broadcaster interface (crdtpubsub), generalized from its single
// verbose Patch payload to the spec's hashed Change.
type Broadcaster interface {
	// Broadcast publishes a change to every other subscriber. Some
	// transports (Redis pub/sub) also deliver it back to the sender's
	// own subscription; applying an already-known change is a no-op.
	Broadcast(ctx context.Context, change *crdtpatch.Change) error

	// Next blocks until another broadcast change is received.
	Next(ctx context.Context) (*crdtpatch.Change, error)

	// Close shuts down the broadcaster.
	Close() error
}

// PeerDiscovery locates other replicas to sync with.
type PeerDiscovery interface {
	DiscoverPeers(ctx context.Context) ([]string, error)
	RegisterPeer(ctx context.Context, peerID string) error
	UnregisterPeer(ctx context.Context, peerID string) error
	Close() error
}

// SyncManager ties an OpLog to a Broadcaster and PeerDiscovery,
// applying locally-made changes to the log and broadcasting them, and
// rebroadcasting the whole log when asked to sync with discovered
// peers. The Bloom-filter exchange (§4.6) lives in syncer.go and is not
// driven by a SyncManager.
type SyncManager interface {
	Start(ctx context.Context) error
	Stop() error

	// ApplyChange applies a locally- or remotely-produced change to the
	// managed log and broadcasts it onward.
	ApplyChange(ctx context.Context, change *crdtpatch.Change) error

	// SyncWithPeer rebroadcasts every locally held change for the named
	// peer; the receiver discards the changes it already has.
	SyncWithPeer(ctx context.Context, peerID string) error

	// SyncWithAllPeers runs SyncWithPeer against every peer currently
	// reported by PeerDiscovery.
	SyncWithAllPeers(ctx context.Context) error

	Log() *crdtpatch.OpLog
}
