package crdtsync

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"opdoc/crdtpatch"
)

var log = logging.Logger("opdoc/crdtsync")

// manager is the default SyncManager: it applies locally-produced
// changes to an OpLog, rebroadcasts them to peers, and folds in
// whatever a Broadcaster delivers from elsewhere. It mirrors the
// teacher's syncManagerImpl structurally (broadcaster + discovery + a
// background receive loop) without its state-vector Syncer; catch-up
// is a full rebroadcast (see SyncWithPeer).
type manager struct {
	oplog       *crdtpatch.OpLog
	broadcaster Broadcaster
	discovery   PeerDiscovery

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewSyncManager wires an OpLog to a transport and peer discovery
// service.
func NewSyncManager(oplog *crdtpatch.OpLog, broadcaster Broadcaster, discovery PeerDiscovery) SyncManager {
	return &manager{oplog: oplog, broadcaster: broadcaster, discovery: discovery}
}

func (m *manager) Log() *crdtpatch.OpLog { return m.oplog }

// Start launches the background loop that applies every change the
// broadcaster delivers.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("sync manager already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	go m.receiveLoop(runCtx)
	return nil
}

func (m *manager) receiveLoop(ctx context.Context) {
	for {
		change, err := m.broadcaster.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("broadcaster receive failed", "err", err)
			continue
		}
		if err := m.oplog.ApplyChange(change); err != nil {
			log.Warnw("failed to apply received change", "actor", change.Actor.String(), "err", err)
		}
	}
}

// Stop ends the background receive loop and closes the transport.
func (m *manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.cancel()
	m.running = false
	return m.broadcaster.Close()
}

// ApplyChange applies a change locally and broadcasts it onward.
func (m *manager) ApplyChange(ctx context.Context, change *crdtpatch.Change) error {
	if err := m.oplog.ApplyChange(change); err != nil {
		return err
	}
	return m.broadcaster.Broadcast(ctx, change)
}

// SyncWithPeer runs the catch-up against one peer: it rebroadcasts
// every locally-held change, relying on the receiving side's log to
// discard what it already has. The message-efficient path is the
// per-peer GenerateSyncMessage/ReceiveSyncMessage exchange (syncer.go),
// which needs a transport with directed delivery — exactly the
// network-transport layer this module treats as an external
// collaborator (§1). This broadcast-everything fallback is what a
// Broadcaster-only transport can support without one.
func (m *manager) SyncWithPeer(ctx context.Context, peerID string) error {
	for _, c := range m.oplog.GetChanges() {
		if err := m.broadcaster.Broadcast(ctx, c); err != nil {
			return errors.Wrapf(err, "syncing with peer %s", peerID)
		}
	}
	return nil
}

// SyncWithAllPeers runs SyncWithPeer against every peer PeerDiscovery
// currently reports.
func (m *manager) SyncWithAllPeers(ctx context.Context) error {
	peers, err := m.discovery.DiscoverPeers(ctx)
	if err != nil {
		return errors.Wrap(err, "discovering peers")
	}
	for _, p := range peers {
		if err := m.SyncWithPeer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
