package crdtsync

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"opdoc/common"
)

// RedisPeerDiscovery tracks which actors are currently replicating one
// document. All presence for a document lives in a single Redis hash,
// keyed "<prefix>:presence:<docID>", one field per actor holding the
// unix time of its last heartbeat. A peer is live while its heartbeat
// is younger than the liveness window; stale fields are evicted lazily
// by whichever reader notices them, so no background reaper is needed
// and a crashed peer disappears after one window. The whole hash
// carries an expiry refreshed on every heartbeat, so the last peer of
// an abandoned document takes its presence record with it.
type RedisPeerDiscovery struct {
	client    *redis.Client
	keyPrefix string
	docID     common.DocID
	self      common.ActorID

	liveness          time.Duration
	heartbeatInterval time.Duration

	cancel  context.CancelFunc
	running bool
}

// NewRedisPeerDiscovery creates presence tracking for self on docID.
// The client is externally owned.
func NewRedisPeerDiscovery(client *redis.Client, keyPrefix string, docID common.DocID, self common.ActorID) *RedisPeerDiscovery {
	return &RedisPeerDiscovery{
		client:            client,
		keyPrefix:         keyPrefix,
		docID:             docID,
		self:              self,
		liveness:          90 * time.Second,
		heartbeatInterval: 30 * time.Second,
	}
}

func (pd *RedisPeerDiscovery) presenceKey() string {
	return pd.keyPrefix + ":presence:" + pd.docID.String()
}

// Start registers self and begins the heartbeat loop that keeps the
// registration young.
func (pd *RedisPeerDiscovery) Start(ctx context.Context) error {
	if pd.running {
		return errors.New("peer discovery is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := pd.RegisterPeer(runCtx, pd.self.String()); err != nil {
		cancel()
		return err
	}
	pd.cancel = cancel
	pd.running = true
	go pd.heartbeat(runCtx)
	return nil
}

// DiscoverPeers returns every live actor on this document other than
// self. Fields whose heartbeat has aged out of the liveness window are
// deleted on the way past.
func (pd *RedisPeerDiscovery) DiscoverPeers(ctx context.Context) ([]string, error) {
	fields, err := pd.client.HGetAll(ctx, pd.presenceKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading presence hash")
	}

	cutoff := time.Now().Add(-pd.liveness).Unix()
	self := pd.self.String()
	peers := make([]string, 0, len(fields))
	var stale []string
	for actor, heartbeat := range fields {
		seen, err := strconv.ParseInt(heartbeat, 10, 64)
		if err != nil || seen < cutoff {
			stale = append(stale, actor)
			continue
		}
		if actor != self {
			peers = append(peers, actor)
		}
	}
	if len(stale) > 0 {
		if err := pd.client.HDel(ctx, pd.presenceKey(), stale...).Err(); err != nil {
			log.Warnw("failed to evict stale peers", "doc", pd.docID.String(), "err", err)
		}
	}
	return peers, nil
}

// RegisterPeer stamps an actor's heartbeat field and refreshes the
// hash's own expiry.
func (pd *RedisPeerDiscovery) RegisterPeer(ctx context.Context, peerID string) error {
	key := pd.presenceKey()
	pipe := pd.client.TxPipeline()
	pipe.HSet(ctx, key, peerID, time.Now().Unix())
	pipe.Expire(ctx, key, 2*pd.liveness)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "registering peer %s", peerID)
	}
	return nil
}

// UnregisterPeer removes an actor's presence field.
func (pd *RedisPeerDiscovery) UnregisterPeer(ctx context.Context, peerID string) error {
	if err := pd.client.HDel(ctx, pd.presenceKey(), peerID).Err(); err != nil {
		return errors.Wrapf(err, "unregistering peer %s", peerID)
	}
	return nil
}

// Close stops the heartbeat loop and withdraws self from the document.
func (pd *RedisPeerDiscovery) Close() error {
	if !pd.running {
		return nil
	}
	pd.cancel()
	pd.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return pd.UnregisterPeer(ctx, pd.self.String())
}

func (pd *RedisPeerDiscovery) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(pd.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pd.RegisterPeer(ctx, pd.self.String()); err != nil {
				log.Warnw("peer heartbeat failed", "doc", pd.docID.String(), "actor", pd.self.String(), "err", err)
			}
		}
	}
}
