package crdtsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opdoc/common"
	"opdoc/crdt"
	"opdoc/crdtpatch"
)

type noopDiscovery struct{}

func (noopDiscovery) DiscoverPeers(ctx context.Context) ([]string, error)     { return nil, nil }
func (noopDiscovery) RegisterPeer(ctx context.Context, peerID string) error   { return nil }
func (noopDiscovery) UnregisterPeer(ctx context.Context, peerID string) error { return nil }
func (noopDiscovery) Close() error                                           { return nil }

func TestSyncManagerAppliesBroadcastChanges(t *testing.T) {
	hub := NewMemoryHub()

	log1 := crdtpatch.NewOpLog()
	log2 := crdtpatch.NewOpLog()

	m1 := NewSyncManager(log1, hub.NewPeer(), noopDiscovery{})
	m2 := NewSyncManager(log2, hub.NewPeer(), noopDiscovery{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m1.Start(ctx))
	require.NoError(t, m2.Start(ctx))
	defer m1.Stop()
	defer m2.Stop()

	actor := common.NewActorID()
	c := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "v"})
	require.NoError(t, m1.ApplyChange(ctx, c))

	require.Eventually(t, func() bool {
		view, ok := log2.Document().View().(map[string]interface{})
		return ok && view["k"] == "v"
	}, time.Second, 10*time.Millisecond)
}

func TestSyncManagerStartTwiceFails(t *testing.T) {
	hub := NewMemoryHub()
	m := NewSyncManager(crdtpatch.NewOpLog(), hub.NewPeer(), noopDiscovery{})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	assert.Error(t, m.Start(ctx))
}
