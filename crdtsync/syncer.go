package crdtsync

import (
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"opdoc/common"
	"opdoc/crdtpatch"
)

// SyncState is one replica's accumulated belief about a single peer
// (§4.6): the last frontier both sides are known to share, what the
// peer last advertised, what it asked for, and which changes we have
// already shipped it. One SyncState per peer; the state survives across
// rounds of the exchange and can be discarded and rebuilt at any time
// at the cost of a less efficient next round.
type SyncState struct {
	// SharedHeads is the most recent head-set confirmed present on both
	// sides; it anchors the Bloom filter we send (the peer only needs a
	// summary of what we added since).
	SharedHeads []common.ChangeHash
	// TheirHeads is the causal frontier the peer last advertised.
	TheirHeads []common.ChangeHash
	// TheirNeed holds the change hashes the peer explicitly asked for.
	TheirNeed []common.ChangeHash
	// TheirHave holds the peer's last advertised Bloom summaries.
	TheirHave []HaveEntry
	// SentHashes records changes already shipped to this peer, so a
	// stale Bloom filter never makes us re-send the same change every
	// round.
	SentHashes map[common.ChangeHash]bool

	lastSentHeads   []common.ChangeHash
	receivedMessage bool
}

// NewSyncState creates the blank state both peers start a sync
// conversation from.
func NewSyncState() *SyncState {
	return &SyncState{SentHashes: make(map[common.ChangeHash]bool)}
}

// HaveEntry is one Bloom summary inside a sync message: the head-set
// the summary is anchored at, plus the serialized filter over every
// change hash added since.
type HaveEntry struct {
	LastSync []common.ChangeHash `json:"lastSync"`
	Bloom    []byte              `json:"bloom"`
}

// SyncMessage is one round of the exchange (§4.6): the sender's
// frontier, the hashes it knows it is missing, Bloom summaries of what
// it holds, and any changes it believes the receiver lacks.
type SyncMessage struct {
	Heads   []common.ChangeHash `json:"heads"`
	Need    []common.ChangeHash `json:"need,omitempty"`
	Have    []HaveEntry         `json:"have,omitempty"`
	Changes []*crdtpatch.Change `json:"changes,omitempty"`
}

// GenerateSyncMessage produces the next message to send to the peer
// described by state, or nil when this side has nothing new to say:
// its heads are unchanged since the last send, it needs nothing, and it
// has no changes the peer appears to lack. Both sides returning nil is
// the exchange's termination condition.
func GenerateSyncMessage(l *crdtpatch.OpLog, state *SyncState) (*SyncMessage, error) {
	ourHeads := l.GetHeads()

	var need []common.ChangeHash
	for _, h := range state.TheirHeads {
		if !l.Has(h) {
			need = append(need, h)
		}
	}
	// Deps the pending buffer is stuck on are requested by hash too;
	// this is the fallback that keeps a Bloom false positive from ever
	// stalling convergence (§4.6).
	for _, h := range l.MissingDeps() {
		if !containsHash(need, h) {
			need = append(need, h)
		}
	}

	toSend, err := changesToSend(l, state)
	if err != nil {
		return nil, err
	}

	if len(toSend) == 0 && len(need) == 0 && headsEqual(ourHeads, state.lastSentHeads) && state.lastSentHeads != nil {
		return nil, nil
	}
	// A replica that has never spoken and holds nothing stays quiet
	// until the peer opens the conversation; it has nothing to
	// advertise and nothing to ask for.
	if len(toSend) == 0 && len(need) == 0 && len(ourHeads) == 0 && !state.receivedMessage {
		return nil, nil
	}

	unshared := l.GetChangesSince(state.SharedHeads)
	hashes := make([]common.ChangeHash, 0, len(unshared))
	for _, c := range unshared {
		h, err := c.Hash()
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	bloom, err := buildFilter(hashes)
	if err != nil {
		return nil, err
	}

	for _, c := range toSend {
		h, err := c.Hash()
		if err != nil {
			return nil, err
		}
		state.SentHashes[h] = true
	}
	state.lastSentHeads = ourHeads

	return &SyncMessage{
		Heads:   ourHeads,
		Need:    need,
		Have:    []HaveEntry{{LastSync: state.SharedHeads, Bloom: bloom}},
		Changes: toSend,
	}, nil
}

// changesToSend picks the local changes the peer appears to lack: every
// change not already an ancestor of the peer's advertised heads, not
// reported present by any of its Bloom summaries, and not already
// shipped in an earlier round, plus anything it asked for by hash.
// GetChangesSince returns dependency order, so a receiver applying the
// batch front to back never has to buffer within it.
func changesToSend(l *crdtpatch.OpLog, state *SyncState) ([]*crdtpatch.Change, error) {
	if !state.receivedMessage {
		return nil, nil
	}

	filters := make([]*bloomfilter.Filter, 0, len(state.TheirHave))
	for _, have := range state.TheirHave {
		f, err := decodeFilter(have.Bloom)
		if err != nil {
			return nil, common.ErrDecodeError{Message: "malformed bloom filter in sync message"}
		}
		filters = append(filters, f)
	}

	var out []*crdtpatch.Change
	included := make(map[common.ChangeHash]bool)
	for _, c := range l.GetChangesSince(state.TheirHeads) {
		h, err := c.Hash()
		if err != nil {
			return nil, err
		}
		if state.SentHashes[h] || theyHave(filters, h) {
			continue
		}
		out = append(out, c)
		included[h] = true
	}
	for _, h := range state.TheirNeed {
		if included[h] {
			continue
		}
		if c, ok := l.GetChange(h); ok {
			out = append(out, c)
			included[h] = true
		}
	}
	return out, nil
}

func theyHave(filters []*bloomfilter.Filter, h common.ChangeHash) bool {
	for _, f := range filters {
		if f.Contains(hashOf(h)) {
			return true
		}
	}
	return false
}

// ReceiveSyncMessage folds one incoming message into the local log and
// the per-peer state: changes are applied (buffering any that arrive
// ahead of their deps), and the peer's advertised frontier, requests,
// and Bloom summaries replace the previous round's. Messages are
// idempotent: replaying one re-applies only already-known changes,
// which the log discards.
func ReceiveSyncMessage(l *crdtpatch.OpLog, state *SyncState, msg *SyncMessage) error {
	for _, c := range msg.Changes {
		if err := l.ApplyChange(c); err != nil {
			return err
		}
	}

	state.receivedMessage = true
	state.TheirHeads = msg.Heads
	state.TheirNeed = msg.Need
	state.TheirHave = msg.Have

	allKnown := true
	for _, h := range msg.Heads {
		if !l.Has(h) {
			allKnown = false
			break
		}
	}
	if allKnown {
		state.SharedHeads = msg.Heads
	}
	return nil
}

// headsEqual compares two head-sets for set equality. GetHeads returns
// a sorted slice, so element-wise comparison suffices.
func headsEqual(a, b []common.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsHash(haystack []common.ChangeHash, needle common.ChangeHash) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
