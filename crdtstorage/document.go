package crdtstorage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"opdoc/common"
	"opdoc/crdtedit"
	"opdoc/crdtpatch"
)

var log = logging.Logger("opdoc/crdtstorage")

// Lifecycle is a Document's load state (§6.7): a document starts
// Unloaded, moves to Loading while its snapshot and incremental
// changes are being fetched from Storage, and becomes Ready once its
// OpLog reflects everything persisted for it.
type Lifecycle int

const (
	Unloaded Lifecycle = iota
	Loading
	Ready
)

func (s Lifecycle) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// ChangeFunc is the body of a Document.Change call: a function that
// edits the document through a Transaction and returns an error to
// abort and roll back.
type ChangeFunc func(tx *crdtedit.Transaction) error

// Document is a single collaborative document: an OpLog (the
// materialised CRDT state plus its causal change index) paired with
// persistence bookkeeping. Grounded on the teacher's Document type
// (crdtstorage/document.go in the original): a struct owning CRDT
// state, a mutex, and a lifecycle/versioning story, here narrowed to
// this module's actual OpLog/Transaction API instead of the teacher's
// generic session-clock CRDT document.
type Document struct {
	mu sync.Mutex

	id    common.DocID
	actor common.ActorID

	log   *crdtpatch.OpLog
	state Lifecycle

	activeTx bool

	lastChangeHash common.ChangeHash
	lastSavedAt    time.Time
	changesSince   int // incremental changes persisted since the last snapshot
}

// NewDocument creates a fresh, empty, Ready document owned by actor.
func NewDocument(id common.DocID, actor common.ActorID) *Document {
	return &Document{
		id:    id,
		actor: actor,
		log:   crdtpatch.NewOpLog(),
		state: Ready,
	}
}

// ID returns the document's identifier.
func (d *Document) ID() common.DocID { return d.id }

// State returns the document's current lifecycle state.
func (d *Document) State() Lifecycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// OpLog exposes the underlying log, mainly for Repository's
// persistence and compaction logic.
func (d *Document) OpLog() *crdtpatch.OpLog { return d.log }

// Change opens a transaction against the live document, runs fn, and
// on success commits and records the resulting Change. fn's edits are
// visible to later reads within fn but discarded entirely if fn
// returns an error, matching the teacher's Document.Edit optimistic
// pattern (crdtedit.Transaction.Rollback does the restoring).
func (d *Document) Change(ctx context.Context, message string, fn ChangeFunc) (*crdtpatch.Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Ready {
		return nil, errors.Errorf("document %s is not ready (state=%s)", d.id, d.state)
	}

	doc := d.log.Document()
	startOp := d.log.NextOpCounter(d.actor)
	seq := d.log.NextSeq(d.actor)
	deps := d.log.GetHeads()

	tx, err := crdtedit.Begin(doc, d.actor, startOp, seq, &d.activeTx)
	if err != nil {
		return nil, err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		d.activeTx = false
		return nil, err
	}

	change := tx.Commit(time.Now().UnixMilli(), message, deps)
	d.activeTx = false
	if change == nil {
		return nil, nil
	}

	hash, err := d.log.RecordLocalChange(change)
	if err != nil {
		return nil, errors.Wrap(err, "recording committed change")
	}
	d.lastChangeHash = hash
	d.changesSince++
	return change, nil
}

// Merge folds every change from other's log into this document's that
// it hasn't already seen, the local side of a sync exchange (§4.6).
func (d *Document) Merge(other *crdtpatch.OpLog) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.log.Merge(other)
}

// URL renders the document's repository-facing address, §6.7's
// "automerge:<base58 document id>[/path]" scheme. The 16 id bytes are
// base58-encoded on the wire; an empty path addresses the whole
// document.
func (d *Document) URL(path ...string) string {
	encoded := base58.Encode(d.id[:])
	if len(path) == 0 {
		return fmt.Sprintf("automerge:%s", encoded)
	}
	return fmt.Sprintf("automerge:%s/%s", encoded, strings.Join(path, "/"))
}

// ParseDocumentURL extracts the DocID and path segments from a
// "automerge:<base58 docid>[/path]" URL.
func ParseDocumentURL(url string) (common.DocID, []string, error) {
	const scheme = "automerge:"
	if !strings.HasPrefix(url, scheme) {
		return common.DocID{}, nil, errors.Errorf("not an automerge URL: %q", url)
	}
	rest := strings.TrimPrefix(url, scheme)
	parts := strings.SplitN(rest, "/", 2)
	id, err := parseDocID(parts[0])
	if err != nil {
		return common.DocID{}, nil, err
	}
	if len(parts) == 1 || parts[1] == "" {
		return id, nil, nil
	}
	return id, strings.Split(parts[1], "/"), nil
}

func parseDocID(s string) (common.DocID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return common.DocID{}, errors.Wrapf(err, "invalid document id %q", s)
	}
	if len(raw) != 16 {
		return common.DocID{}, errors.Errorf("document id %q decodes to %d bytes, want 16", s, len(raw))
	}
	var id common.DocID
	copy(id[:], raw)
	return id, nil
}
