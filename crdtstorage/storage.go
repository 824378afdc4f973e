// Package crdtstorage implements the two external contracts spec.md §6
// declares out of scope for the core engine but still names precisely
// enough to implement and exercise: the storage adapter contract (a
// content-addressed byte store keyed by path segments) and the
// repository-layer contract (Create/Find/Change against a document
// identified by an "automerge:<docid>[/path]" URL).
//
// Grounded on the teacher's crdtstorage package: a Storage interface
// with swappable backends (memory, file, S3, Redis, MongoDB, SQL)
// behind a single contract, a distributed lock for coordinating
// writers, and a
// Document wrapper that owns one crdtpatch.OpLog. The teacher's version
// persisted whole serialized Document blobs keyed by document ID with a
// generic multi-field Key/Query abstraction; this module narrows that
// down to the spec's actual contract: opaque byte values under
// "/"-joined string-segment keys, with no secondary indexing, because
// nothing in spec.md calls for querying documents by content.
package crdtstorage

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Key is a storage path: a sequence of non-empty segments joined by
// "/" when mapped onto a backend that only understands flat strings
// (file paths, Redis keys, SQL rows). Segments themselves never
// contain "/", so the mapping is unambiguous in both directions.
type Key []string

// String renders the key as its "/"-joined path form.
func (k Key) String() string {
	return strings.Join(k, "/")
}

// ParseKey splits a "/"-joined path back into segments.
func ParseKey(path string) Key {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Splay returns the key with its first segment expanded into two
// nested two-character directories, e.g. "abcd1234" becomes
// "ab/cd/abcd1234", the remainder of the key unchanged. §6 requires
// this to avoid directory blow-up when every document or change hash
// becomes its own top-level entry.
func (k Key) Splay() Key {
	if len(k) == 0 || len(k[0]) < 4 {
		return k
	}
	head := k[0]
	out := make(Key, 0, len(k)+2)
	out = append(out, head[0:2], head[2:4], head)
	out = append(out, k[1:]...)
	return out
}

// KV is one entry returned by LoadRange.
type KV struct {
	Key   Key
	Value []byte
}

// Storage is the adapter contract external backends implement. No
// ordering or atomicity across keys is required beyond single-key
// overwrite atomicity (§6); callers that need cross-key consistency
// (e.g. compaction) serialize themselves via a DistributedLock.
type Storage interface {
	// Load returns the value at key, or (nil, false) if absent.
	Load(ctx context.Context, key Key) ([]byte, bool, error)

	// LoadRange returns every entry whose key has the given prefix.
	LoadRange(ctx context.Context, prefix Key) ([]KV, error)

	// Put writes key, overwriting any existing value.
	Put(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// Close releases any resources the backend holds (connections,
	// file handles). Adapters over externally-owned clients (a
	// *redis.Client the caller also uses elsewhere) make this a no-op.
	Close() error
}

// ErrClosed is returned by an adapter method called after Close.
var ErrClosed = errors.New("storage adapter is closed")
