package crdtstorage

import "time"

// Options configures a Repository. Grounded on the teacher's
// StorageOptions struct, carried over field-for-field in spirit but
// restructured as functional options rather than a bare exported
// struct callers fill in by hand.
type Options struct {
	keyPrefix string

	autoSave         bool
	autoSaveInterval time.Duration

	compactionThreshold int
	lockTimeout         time.Duration

	lockManager DistributedLockManager
}

// Option mutates Options during NewRepository.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		keyPrefix:           "opdoc",
		autoSave:            true,
		autoSaveInterval:    5 * time.Second,
		compactionThreshold: 200,
		lockTimeout:         10 * time.Second,
		lockManager:         NewNoOpDistributedLockManager(),
	}
}

// WithKeyPrefix sets the top-level namespace segment every document
// key is stored under.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) { o.keyPrefix = prefix }
}

// WithAutoSave controls whether Repository.Change persists each
// committed change immediately as an incremental entry (true). When
// disabled, committed changes reach storage only when Compact writes a
// new snapshot. interval is recorded but not used by Repository.
func WithAutoSave(enabled bool, interval time.Duration) Option {
	return func(o *Options) {
		o.autoSave = enabled
		o.autoSaveInterval = interval
	}
}

// WithCompactionThreshold sets how many incremental changes a document
// accumulates before Repository folds them into a fresh snapshot.
func WithCompactionThreshold(n int) Option {
	return func(o *Options) { o.compactionThreshold = n }
}

// WithDistributedLock installs the lock manager compaction serializes
// through. Defaults to a no-op manager suitable for a single process.
func WithDistributedLock(mgr DistributedLockManager, timeout time.Duration) Option {
	return func(o *Options) {
		o.lockManager = mgr
		o.lockTimeout = timeout
	}
}
