// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package corenode

import (
	"context"
	"time"
)

// Tree is the persistent resource tree described in spec.md §4.1.
// memtree.Tree and pgtree.Tree both implement this; application code
// should depend on the interface, the way teacher code depends on
// coordinate.Coordinate rather than memory.memCoordinate directly.
type Tree interface {
	// Mount creates a node record.  ok is true (with a nil error)
	// both when the record was freshly created and when an
	// identical key already existed (idempotent per spec.md §8).
	Mount(nodeKey, templateName string, mountParams map[string]interface{}) (ok bool, err error)

	// Proxy creates a proxy record whose access_info points at a
	// node hosted on a remote peer.
	Proxy(nodeKey, templateName, baseURL, remoteNodeKey string) (ok bool, err error)

	// Unmount deletes nodeKey and its subtree.  Fails with
	// ErrNodeLocked if any node in the subtree is currently
	// locked.
	Unmount(nodeKey string) (ok bool, err error)

	// Has reports whether a record exists for nodeKey.
	Has(nodeKey string) (bool, error)

	// GetInfo returns the record plus a paged view of its direct
	// children, sorted case-insensitively by last path segment.
	// childStart/childEnd of -1 means "no paging": return all
	// children.
	GetInfo(nodeKey string, childStart, childEnd int) (*NodeInfo, error)

	// LoadRecord returns a single record, or nil if absent.  If
	// cascade is true, direct children are attached sorted by
	// last segment.
	LoadRecord(nodeKey string, cascade bool) (*NodeRecord, []NodeRecord, error)
}

// LockTable is the durable reader-writer lock table described in
// spec.md §4.2.  Two acquisition entry points exist per spec.md §5:
// Acquire blocks the calling goroutine between retries; AcquireContext
// suspends cooperatively, honoring ctx cancellation. The restserver
// handlers call the blocking Acquire, not AcquireContext. Both share
// identical state and invariants.
type LockTable interface {
	// Acquire blocks (sleeping retryInterval between attempts)
	// until a lock is granted or timeout elapses. timeout == 0
	// means unbounded.
	Acquire(nodeKey string, lockType LockType, level AccessLevel, timeout, retryInterval time.Duration) (lockID string, err error)

	// AcquireContext is the cooperative-suspension twin of
	// Acquire, returning early if ctx is canceled.
	AcquireContext(ctx context.Context, nodeKey string, lockType LockType, level AccessLevel, timeout, retryInterval time.Duration) (lockID string, err error)

	// Release is idempotent; releasing an already-released or
	// unknown lock_id is not an error, it is merely logged.
	Release(lockID string) error

	IsNodeLocked(nodeKey string) (bool, error)
	HasLock(lockID string) (bool, error)
	GetInfo(lockID string) (*LockRecord, error)
	RemoveLock(lockID string) error
	UnlockNodes(nodeKeys []string) error

	// ClearAll wipes every lock; used at startup when configured.
	ClearAll() error

	// ReleaseAllProcessServers sends an RPC shutdown to every
	// recorded access_level='p' lock's CRM server address.  Used
	// during graceful daemon shutdown; errors are logged, not
	// returned, because a stuck child should not block the rest
	// of teardown.
	ReleaseAllProcessServers(shutdown func(serverAddress string) error)
}
