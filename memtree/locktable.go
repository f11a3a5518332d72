// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package memtree provides an in-process, in-memory implementation of
// corenode.Tree and corenode.LockTable. There is no persistence and
// no cross-process sharing; Tree and LockTable each guard their state
// with their own mutex, much as memory/coordinate.go's
// globalLock/globalUnlock pair guards the teacher's in-memory
// Coordinate. It is adequate for single-process deployments and tests
// of higher-level components.
package memtree

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
)

// LockTable is the in-memory reader-writer lock table described in
// spec.md §4.2.
type LockTable struct {
	mu      sync.Mutex
	byNode  map[string][]*corenode.LockRecord
	byID    map[string]*corenode.LockRecord
	clock   clock.Clock
	log     *logrus.Logger
	pid     int
}

// NewLockTable returns an empty lock table using the real wall clock.
func NewLockTable(log *logrus.Logger) *LockTable {
	return NewLockTableWithClock(clock.New(), log)
}

// NewLockTableWithClock is the test entry point: it allows injecting
// a mock time source, mirroring memory.NewWithClock in the teacher.
func NewLockTableWithClock(clk clock.Clock, log *logrus.Logger) *LockTable {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LockTable{
		byNode: make(map[string][]*corenode.LockRecord),
		byID:   make(map[string]*corenode.LockRecord),
		clock:  clk,
		log:    log,
		pid:    os.Getpid(),
	}
}

// canGrant reports whether a new lock of lockType can be added to
// nodeKey's current holder set, per spec.md §3's invariants: a write
// lock is exclusive; any number of read locks may coexist as long as
// no writer holds the key.
func (t *LockTable) canGrant(nodeKey string, lockType corenode.LockType) bool {
	holders := t.byNode[nodeKey]
	if len(holders) == 0 {
		return true
	}
	if lockType == corenode.WriteLock {
		return false
	}
	// Requesting a read lock: fine unless the sole/any holder is a writer.
	for _, h := range holders {
		if h.LockType == corenode.WriteLock {
			return false
		}
	}
	return true
}

func (t *LockTable) grant(nodeKey string, lockType corenode.LockType, level corenode.AccessLevel) *corenode.LockRecord {
	rec := &corenode.LockRecord{
		LockID:      fmt.Sprintf("%d-%s", t.pid, uuid.New().String()),
		NodeKey:     nodeKey,
		LockType:    lockType,
		AccessLevel: level,
		CreatedAt:   t.clock.Now(),
	}
	t.byNode[nodeKey] = append(t.byNode[nodeKey], rec)
	t.byID[rec.LockID] = rec
	return rec
}

// Acquire blocks the calling goroutine, sleeping retryInterval between
// attempts, until a lock is granted or timeout elapses (timeout == 0
// means unbounded). This is the "blocking thread pool" variant from
// spec.md §5.
func (t *LockTable) Acquire(nodeKey string, lockType corenode.LockType, level corenode.AccessLevel, timeout, retryInterval time.Duration) (string, error) {
	deadline, hasDeadline := t.deadline(timeout)
	for {
		t.mu.Lock()
		if t.canGrant(nodeKey, lockType) {
			rec := t.grant(nodeKey, lockType, level)
			t.mu.Unlock()
			return rec.LockID, nil
		}
		t.mu.Unlock()

		if hasDeadline && t.clock.Now().After(deadline) {
			return "", corenode.ErrTimeout{NodeKey: nodeKey, Op: "lock acquisition"}
		}
		t.clock.Sleep(retryInterval)
	}
}

// AcquireContext is the cooperative-suspension twin of Acquire: it
// uses a timer instead of sleeping the goroutine outright, and
// returns early if ctx is canceled. Both variants share the same
// canGrant/grant core, per spec.md §9's "unify the algorithm in a
// single state machine" guidance.
func (t *LockTable) AcquireContext(ctx context.Context, nodeKey string, lockType corenode.LockType, level corenode.AccessLevel, timeout, retryInterval time.Duration) (string, error) {
	deadline, hasDeadline := t.deadline(timeout)
	for {
		t.mu.Lock()
		if t.canGrant(nodeKey, lockType) {
			rec := t.grant(nodeKey, lockType, level)
			t.mu.Unlock()
			return rec.LockID, nil
		}
		t.mu.Unlock()

		if hasDeadline && t.clock.Now().After(deadline) {
			return "", corenode.ErrTimeout{NodeKey: nodeKey, Op: "lock acquisition"}
		}

		timer := t.clock.Timer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *LockTable) deadline(timeout time.Duration) (time.Time, bool) {
	if timeout <= 0 {
		return time.Time{}, false
	}
	return t.clock.Now().Add(timeout), true
}

// Release is idempotent: releasing an unknown or already-released
// lock_id logs and returns nil, per spec.md §4.2.
func (t *LockTable) Release(lockID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, present := t.byID[lockID]
	if !present {
		t.log.WithField("lock_id", lockID).Warn("release of unknown lock_id ignored")
		return nil
	}
	delete(t.byID, lockID)
	holders := t.byNode[rec.NodeKey]
	for i, h := range holders {
		if h.LockID == lockID {
			t.byNode[rec.NodeKey] = append(holders[:i], holders[i+1:]...)
			break
		}
	}
	if len(t.byNode[rec.NodeKey]) == 0 {
		delete(t.byNode, rec.NodeKey)
	}
	return nil
}

func (t *LockTable) IsNodeLocked(nodeKey string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byNode[nodeKey]) > 0, nil
}

func (t *LockTable) HasLock(lockID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, present := t.byID[lockID]
	return present, nil
}

func (t *LockTable) GetInfo(lockID string) (*corenode.LockRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, present := t.byID[lockID]
	if !present {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (t *LockTable) RemoveLock(lockID string) error {
	return t.Release(lockID)
}

func (t *LockTable) UnlockNodes(nodeKeys []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range nodeKeys {
		for _, h := range t.byNode[key] {
			delete(t.byID, h.LockID)
		}
		delete(t.byNode, key)
	}
	return nil
}

func (t *LockTable) ClearAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byNode = make(map[string][]*corenode.LockRecord)
	t.byID = make(map[string]*corenode.LockRecord)
	return nil
}

// ReleaseAllProcessServers drains every access_level='p' lock by
// computing its CRM server address and invoking shutdown on it,
// exactly matching spec.md §4.2's graceful-shutdown drain. Errors are
// logged, not returned, so one stuck child cannot block the rest of
// teardown.
func (t *LockTable) ReleaseAllProcessServers(shutdown func(serverAddress string) error) {
	t.mu.Lock()
	var processLocks []*corenode.LockRecord
	for _, rec := range t.byID {
		if rec.AccessLevel == corenode.LevelProcess {
			processLocks = append(processLocks, rec)
		}
	}
	t.mu.Unlock()

	for _, rec := range processLocks {
		addr := fmt.Sprintf("memory://%s_%s", corenode.FlatKey(rec.NodeKey), rec.LockID)
		if err := shutdown(addr); err != nil {
			t.log.WithFields(logrus.Fields{"node_key": rec.NodeKey, "lock_id": rec.LockID}).
				WithError(err).Error("failed to shut down process-level CRM server")
		}
	}
}
