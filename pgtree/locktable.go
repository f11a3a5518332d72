// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package pgtree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
)

// LockTable is the PostgreSQL-backed corenode.LockTable. Unlike
// memtree's in-memory mutex, the grant invariant here is enforced by
// a "reserved-writer transaction": each attempt opens a transaction,
// takes SELECT ... FOR UPDATE on the node's existing lock rows (so
// concurrent attempts from other processes serialize instead of
// racing), checks the invariant, and either inserts a new row or
// rolls back and retries -- the same pairing the teacher's
// postgres.Worker code uses for its active-attempt compare-and-set.
type LockTable struct {
	db  *DB
	pid int
	log *logrus.Logger
}

// NewLockTable returns a LockTable backed by db.
func NewLockTable(db *DB, log *logrus.Logger) *LockTable {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LockTable{db: db, pid: processID(), log: log}
}

func (t *LockTable) Acquire(nodeKey string, lockType corenode.LockType, level corenode.AccessLevel, timeout, retryInterval time.Duration) (string, error) {
	deadline, hasDeadline := computeDeadline(t.db.clock, timeout)
	for {
		lockID, granted, err := t.tryGrant(nodeKey, lockType, level)
		if err != nil {
			return "", err
		}
		if granted {
			return lockID, nil
		}
		if hasDeadline && t.db.clock.Now().After(deadline) {
			return "", corenode.ErrTimeout{NodeKey: nodeKey, Op: "lock acquisition"}
		}
		t.db.clock.Sleep(retryInterval)
	}
}

func (t *LockTable) AcquireContext(ctx context.Context, nodeKey string, lockType corenode.LockType, level corenode.AccessLevel, timeout, retryInterval time.Duration) (string, error) {
	deadline, hasDeadline := computeDeadline(t.db.clock, timeout)
	for {
		lockID, granted, err := t.tryGrant(nodeKey, lockType, level)
		if err != nil {
			return "", err
		}
		if granted {
			return lockID, nil
		}
		if hasDeadline && t.db.clock.Now().After(deadline) {
			return "", corenode.ErrTimeout{NodeKey: nodeKey, Op: "lock acquisition"}
		}

		timer := t.db.clock.Timer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func computeDeadline(clk interface{ Now() time.Time }, timeout time.Duration) (time.Time, bool) {
	if timeout <= 0 {
		return time.Time{}, false
	}
	return clk.Now().Add(timeout), true
}

// tryGrant attempts a single grant under one transaction. granted is
// false (with a nil error) when the invariant currently forbids the
// lock and the caller should back off and retry. A serialization
// failure (SQLSTATE 40001) is reported the same way, so the caller
// retries it instead of failing.
func (t *LockTable) tryGrant(nodeKey string, lockType corenode.LockType, level corenode.AccessLevel) (lockID string, granted bool, err error) {
	defer func() {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "40001" {
			lockID, granted, err = "", false, nil
		}
	}()

	tx, err := t.db.sql.Begin()
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT lock_type FROM locks WHERE node_key = $1 FOR UPDATE`, nodeKey)
	if err != nil {
		return "", false, err
	}
	var holderTypes []corenode.LockType
	for rows.Next() {
		var lt string
		if err := rows.Scan(&lt); err != nil {
			rows.Close()
			return "", false, err
		}
		holderTypes = append(holderTypes, corenode.LockType(lt))
	}
	if err := rows.Err(); err != nil {
		return "", false, err
	}
	rows.Close()

	if !canGrant(holderTypes, lockType) {
		return "", false, nil
	}

	lockID = fmt.Sprintf("%d-%s", t.pid, uuid.NewV4().String())
	_, err = tx.Exec(
		`INSERT INTO locks (lock_id, node_key, lock_type, access_level, created_at) VALUES ($1, $2, $3, $4, $5)`,
		lockID, nodeKey, string(lockType), string(level), t.db.clock.Now(),
	)
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return lockID, true, nil
}

func canGrant(holders []corenode.LockType, lockType corenode.LockType) bool {
	if len(holders) == 0 {
		return true
	}
	if lockType == corenode.WriteLock {
		return false
	}
	for _, h := range holders {
		if h == corenode.WriteLock {
			return false
		}
	}
	return true
}

func (t *LockTable) Release(lockID string) error {
	res, err := t.db.sql.Exec(`DELETE FROM locks WHERE lock_id = $1`, lockID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t.log.WithField("lock_id", lockID).Warn("release of unknown lock_id ignored")
	}
	return nil
}

func (t *LockTable) IsNodeLocked(nodeKey string) (bool, error) {
	var count int
	err := t.db.sql.QueryRow(`SELECT count(*) FROM locks WHERE node_key = $1`, nodeKey).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *LockTable) HasLock(lockID string) (bool, error) {
	var count int
	err := t.db.sql.QueryRow(`SELECT count(*) FROM locks WHERE lock_id = $1`, lockID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *LockTable) GetInfo(lockID string) (*corenode.LockRecord, error) {
	var rec corenode.LockRecord
	var lockType, level string
	err := t.db.sql.QueryRow(
		`SELECT lock_id, node_key, lock_type, access_level, created_at FROM locks WHERE lock_id = $1`,
		lockID,
	).Scan(&rec.LockID, &rec.NodeKey, &lockType, &level, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.LockType = corenode.LockType(lockType)
	rec.AccessLevel = corenode.AccessLevel(level)
	return &rec, nil
}

func (t *LockTable) RemoveLock(lockID string) error {
	return t.Release(lockID)
}

func (t *LockTable) UnlockNodes(nodeKeys []string) error {
	if len(nodeKeys) == 0 {
		return nil
	}
	_, err := t.db.sql.Exec(`DELETE FROM locks WHERE node_key = ANY($1)`, pqStringArray(nodeKeys))
	return err
}

func (t *LockTable) ClearAll() error {
	_, err := t.db.sql.Exec(`DELETE FROM locks`)
	return err
}

// ReleaseAllProcessServers mirrors memtree's drain: every
// access_level='p' lock gets its CRM server address computed and
// passed to shutdown, with failures logged rather than propagated.
func (t *LockTable) ReleaseAllProcessServers(shutdown func(serverAddress string) error) {
	rows, err := t.db.sql.Query(`SELECT lock_id, node_key FROM locks WHERE access_level = 'p'`)
	if err != nil {
		t.log.WithError(err).Error("failed to list process-level locks for shutdown")
		return
	}
	type pending struct{ lockID, nodeKey string }
	var targets []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.lockID, &p.nodeKey); err != nil {
			rows.Close()
			t.log.WithError(err).Error("failed to scan process-level lock row")
			return
		}
		targets = append(targets, p)
	}
	rows.Close()

	for _, p := range targets {
		addr := fmt.Sprintf("memory://%s_%s", corenode.FlatKey(p.nodeKey), p.lockID)
		if err := shutdown(addr); err != nil {
			t.log.WithFields(logrus.Fields{"node_key": p.nodeKey, "lock_id": p.lockID}).
				WithError(err).Error("failed to shut down process-level CRM server")
		}
	}
}

func processID() int {
	return osGetpid()
}
