// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package pgtree

import (
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/modcache"
)

// Tree is the PostgreSQL-backed corenode.Tree.
type Tree struct {
	db    *DB
	cache *modcache.Cache
	locks *LockTable
	log   *logrus.Logger
}

// NewTree builds a Tree over db, resolving templates through cache
// and pre-locking through locks during Unmount.
func NewTree(db *DB, cache *modcache.Cache, locks *LockTable, log *logrus.Logger) *Tree {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tree{db: db, cache: cache, locks: locks, log: log}
}

func (t *Tree) Mount(nodeKey, templateName string, mountParams map[string]interface{}) (bool, error) {
	exists, err := t.Has(nodeKey)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	parentKey := corenode.ParentKey(nodeKey)
	if parentKey != "" {
		parentExists, err := t.Has(parentKey)
		if err != nil {
			return false, err
		}
		if !parentExists {
			return false, corenode.ErrMissingParent{ParentKey: parentKey}
		}
	}

	var launchParams string
	if templateName != "" {
		tmpl, err := t.cache.ResolveTemplate(templateName)
		if err != nil {
			return false, err
		}
		if tmpl.Mount != nil {
			params, err := tmpl.Mount(nodeKey, mountParams)
			if err != nil {
				return false, err
			}
			if params != nil {
				encoded, err := json.Marshal(params)
				if err != nil {
					return false, err
				}
				launchParams = string(encoded)
			}
		}
	} else if len(mountParams) > 0 {
		t.log.WithField("node_key", nodeKey).Warn("mount_params given for a resource set; discarding")
	}

	return t.insert(nodeKey, parentKey, templateName, launchParams, "")
}

func (t *Tree) Proxy(nodeKey, templateName, baseURL, remoteNodeKey string) (bool, error) {
	exists, err := t.Has(nodeKey)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	parentKey := corenode.ParentKey(nodeKey)
	if parentKey != "" {
		parentExists, err := t.Has(parentKey)
		if err != nil {
			return false, err
		}
		if !parentExists {
			return false, corenode.ErrMissingParent{ParentKey: parentKey}
		}
	}

	accessInfo := corenode.JoinRemoteReference(baseURL, remoteNodeKey)
	return t.insert(nodeKey, parentKey, templateName, "", accessInfo)
}

func (t *Tree) insert(nodeKey, parentKey, templateName, launchParams, accessInfo string) (bool, error) {
	var parentArg interface{}
	if parentKey != "" {
		parentArg = parentKey
	}
	var templateArg interface{}
	if templateName != "" {
		templateArg = templateName
	}
	var launchArg interface{}
	if launchParams != "" {
		launchArg = launchParams
	}

	_, err := t.db.sql.Exec(
		`INSERT INTO nodes (node_key, parent_key, template_name, launch_params, access_info, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		nodeKey, parentArg, templateArg, launchArg, accessInfo, t.db.clock.Now(),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unmount pre-locks every node in the subtree with a local write
// lock, fails the whole operation (releasing whatever was pre-locked
// so far) if any node is already locked, then deletes and runs
// unmount hooks, then releases the pre-locks -- the same shape
// memtree.Tree.Unmount uses, just against durable storage.
func (t *Tree) Unmount(nodeKey string) (bool, error) {
	exists, err := t.Has(nodeKey)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, corenode.ErrNoSuchNode{NodeKey: nodeKey}
	}

	subtree, snapshot, err := t.collectSubtree(nodeKey)
	if err != nil {
		return false, err
	}

	var preLocked []string
	releaseAll := func() {
		_ = t.locks.UnlockNodes(preLocked)
	}

	for _, key := range subtree {
		locked, err := t.locks.IsNodeLocked(key)
		if err != nil {
			releaseAll()
			return false, err
		}
		if locked {
			releaseAll()
			return false, corenode.ErrNodeLocked{NodeKey: key}
		}
		if _, err := t.locks.Acquire(key, corenode.WriteLock, corenode.LevelLocal, time.Second, 10*time.Millisecond); err != nil {
			releaseAll()
			return false, corenode.ErrNodeLocked{NodeKey: key}
		}
		preLocked = append(preLocked, key)
	}

	tx, err := t.db.sql.Begin()
	if err != nil {
		releaseAll()
		return false, err
	}
	// Children-before-parents so the parent_key foreign key never
	// blocks a delete.
	for i := len(subtree) - 1; i >= 0; i-- {
		if _, err := tx.Exec(`DELETE FROM nodes WHERE node_key = $1`, subtree[i]); err != nil {
			tx.Rollback()
			releaseAll()
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		releaseAll()
		return false, err
	}

	for _, key := range subtree {
		rec := snapshot[key]
		if rec == nil || rec.IsProxy() || rec.TemplateName == "" {
			continue
		}
		tmpl, err := t.cache.ResolveTemplate(rec.TemplateName)
		if err == nil && tmpl.Unmount != nil {
			if err := tmpl.Unmount(key); err != nil {
				t.log.WithField("node_key", key).WithError(err).Error("unmount hook failed")
			}
		}
	}

	releaseAll()
	return true, nil
}

// collectSubtree returns nodeKey and all of its descendants in
// depth-first, case-insensitive-last-segment order, plus a snapshot
// of their records for later unmount-hook invocation.
func (t *Tree) collectSubtree(nodeKey string) ([]string, map[string]*corenode.NodeRecord, error) {
	snapshot := make(map[string]*corenode.NodeRecord)
	var order []string

	var walk func(key string) error
	walk = func(key string) error {
		rec, err := t.loadOne(key)
		if err != nil {
			return err
		}
		if rec != nil {
			snapshot[key] = rec
		}
		order = append(order, key)

		children, err := t.childKeys(key)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(nodeKey); err != nil {
		return nil, nil, err
	}
	return order, snapshot, nil
}

func (t *Tree) childKeys(nodeKey string) ([]string, error) {
	rows, err := t.db.sql.Query(`SELECT node_key FROM nodes WHERE parent_key = $1`, nodeKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(corenode.LastSegment(keys[i])) < strings.ToLower(corenode.LastSegment(keys[j]))
	})
	return keys, rows.Err()
}

func (t *Tree) loadOne(nodeKey string) (*corenode.NodeRecord, error) {
	var rec corenode.NodeRecord
	var parentKey, templateName, launchParams sql.NullString
	err := t.db.sql.QueryRow(
		`SELECT node_key, parent_key, template_name, launch_params, access_info, created_at FROM nodes WHERE node_key = $1`,
		nodeKey,
	).Scan(&rec.NodeKey, &parentKey, &templateName, &launchParams, &rec.AccessInfo, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ParentKey = parentKey.String
	rec.TemplateName = templateName.String
	rec.LaunchParams = launchParams.String
	return &rec, nil
}

func (t *Tree) Has(nodeKey string) (bool, error) {
	var count int
	err := t.db.sql.QueryRow(`SELECT count(*) FROM nodes WHERE node_key = $1`, nodeKey).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *Tree) GetInfo(nodeKey string, childStart, childEnd int) (*corenode.NodeInfo, error) {
	rec, err := t.loadOne(nodeKey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	childKeys, err := t.childKeys(nodeKey)
	if err != nil {
		return nil, err
	}
	total := len(childKeys)
	start, end := pageBounds(childStart, childEnd, total)

	children := make([]corenode.NodeRecord, 0, end-start)
	for _, key := range childKeys[start:end] {
		child, err := t.loadOne(key)
		if err != nil {
			return nil, err
		}
		if child != nil {
			children = append(children, *child)
		}
	}

	return &corenode.NodeInfo{
		NodeRecord:    *rec,
		Children:      children,
		ChildrenFrom:  start,
		ChildrenTo:    end,
		TotalChildren: total,
	}, nil
}

func pageBounds(start, end, total int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end < 0 || end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return start, end
}

func (t *Tree) LoadRecord(nodeKey string, cascade bool) (*corenode.NodeRecord, []corenode.NodeRecord, error) {
	rec, err := t.loadOne(nodeKey)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, nil
	}
	if !cascade {
		return rec, nil, nil
	}

	childKeys, err := t.childKeys(nodeKey)
	if err != nil {
		return nil, nil, err
	}
	children := make([]corenode.NodeRecord, 0, len(childKeys))
	for _, key := range childKeys {
		child, err := t.loadOne(key)
		if err != nil {
			return nil, nil, err
		}
		if child != nil {
			children = append(children, *child)
		}
	}
	return rec, children, nil
}
