// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package memtree

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/modcache"
)

// Tree is the in-memory corenode.Tree implementation.
type Tree struct {
	mu       sync.Mutex
	records  map[string]*corenode.NodeRecord
	children map[string]map[string]bool // parent -> set of direct child keys
	clock    clock.Clock
	cache    *modcache.Cache
	locks    *LockTable
	log      *logrus.Logger
}

// New returns an empty Tree using the real wall clock.
func New(cache *modcache.Cache, locks *LockTable, log *logrus.Logger) *Tree {
	return NewWithClock(clock.New(), cache, locks, log)
}

// NewWithClock is the test entry point for injecting a mock clock.
func NewWithClock(clk clock.Clock, cache *modcache.Cache, locks *LockTable, log *logrus.Logger) *Tree {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tree{
		records:  make(map[string]*corenode.NodeRecord),
		children: make(map[string]map[string]bool),
		clock:    clk,
		cache:    cache,
		locks:    locks,
		log:      log,
	}
}

func (t *Tree) Mount(nodeKey, templateName string, mountParams map[string]interface{}) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, present := t.records[nodeKey]; present {
		// Idempotent per spec.md §8: mounting an existing key
		// succeeds without mutating the record.
		return true, nil
	}

	parentKey := corenode.ParentKey(nodeKey)
	if parentKey != "" {
		if _, present := t.records[parentKey]; !present {
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

	rec := &corenode.NodeRecord{
		NodeKey:      nodeKey,
		ParentKey:    parentKey,
		TemplateName: templateName,
		LaunchParams: launchParams,
		CreatedAt:    t.clock.Now(),
	}
	t.insertLocked(rec)
	return true, nil
}

func (t *Tree) Proxy(nodeKey, templateName, baseURL, remoteNodeKey string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, present := t.records[nodeKey]; present {
		return true, nil
	}

	parentKey := corenode.ParentKey(nodeKey)
	if parentKey != "" {
		if _, present := t.records[parentKey]; !present {
			return false, corenode.ErrMissingParent{ParentKey: parentKey}
		}
	}

	rec := &corenode.NodeRecord{
		NodeKey:      nodeKey,
		ParentKey:    parentKey,
		TemplateName: templateName,
		AccessInfo:   corenode.JoinRemoteReference(baseURL, remoteNodeKey),
		CreatedAt:    t.clock.Now(),
	}
	t.insertLocked(rec)
	return true, nil
}

func (t *Tree) insertLocked(rec *corenode.NodeRecord) {
	t.records[rec.NodeKey] = rec
	if rec.ParentKey != "" {
		if t.children[rec.ParentKey] == nil {
			t.children[rec.ParentKey] = make(map[string]bool)
		}
		t.children[rec.ParentKey][rec.NodeKey] = true
	}
}

// Unmount walks the subtree depth-first, pre-locking every node it
// intends to delete with a local write lock to block new connections
// during teardown, then deletes records and runs unmount hooks, then
// releases the pre-locks -- per spec.md §4.1. Any node found already
// locked fails the whole operation and releases whatever pre-locks
// were accumulated so far.
func (t *Tree) Unmount(nodeKey string) (bool, error) {
	t.mu.Lock()
	if _, present := t.records[nodeKey]; !present {
		t.mu.Unlock()
		return false, corenode.ErrNoSuchNode{NodeKey: nodeKey}
	}
	subtree, snapshot := t.collectSubtreeLocked(nodeKey)
	t.mu.Unlock()

	var preLocked []string
	releaseAll := func() {
		for _, key := range preLocked {
			_ = t.locks.UnlockNodes([]string{key})
		}
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

	t.mu.Lock()
	for _, key := range subtree {
		rec := t.records[key]
		delete(t.records, key)
		delete(t.children, key)
		if rec.ParentKey != "" && t.children[rec.ParentKey] != nil {
			delete(t.children[rec.ParentKey], key)
		}
	}
	t.mu.Unlock()

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

// collectSubtreeLocked returns nodeKey and all of its descendants in
// depth-first order, along with a snapshot of their records for later
// unmount-hook invocation (the records are gone from t.records by the
// time hooks run). Caller must hold t.mu.
func (t *Tree) collectSubtreeLocked(nodeKey string) ([]string, map[string]*corenode.NodeRecord) {
	snapshot := make(map[string]*corenode.NodeRecord)
	var order []string
	var walk func(string)
	walk = func(key string) {
		rec := t.records[key]
		if rec != nil {
			cp := *rec
			snapshot[key] = &cp
		}
		order = append(order, key)
		children := make([]string, 0, len(t.children[key]))
		for c := range t.children[key] {
			children = append(children, c)
		}
		sort.Slice(children, func(i, j int) bool {
			return strings.ToLower(corenode.LastSegment(children[i])) < strings.ToLower(corenode.LastSegment(children[j]))
		})
		for _, c := range children {
			walk(c)
		}
	}
	walk(nodeKey)
	return order, snapshot
}

func (t *Tree) Has(nodeKey string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, present := t.records[nodeKey]
	return present, nil
}

func (t *Tree) GetInfo(nodeKey string, childStart, childEnd int) (*corenode.NodeInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, present := t.records[nodeKey]
	if !present {
		return nil, nil
	}

	childKeys := make([]string, 0, len(t.children[nodeKey]))
	for c := range t.children[nodeKey] {
		childKeys = append(childKeys, c)
	}
	sort.Slice(childKeys, func(i, j int) bool {
		return strings.ToLower(corenode.LastSegment(childKeys[i])) < strings.ToLower(corenode.LastSegment(childKeys[j]))
	})

	total := len(childKeys)
	start, end := pageBounds(childStart, childEnd, total)
	children := make([]corenode.NodeRecord, 0, end-start)
	for _, key := range childKeys[start:end] {
		children = append(children, *t.records[key])
	}

	info := &corenode.NodeInfo{
		NodeRecord:    *rec,
		Children:      children,
		ChildrenFrom:  start,
		ChildrenTo:    end,
		TotalChildren: total,
	}
	return info, nil
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
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, present := t.records[nodeKey]
	if !present {
		return nil, nil, nil
	}
	cp := *rec
	if !cascade {
		return &cp, nil, nil
	}

	childKeys := make([]string, 0, len(t.children[nodeKey]))
	for c := range t.children[nodeKey] {
		childKeys = append(childKeys, c)
	}
	sort.Slice(childKeys, func(i, j int) bool {
		return strings.ToLower(corenode.LastSegment(childKeys[i])) < strings.ToLower(corenode.LastSegment(childKeys[j]))
	})
	children := make([]corenode.NodeRecord, 0, len(childKeys))
	for _, key := range childKeys {
		children = append(children, *t.records[key])
	}
	return &cp, children, nil
}
