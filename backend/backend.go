// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package backend provides a standard way to construct a resource
// tree and lock table based on command-line flags, the way the
// original implementation picked a Coordinate storage backend by
// name: construct a zero Backend, register it with flag.Var, parse
// flags, then call Open.
package backend

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/memtree"
	"github.com/noodle-run/noodle/modcache"
	"github.com/noodle-run/noodle/pgtree"
)

// Backend describes user-visible parameters to store the resource
// tree. This implements the flag.Value interface, and so a typical
// use is
//
//	backend := backend.Backend{Implementation: "memory"}
//	flag.Var(&backend, "backend", "impl:[address] of the resource tree storage")
//	flag.Parse()
//	tree, locks, closer, err := backend.Open(cache, log)
type Backend struct {
	// Implementation holds the name of the implementation:
	// "memory" or "postgres".
	Implementation string

	// Address holds some backend-specific address, such as a
	// database connection string. Unused for "memory".
	Address string
}

// Closer releases any resources a backend holds open (a database
// connection pool); memory backends return a no-op.
type Closer func() error

// Open creates a new tree and lock table pair sharing cache for
// template/ICRM resolution. This generally should only be called
// once per process: calling it twice against "memory" creates two
// independent, unrelated trees.
func (b *Backend) Open(cache *modcache.Cache, log *logrus.Logger) (corenode.Tree, corenode.LockTable, Closer, error) {
	switch b.Implementation {
	case "", "memory":
		locks := memtree.NewLockTable(log)
		tree := memtree.New(cache, locks, log)
		return tree, locks, func() error { return nil }, nil
	case "postgres":
		db, err := pgtree.Open(b.Address)
		if err != nil {
			return nil, nil, nil, err
		}
		locks := pgtree.NewLockTable(db, log)
		tree := pgtree.NewTree(db, cache, locks, log)
		return tree, locks, db.Close, nil
	default:
		return nil, nil, nil, errors.New("unknown resource tree backend " + b.Implementation)
	}
}

// String renders a backend description as a string. Part of the
// flag.Value interface.
func (b *Backend) String() string {
	if b.Address == "" {
		return b.Implementation
	}
	return b.Implementation + ":" + b.Address
}

// Set parses a string into an existing backend description. The
// string should be of the form "implementation:address", where
// address can be any string. Part of the flag.Value interface.
func (b *Backend) Set(param string) (err error) {
	parts := strings.SplitN(param, ":", 2)
	switch len(parts) {
	case 0:
		err = errors.New("must specify a backend type")
	case 1:
		b.Implementation = parts[0]
		b.Address = ""
	case 2:
		b.Implementation = parts[0]
		b.Address = parts[1]
	default:
		err = errors.New("strings.SplitN did something odd")
	}
	return
}
