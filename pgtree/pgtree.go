// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package pgtree is a PostgreSQL-backed implementation of
// corenode.Tree and corenode.LockTable, for deployments that need the
// resource tree to survive a daemon restart and be shared across
// multiple noodled processes. It is grounded on the teacher's
// postgres package: same connection-string handling, same
// serializable-ish isolation tweak, same sql-migrate-driven schema
// management.
package pgtree

import (
	"database/sql"
	"strings"

	"github.com/benbjohnson/clock"
	_ "github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
)

// DB wraps a connection pool shared by Tree and LockTable. Most
// application code should construct exactly one DB and build both a
// Tree and a LockTable from it.
type DB struct {
	sql   *sql.DB
	clock clock.Clock
}

// Open connects to PostgreSQL using connectionString (an expanded
// PostgreSQL string, a "postgres:" URL, or a URL without a scheme --
// see github.com/lib/pq for the accepted forms), upgrades the schema
// to the latest migration, and returns a DB using the real wall
// clock.
func Open(connectionString string) (*DB, error) {
	return OpenWithClock(connectionString, clock.New())
}

// OpenWithClock is the test entry point for injecting a mock time
// source.
func OpenWithClock(connectionString string, clk clock.Clock) (*DB, error) {
	connectionString = normalizeConnectionString(connectionString)

	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	if err := Upgrade(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{sql: db, clock: clk}, nil
}

// normalizeConnectionString turns a destructured URL ("//user:pass@host/db")
// back into a proper "postgres:" URL and pins the transaction isolation
// level, exactly as postgres.NewWithClock does -- repeatable read avoids
// the lost-update races a default read-committed isolation would allow
// between the SELECT ... FOR UPDATE and INSERT pairs locktable.go runs.
func normalizeConnectionString(connectionString string) string {
	if len(connectionString) >= 2 && connectionString[0] == '/' && connectionString[1] == '/' {
		connectionString = "postgres:" + connectionString
	}

	if strings.Contains(connectionString, "://") {
		if strings.Contains(connectionString, "?") {
			connectionString += "&"
		} else {
			connectionString += "?"
		}
		connectionString += "default_transaction_isolation=repeatable%20read"
	} else {
		if len(connectionString) > 0 {
			connectionString += " "
		}
		connectionString += "default_transaction_isolation='repeatable read'"
	}
	return connectionString
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// migrationSource holds the schema inline rather than via the
// teacher's go:generate/go-bindata step, since this tree has no
// generated-asset build stage; migrate.MemoryMigrationSource is the
// sql-migrate-native way to embed migrations without a code generator.
var migrationSource = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_initial",
			Up: []string{
				`CREATE TABLE nodes (
					node_key text PRIMARY KEY,
					parent_key text REFERENCES nodes(node_key),
					template_name text,
					launch_params text,
					access_info text NOT NULL DEFAULT '',
					created_at timestamptz NOT NULL
				)`,
				`CREATE INDEX nodes_parent_key_idx ON nodes(parent_key)`,
				`CREATE TABLE locks (
					lock_id text PRIMARY KEY,
					node_key text NOT NULL,
					lock_type char(1) NOT NULL,
					access_level char(1) NOT NULL,
					created_at timestamptz NOT NULL
				)`,
				`CREATE INDEX locks_node_key_idx ON locks(node_key)`,
			},
			Down: []string{
				`DROP TABLE locks`,
				`DROP TABLE nodes`,
			},
		},
	},
}

// Upgrade brings db's schema up to the latest migration.
func Upgrade(db *sql.DB) error {
	_, err := migrate.Exec(db, "postgres", migrationSource, migrate.Up)
	return err
}

// Drop reverses every migration, ultimately dropping both tables.
// Intended for test teardown, mirroring postgres.Drop.
func Drop(db *sql.DB) error {
	_, err := migrate.Exec(db, "postgres", migrationSource, migrate.Down)
	return err
}
