// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package corenode

import (
	"fmt"
	"strings"
	"time"
)

// LockType distinguishes reader and writer locks, per spec.md's
// lock_type column.
type LockType string

const (
	ReadLock  LockType = "r"
	WriteLock LockType = "w"
)

// AccessLevel distinguishes a CRM running in the caller's own
// process from one running in a spawned child process reached over
// in-memory RPC.
type AccessLevel string

const (
	LevelLocal   AccessLevel = "l"
	LevelProcess AccessLevel = "p"
)

// AccessMode is the two-character code "{l|p}{r|w}" from spec.md's
// glossary, selecting access level and lock type together.
type AccessMode struct {
	Level AccessLevel
	Type  LockType
}

// ParseAccessMode decodes a two-character access mode string such as
// "pw" or "lr".
func ParseAccessMode(s string) (AccessMode, error) {
	if len(s) != 2 {
		return AccessMode{}, ErrValidation{Msg: fmt.Sprintf("invalid access mode %q", s)}
	}
	level := AccessLevel(s[0:1])
	typ := LockType(s[1:2])
	if level != LevelLocal && level != LevelProcess {
		return AccessMode{}, ErrValidation{Msg: fmt.Sprintf("invalid access level in mode %q", s)}
	}
	if typ != ReadLock && typ != WriteLock {
		return AccessMode{}, ErrValidation{Msg: fmt.Sprintf("invalid lock type in mode %q", s)}
	}
	return AccessMode{Level: level, Type: typ}, nil
}

func (m AccessMode) String() string {
	return string(m.Level) + string(m.Type)
}

// NodeRecord is the persistent tree entity described in spec.md §3.
type NodeRecord struct {
	NodeKey      string
	ParentKey    string // empty means tree root
	TemplateName string // empty means resource set
	LaunchParams string // JSON-encoded; empty if unset
	AccessInfo   string // "<url>::<remote-key>"; empty if not a proxy
	CreatedAt    time.Time
}

// IsResourceSet reports whether r has no CRM (null template_name).
func (r *NodeRecord) IsResourceSet() bool {
	return r.TemplateName == ""
}

// IsProxy reports whether r forwards to a remote peer.
func (r *NodeRecord) IsProxy() bool {
	return r.AccessInfo != ""
}

// IsRoot reports whether r has no parent.
func (r *NodeRecord) IsRoot() bool {
	return r.ParentKey == ""
}

// NodeInfo projects a NodeRecord plus a paged, sorted view of its
// direct children, as returned by Tree.GetInfo and the GET /node/
// HTTP route.
type NodeInfo struct {
	NodeRecord
	Children     []NodeRecord
	ChildrenFrom int
	ChildrenTo   int
	TotalChildren int
}

// LockRecord is the persistent lock entity described in spec.md §3.
type LockRecord struct {
	LockID      string
	NodeKey     string
	LockType    LockType
	AccessLevel AccessLevel
	CreatedAt   time.Time
}

// TarLockKey derives the synthetic lock key used to reference-count
// in-flight snapshot transfers sharing one archive.
func TarLockKey(nodeKey string) string {
	return nodeKey + "_tar"
}

// FlatKey turns a dotted node key into the underscore-joined form
// used to build CRM server addresses ("root.names" -> "root_names").
func FlatKey(nodeKey string) string {
	return strings.ReplaceAll(nodeKey, ".", "_")
}

// ICRMDescriptor names a versioned ICRM module as described in
// spec.md §3: "<namespace>/<name>/<version>".
type ICRMDescriptor struct {
	Tag        string
	ModulePath string
}

// ParseICRMTag splits a tag into its three slash-separated parts,
// failing if any part is empty.
func ParseICRMTag(tag string) (namespace, name, version string, err error) {
	parts := strings.Split(tag, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", ErrValidation{Msg: fmt.Sprintf("malformed icrm tag %q", tag)}
	}
	return parts[0], parts[1], parts[2], nil
}

// Template describes a resource-node template: its constructor and
// lifecycle hooks.  Hooks default to no-ops per spec.md §3; callers
// build a Template with only the hooks they need set.
type Template struct {
	Name string

	// NewCRM constructs a CRM instance given its launch params
	// (already JSON-decoded into a generic map).
	NewCRM func(launchParams map[string]interface{}) (CRM, error)

	// Mount takes (node_key, mount_params) and returns the launch
	// params to persist, or nil if none.
	Mount func(nodeKey string, mountParams map[string]interface{}) (map[string]interface{}, error)

	// Unmount takes (node_key) and performs any cleanup outside
	// of deleting the tree record itself.
	Unmount func(nodeKey string) error

	// Pack builds a tar.gz archive of a node's on-disk resource at
	// destPath and returns its byte size.
	Pack func(nodeKey string, destPath string) (int64, error)

	// Unpack installs a node's on-disk resource from the archive
	// at srcPath.
	Unpack func(nodeKey string, srcPath string) error

	// Privatize adapts a template's shared configuration into a
	// per-node private configuration; used by some CRM
	// constructors that need more than the raw launch params.
	Privatize func(nodeKey string, shared map[string]interface{}) (map[string]interface{}, error)
}

// CRM is the server-side object implementing a node's domain
// behavior.  The core only ever calls its lifecycle hook; the method
// surface real callers invoke is declared by the ICRM stub type, not
// by this interface.
type CRM interface {
	// Terminate runs when a local-level handle releases its lock.
	// Process-level CRMs are torn down via RPC shutdown instead.
	Terminate() error
}
