// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package echo provides a minimal resource-node template and ICRM,
// good for exercising activation, invocation, and packing end to end
// without a real domain-specific CRM. It is registered by both
// noodled (for level-'l' activation) and noodle-launcher (for
// level-'p' activation).
package echo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/modcache"
	"github.com/noodle-run/noodle/snapshot"
)

// Tag is this package's ICRM tag.
const Tag = "noodle/echo/v1"

// TemplateName is this package's resource-node template name.
const TemplateName = "echo"

// Config is the typed form of a node's launch_params, decoded via
// modcache.DecodeParams instead of walking the raw map by hand.
type Config struct {
	Greeting string `mapstructure:"greeting"`
}

// CRM answers Echo calls and persists nothing beyond its in-memory
// greeting.
type CRM struct {
	cfg Config
}

// Echo is the method surface an activated handle can invoke; it is
// also the method Stub declares, so ModuleCache.Match checks that any
// template claiming to implement this ICRM actually has it.
func (c *CRM) Echo(message string) (string, error) {
	if c.cfg.Greeting == "" {
		return message, nil
	}
	return fmt.Sprintf("%s: %s", c.cfg.Greeting, message), nil
}

// Terminate is a no-op; there is no on-disk or background state.
func (c *CRM) Terminate() error { return nil }

// Stub is the ICRM client-side façade declaring Echo as the method a
// compatible CRM must implement. Its own Echo body is never called --
// corenode.MethodSet only inspects its signature -- but it has to be a
// real method for reflection to see it.
type Stub struct{}

func (Stub) Tag() string { return Tag }

func (Stub) Echo(message string) (string, error) { panic("modcache: stub method called directly") }

// NewCRM decodes launchParams into Config and builds a CRM.
func NewCRM(launchParams map[string]interface{}) (corenode.CRM, error) {
	var cfg Config
	if err := modcache.DecodeParams(launchParams, &cfg); err != nil {
		return nil, fmt.Errorf("echo: decoding launch params: %w", err)
	}
	return &CRM{cfg: cfg}, nil
}

// Mount decodes mountParams the same way NewCRM decodes launch_params,
// and persists only the decoded greeting as launch_params; other keys
// are dropped.
func Mount(nodeKey string, mountParams map[string]interface{}) (map[string]interface{}, error) {
	var cfg Config
	if err := modcache.DecodeParams(mountParams, &cfg); err != nil {
		return nil, fmt.Errorf("echo: decoding mount params: %w", err)
	}
	return map[string]interface{}{"greeting": cfg.Greeting}, nil
}

// Pack writes the node key to a single file, greeting.txt, in a fresh
// directory, then archives that directory -- just enough on-disk
// state to exercise snapshot.Manager.Pack end to end.
func Pack(nodeKey, destPath string) (int64, error) {
	dir, err := os.MkdirTemp("", "noodle-echo-pack-*")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), []byte(nodeKey), 0o644); err != nil {
		return 0, err
	}
	return snapshot.BuildArchive(dir, destPath)
}

// Unpack is the Pack's inverse: it just needs to not error, since
// echo keeps no other on-disk state to restore.
func Unpack(nodeKey, srcPath string) error {
	return nil
}

// NewTemplate builds the echo resource-node template.
func NewTemplate() *corenode.Template {
	return &corenode.Template{
		Name:   TemplateName,
		NewCRM: NewCRM,
		Mount:  Mount,
		Pack:   Pack,
		Unpack: Unpack,
	}
}

// Register adds echo's ICRM and template constructors to registry.
func Register(registry *modcache.Registry) {
	registry.RegisterICRM(Tag, func() corenode.ICRMStub { return Stub{} })
	registry.RegisterTemplate(TemplateName, NewTemplate)
}
