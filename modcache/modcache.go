// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package modcache implements spec.md §4.3's module cache: a registry
// of ICRM types and resource-node templates, loaded lazily from
// configuration. Go has no runtime equivalent of the Python daemon's
// importlib-based module loading, so this package follows the
// re-architecture guidance in spec.md §9 ("lazy module resolution
// behind properties" -> "explicit resolver interfaces"): user code
// registers constructors up front on a Registry (noodled and
// noodle-launcher each build one and register icrm/echo on it from
// main), and the cache
// resolves a registered name lazily, memoizing under a mutex exactly
// like restserver's context construction memoizes per-request state.
package modcache

import (
	"fmt"
	"sync"

	"github.com/noodle-run/noodle/corenode"
)

// Config enumerates the ICRM and template descriptors a noodle-config
// file names, mirroring spec.md §6's "noodle-config path (enumerates
// ICRM and template descriptors)".
type Config struct {
	ICRMs     []ICRMEntry     `yaml:"icrms"`
	Templates []TemplateEntry `yaml:"node_templates"`
}

// ICRMEntry names a single configured ICRM module.
type ICRMEntry struct {
	Tag        string `yaml:"tag"`
	ModulePath string `yaml:"module_path"`
}

// TemplateEntry names a single configured resource-node template.
type TemplateEntry struct {
	Name       string `yaml:"name"`
	ModulePath string `yaml:"module_path"`
}

// icrmEntry is a lazily-resolved cache slot for one configured ICRM.
type icrmEntry struct {
	mu       sync.Mutex
	cfg      ICRMEntry
	resolved corenode.ICRMStub
	err      error
	done     bool
}

type templateEntry struct {
	mu       sync.Mutex
	cfg      TemplateEntry
	resolved *corenode.Template
	err      error
	done     bool
}

// Registry is a table of available ICRM and template constructors.
// Each binary creates its own with NewRegistry and registers
// constructors on it explicitly (noodled and noodle-launcher call
// echo.Register from main); Cache resolves configured names against
// this table.
type Registry struct {
	mu        sync.Mutex
	icrms     map[string]func() corenode.ICRMStub
	templates map[string]func() *corenode.Template
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		icrms:     make(map[string]func() corenode.ICRMStub),
		templates: make(map[string]func() *corenode.Template),
	}
}

// RegisterICRM adds an ICRM constructor under tag. Calling it twice
// for the same tag replaces the previous registration, matching the
// teacher's backend.Backend which also allows redefinition before
// first use.
func (r *Registry) RegisterICRM(tag string, ctor func() corenode.ICRMStub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.icrms[tag] = ctor
}

// RegisterTemplate adds a template constructor under name.
func (r *Registry) RegisterTemplate(name string, ctor func() *corenode.Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = ctor
}

// Cache is the lazy, memoizing corenode.ModuleCache built from a
// Config and a Registry.
type Cache struct {
	registry *Registry

	mu        sync.Mutex
	icrms     map[string]*icrmEntry
	templates map[string]*templateEntry
}

// New builds a Cache from configuration, pre-populating lazy slots
// for every configured entry but resolving none of them yet.
func New(cfg Config, registry *Registry) *Cache {
	c := &Cache{
		registry:  registry,
		icrms:     make(map[string]*icrmEntry, len(cfg.ICRMs)),
		templates: make(map[string]*templateEntry, len(cfg.Templates)),
	}
	for _, e := range cfg.ICRMs {
		c.icrms[e.Tag] = &icrmEntry{cfg: e}
	}
	for _, e := range cfg.Templates {
		c.templates[e.Name] = &templateEntry{cfg: e}
	}
	return c
}

func (c *Cache) ResolveICRM(tag string) (corenode.ICRMStub, error) {
	c.mu.Lock()
	entry, present := c.icrms[tag]
	c.mu.Unlock()
	if !present {
		return nil, corenode.ErrNoSuchICRM{Tag: tag}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.done {
		return entry.resolved, entry.err
	}
	entry.done = true

	if _, _, _, err := corenode.ParseICRMTag(tag); err != nil {
		entry.err = err
		return nil, err
	}

	ctor, present := c.registry.lookupICRM(tag)
	if !present {
		entry.err = fmt.Errorf("modcache: no ICRM constructor registered for %q (module %s)", tag, entry.cfg.ModulePath)
		return nil, entry.err
	}
	stub := ctor()
	if stub.Tag() != tag {
		entry.err = corenode.ErrValidation{Msg: fmt.Sprintf("icrm constructor for %q reports tag %q", tag, stub.Tag())}
		return nil, entry.err
	}
	entry.resolved = stub
	return stub, nil
}

func (c *Cache) ResolveTemplate(name string) (*corenode.Template, error) {
	c.mu.Lock()
	entry, present := c.templates[name]
	c.mu.Unlock()
	if !present {
		return nil, corenode.ErrNoSuchTemplate{Name: name}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.done {
		return entry.resolved, entry.err
	}
	entry.done = true

	ctor, present := c.registry.lookupTemplate(name)
	if !present {
		entry.err = fmt.Errorf("modcache: no template constructor registered for %q (module %s)", name, entry.cfg.ModulePath)
		return nil, entry.err
	}
	tmpl := ctor()
	if tmpl.NewCRM == nil {
		entry.err = corenode.ErrValidation{Msg: fmt.Sprintf("template %q has no CRM constructor", name)}
		return nil, entry.err
	}
	entry.resolved = tmpl
	return tmpl, nil
}

// Match resolves both descriptors and rejects if the CRM constructed
// by templateName's template does not implement every method
// icrmTag's ICRM declares, per spec.md §4.3.
func (c *Cache) Match(icrmTag, templateName string) (bool, string, error) {
	stub, err := c.ResolveICRM(icrmTag)
	if err != nil {
		return false, "", err
	}
	tmpl, err := c.ResolveTemplate(templateName)
	if err != nil {
		return false, "", err
	}

	crm, err := tmpl.NewCRM(nil)
	if err != nil {
		return false, "", fmt.Errorf("modcache: probing CRM for %q: %w", templateName, err)
	}
	defer crm.Terminate()

	icrmMethods := corenode.MethodSet(stub)
	crmMethods := corenode.MethodSet(crm)
	for name := range icrmMethods {
		if name == "Tag" {
			continue
		}
		if _, present := crmMethods[name]; !present {
			reason := fmt.Sprintf("crm for template %q lacks method %s required by icrm %q", templateName, name, icrmTag)
			return false, reason, nil
		}
	}
	return true, "", nil
}

func (r *Registry) lookupICRM(tag string) (func() corenode.ICRMStub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctor, ok := r.icrms[tag]
	return ctor, ok
}

func (r *Registry) lookupTemplate(name string) (func() *corenode.Template, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctor, ok := r.templates[name]
	return ctor, ok
}
