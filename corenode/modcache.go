// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package corenode

import "reflect"

// ICRMStub describes the method set an ICRM client-side façade
// exposes.  Concrete ICRM types (user code) satisfy this so that
// ModuleCache.Match can diff their method set against a CRM's.
type ICRMStub interface {
	Tag() string
}

// ModuleCache resolves ICRM and template descriptors lazily, per
// spec.md §4.3. Built once at startup from configuration; each entry
// memoizes under its own mutex on first access.
type ModuleCache interface {
	// ResolveICRM returns the ICRM stub type registered under tag.
	ResolveICRM(tag string) (ICRMStub, error)

	// ResolveTemplate returns the named resource-node template.
	ResolveTemplate(name string) (*Template, error)

	// Match resolves both icrmTag and templateName, and rejects
	// if the CRM (as constructed by the template) does not
	// implement every method the ICRM declares.
	Match(icrmTag, templateName string) (ok bool, reason string, err error)
}

// MethodSet returns the exported method names of v's type, used by
// ModuleCache.Match to diff an ICRM's declared surface against a
// CRM's actual one.
func MethodSet(v interface{}) map[string]reflect.Method {
	t := reflect.TypeOf(v)
	out := make(map[string]reflect.Method, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		out[m.Name] = m
	}
	return out
}
