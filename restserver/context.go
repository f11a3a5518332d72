// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restserver

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/noodle-run/noodle/corenode"
)

// context holds everything extracted from a request's query
// parameters -- spec.md §6's routes address every resource by query
// parameter (node_key, lock_id, ...) rather than by URL path segment,
// so unlike the teacher's mux.Vars-based context, this one reads
// entirely from the URL query string.
type context struct {
	QueryParams url.Values
}

func (api *restAPI) Context(req *http.Request) (*context, error) {
	return &context{QueryParams: req.URL.Query()}, nil
}

func (ctx *context) NodeKey() string { return ctx.QueryParams.Get("node_key") }
func (ctx *context) LockID() string  { return ctx.QueryParams.Get("lock_id") }
func (ctx *context) ICRMTag() string { return ctx.QueryParams.Get("icrm_tag") }

// LockType reads a one-character lock-type query parameter
// ("access_mode", or "lock_type" when that is absent), since spec.md
// §6 names it differently depending on the route. It returns only the
// lock type; the access level is chosen by each handler.
func (ctx *context) LockType() (corenode.LockType, error) {
	s := ctx.QueryParams.Get("access_mode")
	if s == "" {
		s = ctx.QueryParams.Get("lock_type")
	}
	switch corenode.LockType(s) {
	case corenode.ReadLock, corenode.WriteLock:
		return corenode.LockType(s), nil
	default:
		return "", corenode.ErrValidation{Msg: "invalid access mode/lock type " + s}
	}
}

// Float64Param parses a query parameter as a float, returning def if
// absent or empty.
func (ctx *context) Float64Param(name string, def float64) (float64, error) {
	s := ctx.QueryParams.Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.ParseFloat(s, 64)
}

// IntParam parses a query parameter as an int, returning def if
// absent or empty.
func (ctx *context) IntParam(name string, def int) (int, error) {
	s := ctx.QueryParams.Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// BoolParam looks at ctx.QueryParams for a parameter named name. If
// it has a normally-truthy value (1, on, true, yes, ...) return true;
// if it has a normally-falsy value (0, off, false, no, ...) return
// false. Otherwise return def.
func (ctx *context) BoolParam(name string, def bool) bool {
	switch ctx.QueryParams.Get(name) {
	case "0", "f", "n", "false", "off", "no":
		return false
	case "1", "t", "y", "true", "on", "yes":
		return true
	default:
		return def
	}
}
