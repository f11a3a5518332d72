// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/handle"
	"github.com/noodle-run/noodle/modcache"
	"github.com/noodle-run/noodle/restdata"
	"github.com/noodle-run/noodle/snapshot"
)

// Launcher is an alias for handle.Launcher, re-exported so callers
// configuring Deps don't need to import the handle package directly.
type Launcher = handle.Launcher

// Deps bundles every backend dependency the HTTP boundary needs. A
// single restAPI is built from one Deps value and mounted under
// /noodle by PopulateRouter, mirroring the teacher's single
// restAPI{Coordinate} value mounted under the router root.
type Deps struct {
	Tree     corenode.Tree
	Locks    corenode.LockTable
	Cache    *modcache.Cache
	Snapshot *snapshot.Manager

	// BaseURL is this host's own externally-reachable base URL.
	// A /proxy/ activation returns the handle's own CRM server
	// address, not one built from BaseURL.
	BaseURL string

	// Launch spawns a child-process CRM for level-p /proxy/
	// activations.
	Launch Launcher

	Log *logrus.Logger
}

// NewRouter creates a new HTTP handler that processes all noodle
// requests under a /noodle path prefix.
func NewRouter(deps Deps) http.Handler {
	r := mux.NewRouter()
	PopulateRouter(r, deps)
	return r
}

// PopulateRouter adds noodle routes to an existing
// github.com/gorilla/mux router, under a /noodle subrouter.
func PopulateRouter(r *mux.Router, deps Deps) {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	api := &restAPI{Deps: deps, Router: r, handles: newHandleRegistry()}
	sub := r.PathPrefix("/noodle").Subrouter()
	api.populateNode(sub)
	api.populateLock(sub)
	api.populateProxy(sub)
	r.Path("/noodle").Name("root").Handler(&resourceHandler{
		Context: api.Context,
		Get:     api.RootDocument,
	})
}

// restAPI holds the persistent state for the noodle REST API.
type restAPI struct {
	Deps
	Router  *mux.Router
	handles *handleRegistry
}

func (api *restAPI) RootDocument(ctx *context) (interface{}, error) {
	return restdata.RootData{
		Resource: restdata.Resource{URL: "/noodle"},
		NodeURL:  "/noodle/node/",
		LockURL:  "/noodle/lock/",
		ProxyURL: "/noodle/proxy/",
	}, nil
}
