// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restserver

import (
	"github.com/gorilla/mux"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/restdata"
)

func (api *restAPI) populateLock(r *mux.Router) {
	r.Path("/lock/").Methods("GET", "HEAD").Name("lock").Handler(&resourceHandler{
		Context: api.Context,
		Get:     api.GetLockInfo,
	})
}

// GetLockInfo serves GET /lock/?lock_id=....
func (api *restAPI) GetLockInfo(ctx *context) (interface{}, error) {
	lockID := ctx.LockID()
	if lockID == "" {
		return nil, corenode.ErrValidation{Msg: "lock_id is required"}
	}
	rec, err := api.Locks.GetInfo(lockID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, corenode.ErrNoSuchLock{LockID: lockID}
	}
	return restdata.LockInfo{
		LockID:      rec.LockID,
		NodeKey:     rec.NodeKey,
		LockType:    string(rec.LockType),
		AccessLevel: string(rec.AccessLevel),
		CreatedAt:   rec.CreatedAt,
	}, nil
}
