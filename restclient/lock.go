// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restclient

import "github.com/noodle-run/noodle/restdata"

// Lock is a client-side handle on one lock resource.
type Lock struct {
	resource
	lockID string
}

// ID returns the lock's identifier.
func (l *Lock) ID() string { return l.lockID }

// GetInfo fetches the lock's record.
func (l *Lock) GetInfo() (*restdata.LockInfo, error) {
	var out restdata.LockInfo
	if err := l.Get(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
