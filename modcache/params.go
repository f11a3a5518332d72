// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package modcache

import "github.com/mitchellh/mapstructure"

// DecodeParams decodes an untyped launch_params or mount_params map
// (as stored on a NodeRecord or posted to /node/mount) into a
// template-specific typed config struct. Template.NewCRM and
// Template.Mount implementations call this instead of walking
// params by hand, the way cmd/demoworker decoded attempt data into a
// typed struct before using it.
func DecodeParams(params map[string]interface{}, out interface{}) error {
	return mapstructure.Decode(params, out)
}
