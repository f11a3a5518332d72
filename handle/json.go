// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package handle

import (
	"net/http"

	"github.com/ugorji/go/codec"
)

// decodeJSONBody decodes resp's body as JSON using the same
// ugorji/go/codec handle the REST boundary uses everywhere else in
// this repo, rather than mixing in encoding/json for this one
// caller.
func decodeJSONBody(resp *http.Response, out interface{}) error {
	var jsonHandle codec.JsonHandle
	decoder := codec.NewDecoder(resp.Body, &jsonHandle)
	return decoder.Decode(out)
}
