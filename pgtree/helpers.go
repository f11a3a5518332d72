// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package pgtree

import (
	"os"

	"github.com/lib/pq"
)

// pqStringArray adapts a plain []string for use as a query parameter
// against a text[] column, the way postgres/helpers.go's SQL encoders
// adapt Go values for lib/pq.
func pqStringArray(ss []string) interface{} {
	return pq.Array(ss)
}

func osGetpid() int {
	return os.Getpid()
}
