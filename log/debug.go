package log

import (
	hclog "github.com/hashicorp/go-hclog"
)

// Verbose raises the level by one step per count: one gives debug, two or
// more give trace. Zero leaves the level alone.
func Verbose(count int) {
	switch {
	case count <= 0:
		return
	case count == 1:
		L.SetLevel(hclog.Debug)
	default:
		L.SetLevel(hclog.Trace)
	}
}
