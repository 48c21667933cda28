package log

import (
	"os"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
)

var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{
		Name: "x86core",
	})
	L.SetLevel(hclog.Info)

	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}

// Named returns a sub-logger of L for one subsystem.
func Named(name string) hclog.Logger {
	return L.Named(name)
}

// SetLevel applies a textual level such as "debug". TRACE in the
// environment always wins.
func SetLevel(level string) {
	if os.Getenv("TRACE") != "" {
		return
	}

	lvl := hclog.LevelFromString(strings.ToLower(level))
	if lvl == hclog.NoLevel {
		return
	}

	L.SetLevel(lvl)
}
