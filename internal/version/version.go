// Package version carries build metadata stamped in with -ldflags -X.
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
