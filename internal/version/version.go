// Package version carries build metadata reported by /healthz, /api/status
// and `nexus --version`.
package version

// Set at build time, for example:
//
//	go build -ldflags "-X github.com/pysugar/diag-nexus/internal/version.Version=v0.3.0 -X github.com/pysugar/diag-nexus/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
