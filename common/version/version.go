// Package version exposes build metadata injected at link time.
//
// Build with:
//
//	go build -ldflags "-X github.com/bdobrica/stevedore/common/version.Version=v1.2.3 \
//	  -X github.com/bdobrica/stevedore/common/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X github.com/bdobrica/stevedore/common/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	// Version is the semantic version of this build.
	Version = "v0.0.0-dev"

	// GitCommit is the short hash of the commit the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// Info returns a single-line human-readable version string.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
