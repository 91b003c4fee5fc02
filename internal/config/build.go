package config

// Linker-injected build metadata, set via -ldflags:
//
//	go build -ldflags "-X crmrelay/internal/config.version=1.2.3 \
//	    -X crmrelay/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X crmrelay/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo constructs a BuildInfo from the linker-injected variables.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
