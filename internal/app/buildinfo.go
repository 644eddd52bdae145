package app

// Build information, set with -ldflags -X at release time.
var (
	BuildVersion = "0.0.0-dev"
	BuildCommit  = "unknown"
	BuildDate    = "unknown"
)

// BuildInfo is reported alongside engine status.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func buildInfo() BuildInfo {
	return BuildInfo{Version: BuildVersion, Commit: BuildCommit, Date: BuildDate}
}
