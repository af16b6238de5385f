package version

import "fmt"

// These variables will be injected at build time via ldflags
var (
	Version          = "dev"       // semantic version (e.g., v1.2.3)
	GitCommit        = "unknown"   // git commit hash
	BuildDate        = "unknown"   // build timestamp
	ComponentName    = "timelined" // binary name
	ComponentVersion = "0.0.0"     // per-component SemVer (e.g., 1.7.3)
)

// Info represents version information for a service
type Info struct {
	Version          string `json:"version"`
	GitCommit        string `json:"git_commit"`
	BuildDate        string `json:"build_date"`
	ComponentName    string `json:"component_name,omitempty"`
	ComponentVersion string `json:"component_version,omitempty"`
}

// GetInfo returns version information as a struct
func GetInfo() Info {
	return Info{
		Version:          Version,
		GitCommit:        GitCommit,
		BuildDate:        BuildDate,
		ComponentName:    ComponentName,
		ComponentVersion: ComponentVersion,
	}
}

// String renders the info on one line, e.g. for a version command.
func (i Info) String() string {
	commit := i.GitCommit
	if len(commit) >= 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s %s (commit %s, built %s)", i.ComponentName, i.Version, commit, i.BuildDate)
}

// GetShortCommit returns the short git commit hash (first 7 characters)
func GetShortCommit() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}
