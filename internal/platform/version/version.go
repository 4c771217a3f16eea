package version

import "runtime"

// Build information, injected via ldflags at build time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Get returns the build information of this binary, tagged with the instance
// it is running as.
func Get(instanceID string) Info {
	return Info{
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		InstanceID: instanceID,
	}
}
