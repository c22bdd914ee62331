// Package deps reports availability of the external tools the pipeline
// shells out to.
package deps

import (
	"os/exec"

	"github.com/dar-k-dev/vidharvest/internal/config"
)

// DependencyStatus describes one external tool requirement.
type DependencyStatus struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	Optional  bool   `json:"optional"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

// Check probes the configured external binaries on PATH.
func Check(cfg *config.Config) []DependencyStatus {
	checks := []DependencyStatus{
		{Name: "extraction tool", Command: cfg.Fetch.Binary},
		{Name: "transcoder", Command: cfg.Enhance.Binary, Optional: true},
		{Name: "media probe", Command: "ffprobe", Optional: true},
	}
	for i := range checks {
		path, err := exec.LookPath(checks[i].Command)
		if err != nil {
			checks[i].Detail = "not found on PATH"
			continue
		}
		checks[i].Available = true
		checks[i].Detail = path
	}
	return checks
}

// Healthy reports whether every required dependency is available.
func Healthy(statuses []DependencyStatus) bool {
	for _, status := range statuses {
		if !status.Optional && !status.Available {
			return false
		}
	}
	return true
}
