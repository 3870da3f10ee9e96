// Package configs holds the runtime configuration of the process
// tracker.
package configs

import (
	"errors"
	"fmt"
)

const (
	// DefaultContainerRoot is where container directories live unless
	// configured otherwise. The hierarchy is bookkeeping owned by the
	// tracker, so it lives under the run state dir, not under a
	// kernel-managed mount.
	DefaultContainerRoot = "/var/run/proctrack"

	// DefaultProcRoot is the proc mount carrying the per-pid
	// application marker files.
	DefaultProcRoot = "/proc"

	// DefaultPIDSlack is the extra room reserved when listing a
	// container's members.
	DefaultPIDSlack = 128
)

// Config configures a tracker instance.
type Config struct {
	// ContainerRoot is the root of the container hierarchy.
	ContainerRoot string `json:"container_root"`

	// ProcRoot is the proc filesystem mount point.
	ProcRoot string `json:"proc_root"`

	// PIDSlack bounds the count-to-list shrink race during member
	// enumeration.
	PIDSlack int `json:"pid_slack"`

	// Forked means step processes inherit container membership from
	// their parent, so no creation worker thread is needed.
	Forked bool `json:"forked"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		ContainerRoot: DefaultContainerRoot,
		ProcRoot:   DefaultProcRoot,
		PIDSlack:   DefaultPIDSlack,
	}
}

// Validate checks the config for values the tracker cannot run with.
func (c *Config) Validate() error {
	if c.ContainerRoot == "" {
		return errors.New("container_root must not be empty")
	}
	if c.ProcRoot == "" {
		return errors.New("proc_root must not be empty")
	}
	if c.PIDSlack < 0 {
		return fmt.Errorf("pid_slack must not be negative, got %d", c.PIDSlack)
	}
	return nil
}
