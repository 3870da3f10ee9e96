package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/schedcore/proctrack"
	"github.com/schedcore/proctrack/cgroups"
	"github.com/schedcore/proctrack/configs"
)

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// loadConfig reads the config file named on the command line, or
// builds a default config with the runtime flags applied.
func loadConfig(context *cli.Context) (*configs.Config, error) {
	config := configs.Default()
	if path := context.GlobalString("config"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(config); err != nil {
			return nil, err
		}
	}
	if root := context.GlobalString("root"); root != "" {
		config.ContainerRoot = root
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadTracker builds the manager over the cgroup backend for the
// configured hierarchy root.
func loadTracker(context *cli.Context) (*proctrack.Manager, error) {
	config, err := loadConfig(context)
	if err != nil {
		return nil, err
	}
	backend, err := cgroups.New(config.ContainerRoot)
	if err != nil {
		return nil, err
	}
	opts := []proctrack.Option{
		proctrack.WithProcRoot(config.ProcRoot),
		proctrack.WithPIDSlack(config.PIDSlack),
	}
	if config.Forked {
		opts = append(opts, proctrack.WithForkedProcesses())
	}
	return proctrack.New(backend, opts...), nil
}
