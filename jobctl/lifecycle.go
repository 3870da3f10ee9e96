package main

import (
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/schedcore/proctrack/jobapi"
)

var idFlag = cli.Uint64Flag{
	Name:  "id",
	Usage: "container id",
}

var signalCommand = cli.Command{
	Name:  "signal",
	Usage: "deliver a signal to every member of a container",
	Flags: []cli.Flag{
		idFlag,
		cli.IntFlag{Name: "sig", Value: int(unix.SIGTERM), Usage: "signal number to deliver"},
	},
	Action: func(context *cli.Context) error {
		tracker, err := loadTracker(context)
		if err != nil {
			fatal(err)
		}
		defer tracker.Close()
		id := jobapi.ID(context.Uint64("id"))
		if err := tracker.Signal(id, unix.Signal(context.Int("sig"))); err != nil {
			fatal(err)
		}
		return nil
	},
}

var waitCommand = cli.Command{
	Name:  "wait",
	Usage: "block until a container has no members left",
	Flags: []cli.Flag{idFlag},
	Action: func(context *cli.Context) error {
		tracker, err := loadTracker(context)
		if err != nil {
			fatal(err)
		}
		defer tracker.Close()
		if err := tracker.Wait(jobapi.ID(context.Uint64("id"))); err != nil {
			fatal(err)
		}
		return nil
	},
}

var destroyCommand = cli.Command{
	Name:  "destroy",
	Usage: "reclaim a container",
	Flags: []cli.Flag{idFlag},
	Action: func(context *cli.Context) error {
		tracker, err := loadTracker(context)
		if err != nil {
			fatal(err)
		}
		defer tracker.Close()
		return tracker.Destroy(jobapi.ID(context.Uint64("id")))
	},
}
