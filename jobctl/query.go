package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/schedcore/proctrack/jobapi"
)

var pidFlag = cli.IntFlag{
	Name:  "pid",
	Usage: "process id",
}

var pidsCommand = cli.Command{
	Name:  "pids",
	Usage: "list the member pids of a container",
	Flags: []cli.Flag{idFlag},
	Action: func(context *cli.Context) error {
		tracker, err := loadTracker(context)
		if err != nil {
			fatal(err)
		}
		defer tracker.Close()
		pids, err := tracker.PIDs(jobapi.ID(context.Uint64("id")))
		if err != nil {
			fatal(err)
		}
		for _, pid := range pids {
			fmt.Println(pid)
		}
		return nil
	},
}

var findCommand = cli.Command{
	Name:  "find",
	Usage: "print the container id holding a pid, 0x00000000 if none",
	Flags: []cli.Flag{pidFlag},
	Action: func(context *cli.Context) error {
		tracker, err := loadTracker(context)
		if err != nil {
			fatal(err)
		}
		defer tracker.Close()
		fmt.Printf("0x%08x\n", uint64(tracker.Find(context.Int("pid"))))
		return nil
	},
}

var hasPidCommand = cli.Command{
	Name:  "has-pid",
	Usage: "report whether a pid is a member of a container",
	Flags: []cli.Flag{idFlag, pidFlag},
	Action: func(context *cli.Context) error {
		tracker, err := loadTracker(context)
		if err != nil {
			fatal(err)
		}
		defer tracker.Close()
		fmt.Println(tracker.HasPID(jobapi.ID(context.Uint64("id")), context.Int("pid")))
		return nil
	},
}
