package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/schedcore/proctrack"
	"github.com/schedcore/proctrack/jobapi"
)

var runCommand = cli.Command{
	Name:  "run",
	Usage: "run a command inside a new job container",
	Flags: []cli.Flag{
		cli.UintFlag{Name: "job", Usage: "job id"},
		cli.UintFlag{Name: "step", Usage: "step id"},
		cli.UintFlag{Name: "uid", Value: uint(os.Getuid()), Usage: "uid owning the container"},
	},
	Action: func(context *cli.Context) error {
		if len(context.Args()) == 0 {
			return errors.New("run: no command given")
		}
		status, err := runStep(context)
		if err != nil {
			fatal(err)
		}
		os.Exit(status)
		return nil
	},
}

func runStep(context *cli.Context) (int, error) {
	tracker, err := loadTracker(context)
	if err != nil {
		return -1, err
	}
	defer tracker.Close()

	step := &proctrack.Step{
		UID:    uint32(context.Uint("uid")),
		JobID:  uint32(context.Uint("job")),
		StepID: uint32(context.Uint("step")),
	}
	if err := tracker.Create(step); err != nil {
		return -1, err
	}
	if step.ContainerID == jobapi.Invalid {
		return -1, errors.New("container creation failed")
	}

	args := context.Args()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return -1, err
	}
	if err := tracker.Attach(step, cmd.Process.Pid); err != nil {
		if kerr := cmd.Process.Kill(); kerr != nil {
			log.Warn(kerr)
		}
		cmd.Wait()
		return -1, err
	}
	fmt.Printf("container 0x%08x\n", uint64(step.ContainerID))

	werr := cmd.Wait()
	if err := tracker.Wait(step.ContainerID); err != nil {
		log.Warn(err)
	}
	tracker.Destroy(step.ContainerID)

	if werr != nil {
		exitError, ok := werr.(*exec.ExitError)
		if !ok {
			return -1, werr
		}
		return exitError.Sys().(syscall.WaitStatus).ExitStatus(), nil
	}
	return 0, nil
}
