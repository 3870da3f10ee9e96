package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/schedcore/proctrack/configs"
)

func main() {
	app := cli.NewApp()
	app.Name = "jobctl"
	app.Usage = "manage job step containers"
	app.Version = "1"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "root", Value: configs.DefaultContainerRoot, Usage: "root directory of the container hierarchy"},
		cli.StringFlag{Name: "config", Value: "", Usage: "path to a configuration file"},
		cli.BoolFlag{Name: "debug", Usage: "enable debug output in the logs"},
		cli.StringFlag{Name: "log-file", Value: "", Usage: "write logs to a file instead of stderr"},
	}
	app.Commands = []cli.Command{
		runCommand,
		signalCommand,
		waitCommand,
		destroyCommand,
		pidsCommand,
		findCommand,
		hasPidCommand,
	}
	app.Before = func(context *cli.Context) error {
		if context.GlobalBool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		if path := context.GlobalString("log-file"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			log.SetOutput(f)
		}
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
