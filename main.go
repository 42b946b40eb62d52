package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const usage = "tinybox is a minimal container runtime implementation"

func main() {
	app := cli.NewApp()
	app.Name = "tinybox"
	app.Version = "0.1"
	app.Usage = usage

	app.Commands = []cli.Command{
		initCommand,
		runCommand,
		buildCommand,
		imagesCommand,
		removeImageCommand,
	}

	app.Before = func(context *cli.Context) error {
		// 以 json 格式输出日志，走 stderr 以免和容器输出混在一起
		log.SetFormatter(&log.JSONFormatter{})
		log.SetOutput(os.Stderr)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
