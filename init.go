package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tinybox/container"
)

// init 进程失败的退出码，父进程据此区分“没起来”和
// “起来了但命令非零退出”
const exitCodeInitFailure = 126

// 容器 init 进程的入口，只在容器 namespace 里由父进程调用
var initCommand = cli.Command{
	Name:   "init",
	Usage:  "init container process (internal use only)",
	Hidden: true,
	Action: func(context *cli.Context) error {
		if err := container.RunContainerInitProcess(); err != nil {
			log.Errorf("init container process error %v", err)
			os.Exit(exitCodeInitFailure)
		}
		return nil
	},
}
