package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tinybox/image"
)

// 删除镜像
var removeImageCommand = cli.Command{
	Name:      "rmi",
	Usage:     "remove an image",
	ArgsUsage: "<name>[:<tag>]",
	Action: func(context *cli.Context) error {
		if len(context.Args()) < 1 {
			return fmt.Errorf("missing image reference")
		}
		ref := context.Args().Get(0)
		if err := image.NewStore("").Remove(ref); err != nil {
			return fmt.Errorf("remove image %s error: %v", ref, err)
		}
		log.Infof("removed image %s", ref)
		return nil
	},
}
