package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tinybox/image"
)

// 把一个目录打包成镜像
var buildCommand = cli.Command{
	Name:      "build",
	Usage:     "build an image from a directory",
	ArgsUsage: "<dir> <name>[:<tag>]",
	Action: func(context *cli.Context) error {
		if len(context.Args()) < 2 {
			return fmt.Errorf("missing directory or image reference")
		}
		dir := context.Args().Get(0)
		ref := context.Args().Get(1)
		img, err := image.NewStore("").Build(dir, ref)
		if err != nil {
			return fmt.Errorf("build image %s error: %v", ref, err)
		}
		log.Infof("built image %s:%s size %d", img.Name, img.Tag, img.Size)
		return nil
	},
}
