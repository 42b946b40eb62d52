package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli"

	"tinybox/image"
)

// 列出仓库里的所有镜像
var imagesCommand = cli.Command{
	Name:  "images",
	Usage: "list all images",
	Action: func(context *cli.Context) error {
		images, err := image.NewStore("").List()
		if err != nil {
			return fmt.Errorf("list images error: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
		fmt.Fprint(w, "NAME\tTAG\tCREATED\tSIZE\n")
		for _, img := range images {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", img.Name, img.Tag, img.CreatedTime, img.Size)
		}
		return w.Flush()
	},
}
