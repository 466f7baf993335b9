package main

import (
	"os"

	"github.com/menta2k/image-captioner/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
