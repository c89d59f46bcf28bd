package main

import (
	"os"

	"github.com/spiderbutter/spiderbutter/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
