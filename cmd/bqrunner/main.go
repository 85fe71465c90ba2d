package main

import (
	"os"

	"github.com/stanstork/bqrunner/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
