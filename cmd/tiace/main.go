package main

import (
	"os"

	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "tiace"
	app.Usage = "aggregate, correlate and export threat intelligence"
	app.Version = version
	app.Flags = globalFlags()
	app.Commands = commands()

	if err := app.Run(os.Args); err != nil {
		// ExitCoders are handled by the framework; anything else is a failure
		os.Exit(exitFailure)
	}
}
