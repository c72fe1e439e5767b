// package main: ledgerfeed service
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "get configuration from json `FILE`",
		},
	}

	return &cli.App{
		Name:  "ledgerfeed",
		Usage: "real-time ledger synchronization and client fan-out",
		Flags: append(flags, metricsFlag),
		// serve is the default command
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "connect to the ledger network and serve client sessions",
				Flags:  append(flags, metricsFlag),
				Action: serve,
			},
			{
				Name:   "config",
				Usage:  "print the effective configuration and exit",
				Flags:  flags,
				Action: printConfig,
			},
		},
	}
}

var metricsFlag = &cli.BoolFlag{
	Name:    "metrics",
	Aliases: []string{"m"},
	Usage:   "serve Prometheus metrics at :<metricsport>/metrics",
}
