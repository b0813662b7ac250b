package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const version = "0.2.0"

func main() {
	app := &cli.App{
		Name:    "scuffedchat",
		Usage:   "Realtime notifications and private messaging for one ScuffedChat account",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"SCUFFEDCHAT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			initConfigCommand(),
			addProfileCommand(),
			friendRequestCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
