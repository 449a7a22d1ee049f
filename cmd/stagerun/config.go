package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/aristath/stagerun/internal/config"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration",
		Description: `Prints the configuration after defaults, the global file and the
project file have been merged. With --save the result is also written to
the given file, which is a convenient way to start a project config.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "save",
				Usage: "Write the effective configuration to this file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, _, err := setup(c)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, string(data))

			if path := c.String("save"); path != "" {
				if err := config.Save(cfg, path); err != nil {
					return err
				}
				fmt.Fprintf(c.App.ErrWriter, "Saved to %s\n", path)
			}
			return nil
		},
	}
}
