package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/aristath/stagerun/internal/cleanup"
)

func cleanCommand() *cli.Command {
	return &cli.Command{
		Name:      "clean",
		Usage:     "Remove paths, retrying while another process holds them",
		ArgsUsage: "PATH...",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "pipeline",
				Aliases: []string{"p"},
				Usage:   "Also remove the temp paths of this pipeline file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}

			paths := c.Args().Slice()
			for _, file := range c.StringSlice("pipeline") {
				p, err := loadPipeline(file)
				if err != nil {
					return err
				}
				paths = append(paths, p.TempPaths()...)
			}
			if len(paths) == 0 {
				return cli.Exit("nothing to clean", 2)
			}

			attempts, interval := cfg.Retry()
			svc := cleanup.New(cleanup.WithRetry(attempts, interval), cleanup.WithLogger(logger))
			svc.MarkForDeletion(paths...)
			report := svc.Drain(c.Context)

			w := c.App.Writer
			for _, p := range report.Deleted {
				fmt.Fprintf(w, "Removed %s\n", p)
			}
			for _, p := range report.Missing {
				fmt.Fprintf(w, "Already gone %s\n", p)
			}
			if err := report.Err(); err != nil {
				return cli.Exit(fmt.Sprintf("%d path(s) could not be removed: %v", report.Failed(), err), 1)
			}
			return nil
		},
	}
}
