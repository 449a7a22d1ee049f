package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/pipeline"
	"github.com/aristath/stagerun/internal/proc"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a pipeline file without running it",
		ArgsUsage: "PIPELINE.json",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("validate expects exactly one pipeline file", 2)
			}

			p, err := loadPipeline(c.Args().First())
			if err != nil {
				return err
			}

			tasks, err := p.Tasks(proc.NewLauncher())
			if err != nil {
				return err
			}

			w := c.App.Writer
			groups := engine.Partition(tasks)
			fmt.Fprintf(w, "Pipeline %q is valid: %d steps in %d groups\n", p.Name, len(tasks), len(groups))
			for i, g := range groups {
				if g.Len() == 1 {
					fmt.Fprintf(w, "  %d. %s\n", i+1, g.Tasks[0].Name)
					continue
				}
				fmt.Fprintf(w, "  %d. [%s] %v (parallel)\n", i+1, g.Key, g.Names())
			}
			if temp := p.TempPaths(); len(temp) > 0 {
				fmt.Fprintf(w, "Temp paths: %v\n", temp)
			}
			return nil
		},
	}
}

// loadPipeline reads and validates a pipeline file.
func loadPipeline(path string) (*pipeline.Pipeline, error) {
	p, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	return p, nil
}
