package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/aristath/stagerun/internal/journal"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show recorded runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "run",
				Usage: "Show the events of one run",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of runs to list",
				Value:   20,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, _, err := setup(c)
			if err != nil {
				return err
			}
			path, err := journalPath(cfg)
			if err != nil {
				return err
			}

			store, err := journal.NewSQLiteStore(c.Context, path)
			if err != nil {
				return fmt.Errorf("opening journal: %w", err)
			}
			defer store.Close()

			if id := c.String("run"); id != "" {
				return showRun(c, store, id)
			}
			return listRuns(c, store, c.Int("limit"))
		},
	}
}

func listRuns(c *cli.Context, store journal.Store, limit int) error {
	runs, err := store.ListRuns(c.Context, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(c.App.Writer, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATUS\tTASKS\tFAILED\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Pipeline, r.Status, r.Tasks, r.Failed,
			r.StartedAt.Local().Format(time.DateTime), runDuration(r))
	}
	return tw.Flush()
}

func showRun(c *cli.Context, store journal.Store, id string) error {
	run, err := store.GetRun(c.Context, id)
	if err != nil {
		return err
	}
	entries, err := store.RunEvents(c.Context, id)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Run %s (%s): %s, %d groups, %d tasks, %d failed, %s\n",
		run.ID, run.Pipeline, run.Status, run.Groups, run.Tasks, run.Failed, runDuration(*run))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.At.Local().Format(time.TimeOnly), e.Kind, e.Task, e.Detail)
	}
	return tw.Flush()
}

func runDuration(r journal.RunRecord) string {
	if r.FinishedAt.IsZero() {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
