// Command stagerun runs multi-stage processing pipelines: steps run in
// order, consecutive steps sharing a group run in parallel.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/aristath/stagerun/internal/config"
	"github.com/aristath/stagerun/internal/logging"
)

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:  "stagerun",
		Usage: "Run multi-stage processing pipelines",
		Description: `Runs the steps of a pipeline file in order. Consecutive steps that share
a group run in parallel on up to NumCPU-1 workers; every other step runs
on its own. A failed step never stops the pipeline.

Configuration is read from ~/.stagerun/config.json and then
.stagerun/config.json (or the file given with --config).`,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Project config file, read after the global one",
				EnvVars: []string{"STAGERUN_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			cleanCommand(),
			historyCommand(),
			configCommand(),
		},
		// main turns errors into exit codes; never exit from inside Run.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// setup loads configuration and builds the logger for a command.
func setup(c *cli.Context) (*config.EngineConfig, *logrus.Logger, error) {
	var (
		cfg *config.EngineConfig
		err error
	)
	if path := c.String("config"); path != "" {
		dir, dirErr := config.DefaultDir()
		if dirErr != nil {
			return nil, nil, dirErr
		}
		cfg, err = config.Load(filepath.Join(dir, "config.json"), path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, nil, err
	}

	level := cfg.LogLevel
	if l := c.String("log-level"); l != "" {
		level = l
	}
	logger, err := logging.New(level, c.App.ErrWriter)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// journalPath returns the configured journal location or the default one.
func journalPath(cfg *config.EngineConfig) (string, error) {
	if cfg.JournalPath != "" {
		return cfg.JournalPath, nil
	}
	dir, err := config.DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "journal.db"), nil
}
