package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/aristath/stagerun/internal/cleanup"
	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/events"
	"github.com/aristath/stagerun/internal/journal"
	"github.com/aristath/stagerun/internal/proc"
	"github.com/aristath/stagerun/internal/tui"
)

// Exit codes of the run command.
const (
	exitTaskFailed = 1
	exitCancelled  = 130
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a pipeline file",
		ArgsUsage: "PIPELINE.json",
		Description: `Validates the pipeline, then runs it. Ctrl+C (or x in the console)
cancels every running step, drops the rest of the queue and removes the
pipeline's temp paths.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "Show the interactive console",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Do not print step output",
			},
			&cli.BoolFlag{
				Name:  "keep-temp",
				Usage: "Leave temp paths in place after a completed run",
			},
			&cli.BoolFlag{
				Name:  "no-journal",
				Usage: "Do not record the run in the journal",
			},
			&cli.BoolFlag{
				Name:  "record-output",
				Usage: "Also record every output line in the journal",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("run expects exactly one pipeline file", 2)
	}

	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	p, err := loadPipeline(c.Args().First())
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	defer bus.Close()

	var recorder *journal.Recorder
	if !c.Bool("no-journal") {
		path, err := journalPath(cfg)
		if err != nil {
			return err
		}
		store, err := journal.NewSQLiteStore(c.Context, path)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer store.Close()

		recorder = journal.NewRecorder(store, bus,
			journal.WithPipeline(p.Name),
			journal.WithOutput(c.Bool("record-output")),
			journal.WithRecorderLogger(logger),
		)
		go recorder.Run(context.Background())
	}

	attempts, interval := cfg.Retry()
	cleaner := cleanup.New(
		cleanup.WithRetry(attempts, interval),
		cleanup.WithLogger(logger),
		cleanup.WithPublisher(bus),
	)
	launcher := proc.NewLauncher(
		proc.WithLogger(logger),
		proc.WithPublisher(bus),
		proc.WithBreaker(cfg.BreakerThreshold, 0),
		proc.WithTools(cfg.Tools),
		proc.WithEnv(envPairs(cfg.Env)),
	)
	eng := engine.New(cfg.Engine(),
		engine.WithLogger(logger),
		engine.WithPublisher(bus),
		engine.WithCleaner(cleaner),
	)
	defer eng.Close()
	logger.Debugf("Running %q with %d parallel workers", p.Name, eng.Parallelism())

	tasks, err := p.Tasks(launcher)
	if err != nil {
		return err
	}
	cleaner.MarkForDeletion(p.TempPaths()...)

	progressOut := c.App.Writer
	if c.Bool("tui") {
		progressOut = io.Discard
	}
	result := printProgress(progressOut, bus.SubscribeAll(4096), c.Bool("quiet"))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cancelled bool
	if c.Bool("tui") {
		cancelled, err = runConsole(ctx, stop, eng, bus, tasks, logger)
	} else {
		cancelled = runPlain(ctx, stop, eng, tasks)
	}
	if err != nil {
		return err
	}

	if !cancelled && !c.Bool("keep-temp") {
		cleaner.Drain(context.Background())
	}
	if n := launcher.Count(); n > 0 {
		logger.Warnf("%d child processes still running, killing them", n)
		if err := launcher.KillAll(); err != nil {
			logger.WithError(err).Warn("Failed to kill child processes")
		}
	}

	bus.Close()
	s := <-result
	if recorder != nil {
		select {
		case <-recorder.Done():
		case <-time.After(5 * time.Second):
			logger.Warn("Journal writer did not finish, some events may be missing")
		}
	}

	switch {
	case cancelled || s.Cancelled:
		return cli.Exit("run cancelled", exitCancelled)
	case len(s.Failed) > 0:
		return cli.Exit(fmt.Sprintf("%d step(s) failed: %s", len(s.Failed), strings.Join(s.Failed, ", ")), exitTaskFailed)
	}
	return nil
}

// runPlain submits tasks and waits for the run to end or for a signal.
func runPlain(ctx context.Context, stop context.CancelFunc, eng *engine.Engine, tasks []engine.Task) (cancelled bool) {
	run := eng.Submit(tasks)
	if run == nil {
		return false
	}

	select {
	case <-run.Done():
		return run.Cancelled()
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C exits at once.
		stop()
		eng.KillAll(context.Background())
		return true
	}
}

// runConsole runs the interactive console until the user quits it.
// Quitting before the run is over cancels the run.
func runConsole(ctx context.Context, stop context.CancelFunc, eng *engine.Engine, bus *events.EventBus, tasks []engine.Task, logger logrus.FieldLogger) (bool, error) {
	// The console subscribes in tui.New, so it must exist before Submit.
	program := tea.NewProgram(tui.New(bus, eng), tea.WithAltScreen())

	run := eng.Submit(tasks)
	if run == nil {
		return false, nil
	}

	errChan := make(chan error, 1)
	go func() {
		_, err := program.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		if err != nil {
			eng.KillAll(context.Background())
			return true, fmt.Errorf("console: %w", err)
		}
		if eng.Running() {
			eng.KillAll(context.Background())
			return true, nil
		}
		return run.Cancelled(), nil

	case <-ctx.Done():
		stop()
		logger.Info("Shutdown signal received, cleaning up...")
		eng.KillAll(context.Background())
		program.Quit()

		select {
		case err := <-errChan:
			if err != nil {
				logger.WithError(err).Warn("Console exit error")
			}
		case <-time.After(10 * time.Second):
			logger.Warn("Console did not exit in time")
		}
		return true, nil
	}
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}
