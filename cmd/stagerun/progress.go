package main

import (
	"fmt"
	"io"
	"time"

	"github.com/aristath/stagerun/internal/events"
)

// summary is what the CLI needs to know once a run is over.
type summary struct {
	Run       string
	Failed    []string
	Cancelled bool
	Finished  bool
}

// printProgress writes a line per event to w until sub is closed, then
// sends the summary of the last run it saw. Output lines are skipped when
// quiet is set.
func printProgress(w io.Writer, sub <-chan events.Event, quiet bool) <-chan summary {
	out := make(chan summary, 1)

	go func() {
		var (
			s      summary
			groups int
		)
		for ev := range sub {
			switch e := ev.(type) {
			case events.RunStartedEvent:
				s = summary{Run: e.Run}
				groups = e.Groups
				fmt.Fprintf(w, "Starting run %s: %d groups, %d tasks\n", e.Run, e.Groups, e.Tasks)
			case events.GroupStartedEvent:
				fmt.Fprintf(w, "Group %d/%d [%s]: %v\n", e.Index+1, groups, e.Key, e.Tasks)
			case events.TaskStartedEvent:
				fmt.Fprintf(w, "[%s] $ %s\n", e.Name, e.Command)
			case events.TaskOutputEvent:
				if !quiet {
					fmt.Fprintf(w, "[%s] %s\n", e.Name, e.Line)
				}
			case events.TaskFinishedEvent:
				switch {
				case e.Cancelled:
					fmt.Fprintf(w, "[%s] cancelled\n", e.Name)
				case e.Err != nil:
					if e.Run == s.Run {
						s.Failed = append(s.Failed, e.Name)
					}
					fmt.Fprintf(w, "[%s] failed: %v\n", e.Name, e.Err)
				default:
					fmt.Fprintf(w, "[%s] finished in %s\n", e.Name, e.Duration.Round(time.Millisecond))
				}
			case events.RunFinishedEvent:
				if e.Run == s.Run {
					s.Finished = true
				}
				fmt.Fprintf(w, "Run finished in %s\n", e.Duration.Round(time.Millisecond))
			case events.RunCancelledEvent:
				if e.Run == s.Run {
					s.Cancelled = true
				}
				fmt.Fprintf(w, "Run cancelled, %d tasks dropped\n", e.Remaining)
			case events.PathDeletedEvent:
				fmt.Fprintf(w, "Removed %s\n", e.Path)
			case events.PathDeleteFailedEvent:
				fmt.Fprintf(w, "Could not remove %s after %d attempts: %v\n", e.Path, e.Attempts, e.Err)
			}
		}
		out <- s
	}()

	return out
}
