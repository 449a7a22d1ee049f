package engine

import (
	"context"
	"strings"
)

// Sequential is the reserved group key that forces a task into its own group.
const Sequential = "sequential"

// Action runs one external command to completion.
// A non-nil error means the command failed; the engine only reports it.
type Action func(ctx context.Context) error

// Task is one pipeline step handed to the engine by its caller.
type Task struct {
	Name    string // Human-readable name
	Command string // Rendered command line, used for diagnostics only
	Group   string // Sequential, "" or a parallel cohort key
	Action  Action
}

// isSequential reports whether the task must run in a group of its own.
func (t Task) isSequential() bool {
	return t.Group == "" || t.Group == Sequential
}

// Group is a batch of tasks executed together. A group built from a
// sequential or empty key always holds exactly one task.
type Group struct {
	Key   string
	Tasks []Task
}

// Len returns the number of tasks in the group.
func (g Group) Len() int {
	return len(g.Tasks)
}

// Names returns the task names in group order.
func (g Group) Names() []string {
	names := make([]string, len(g.Tasks))
	for i, t := range g.Tasks {
		names[i] = t.Name
	}
	return names
}

// describe renders the group the way it is written to the debug log.
func (g Group) describe() string {
	if g.Len() == 1 {
		t := g.Tasks[0]
		return "[" + t.Name + "] " + t.Command
	}
	cmds := make([]string, len(g.Tasks))
	for i, t := range g.Tasks {
		cmds[i] = t.Command
	}
	return "[" + g.Key + "] commands:\n\t" + strings.Join(cmds, "\n\t")
}

type scopeKey struct{}

// Scope identifies the run and task an action is executing for.
type Scope struct {
	Run  string
	Task string
}

func withScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope the engine attached to an action's context.
// The second result is false outside of engine execution.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}
