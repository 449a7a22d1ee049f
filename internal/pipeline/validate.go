package pipeline

import (
	"errors"
	"fmt"

	"github.com/gammazero/toposort"
	"github.com/google/shlex"
	"github.com/hashicorp/go-multierror"

	"github.com/aristath/stagerun/internal/engine"
)

// ErrCycle is wrapped by Validate when step dependencies form a cycle.
var ErrCycle = errors.New("dependency cycle")

// Validate checks that the pipeline can run as written: step names are
// unique, commands parse, dependencies exist, form no cycle, and each
// dependency finishes before its dependent starts. Steps that run together
// must not write the same output file.
//
// All problems found are returned together.
func (p *Pipeline) Validate() error {
	var result *multierror.Error

	if len(p.Steps) == 0 {
		result = multierror.Append(result, errors.New("pipeline has no steps"))
	}

	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			result = multierror.Append(result, fmt.Errorf("step %d has no name", i+1))
			continue
		}
		if _, dup := index[s.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("step %q is defined more than once", s.Name))
			continue
		}
		index[s.Name] = i

		if argv, err := shlex.Split(s.Command); err != nil {
			result = multierror.Append(result, fmt.Errorf("step %q: malformed command: %w", s.Name, err))
		} else if len(argv) == 0 {
			result = multierror.Append(result, fmt.Errorf("step %q has no command", s.Name))
		}
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				result = multierror.Append(result, fmt.Errorf("step %q depends on non-existent step %q", s.Name, dep))
			}
		}
	}
	if result.ErrorOrNil() != nil {
		return result.ErrorOrNil()
	}

	if err := p.checkCycles(); err != nil {
		return err
	}

	groupOf := p.groupIndex()
	for i, s := range p.Steps {
		for _, dep := range s.DependsOn {
			switch j := index[dep]; {
			case j > i:
				result = multierror.Append(result, fmt.Errorf("step %q depends on %q, which is listed after it", s.Name, dep))
			case groupOf[j] == groupOf[i]:
				result = multierror.Append(result, fmt.Errorf("step %q depends on %q, but both run in group %q", s.Name, dep, s.Group))
			}
		}
	}

	result = multierror.Append(result, p.checkOutputs(groupOf)...)
	return result.ErrorOrNil()
}

// checkCycles topologically sorts the dependency graph.
func (p *Pipeline) checkCycles() error {
	var edges []toposort.Edge
	for _, s := range p.Steps {
		if len(s.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, s.Name})
			continue
		}
		for _, dep := range s.DependsOn {
			edges = append(edges, toposort.Edge{dep, s.Name})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}
	return nil
}

// groupIndex maps each step position to the engine group it runs in.
func (p *Pipeline) groupIndex() []int {
	tasks := make([]engine.Task, len(p.Steps))
	for i, s := range p.Steps {
		tasks[i] = engine.Task{Name: s.Name, Command: s.Command, Group: s.Group}
	}

	out := make([]int, 0, len(p.Steps))
	for g, group := range engine.Partition(tasks) {
		for range group.Tasks {
			out = append(out, g)
		}
	}
	return out
}

// checkOutputs reports files written by more than one step of the same group.
func (p *Pipeline) checkOutputs(groupOf []int) []error {
	type owner struct {
		group int
		step  string
	}

	var errs []error
	writers := make(map[string]owner)
	for i, s := range p.Steps {
		for _, out := range s.Outputs {
			path := p.resolve(out)
			prev, seen := writers[path]
			if seen && prev.group == groupOf[i] {
				errs = append(errs, fmt.Errorf("steps %q and %q both write %s in the same group", prev.step, s.Name, out))
				continue
			}
			writers[path] = owner{group: groupOf[i], step: s.Name}
		}
	}
	return errs
}
