// Package pipeline reads pipeline files and turns their steps into engine
// tasks.
//
// A pipeline file is JSON:
//
//	{
//	  "name": "dda-search",
//	  "steps": [
//	    {"name": "convert", "command": "msconvert raw/a.raw -o work"},
//	    {"name": "search-a", "command": "comet work/a.mzML", "group": "search", "depends_on": ["convert"]},
//	    {"name": "search-b", "command": "comet work/b.mzML", "group": "search", "depends_on": ["convert"]},
//	    {"name": "report", "command": "report work", "temp": ["work"]}
//	  ]
//	}
//
// Steps run in file order. Consecutive steps sharing a group name run
// together; a step without a group (or with group "sequential") runs alone.
package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/shlex"

	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/proc"
)

// Step is one command line in a pipeline.
type Step struct {
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Group     string            `json:"group,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Outputs   []string          `json:"outputs,omitempty"` // Files this step writes
	Temp      []string          `json:"temp,omitempty"`    // Paths removed by a cleanup drain
}

// Pipeline is a named, ordered list of steps.
type Pipeline struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`

	base string // Directory relative paths resolve against
}

// Load reads and parses the pipeline file at path. Relative step
// directories and temp paths are resolved against the file's directory.
func Load(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipeline file: %w", err)
	}
	defer f.Close()

	p, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pipeline directory: %w", err)
	}
	p.base = abs
	return p, nil
}

// Parse decodes a pipeline from r. Unknown fields are rejected.
func Parse(r io.Reader) (*Pipeline, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	return &p, nil
}

// Tasks converts the steps into engine tasks in file order, each running
// its command through l.
func (p *Pipeline) Tasks(l *proc.Launcher) ([]engine.Task, error) {
	tasks := make([]engine.Task, 0, len(p.Steps))
	for _, s := range p.Steps {
		argv, err := shlex.Split(s.Command)
		if err != nil {
			return nil, fmt.Errorf("step %q: failed to split command: %w", s.Name, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("step %q: empty command", s.Name)
		}

		tasks = append(tasks, engine.Task{
			Name:    s.Name,
			Command: s.Command,
			Group:   s.Group,
			Action: l.Command(s.Name, argv, proc.RunOptions{
				Dir: p.resolve(s.Dir),
				Env: envList(s.Env),
			}),
		})
	}
	return tasks, nil
}

// TempPaths returns every step's temp paths, resolved and in file order.
func (p *Pipeline) TempPaths() []string {
	var paths []string
	for _, s := range p.Steps {
		for _, t := range s.Temp {
			paths = append(paths, p.resolve(t))
		}
	}
	return paths
}

func (p *Pipeline) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || p.base == "" {
		return path
	}
	return filepath.Join(p.base, path)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + env[k]
	}
	return out
}
