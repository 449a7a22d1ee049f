package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/proc"
)

const searchPipeline = `{
  "name": "dda-search",
  "steps": [
    {"name": "convert", "command": "sh -c 'echo converted > a.mzML'", "dir": "work"},
    {"name": "search-a", "command": "sh -c 'cp a.mzML a.pep'", "group": "search", "depends_on": ["convert"], "dir": "work", "outputs": ["work/a.pep"]},
    {"name": "search-b", "command": "sh -c 'cp a.mzML b.pep'", "group": "search", "depends_on": ["convert"], "dir": "work", "outputs": ["work/b.pep"]},
    {"name": "report", "command": "sh -c \"cat a.pep b.pep > report.txt\"", "depends_on": ["search-a", "search-b"], "dir": "work", "temp": ["work/a.mzML"]}
  ]
}`

func writePipeline(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "work"), 0o755))
	path := filepath.Join(dir, "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadResolvesPathsAgainstFile(t *testing.T) {
	path := writePipeline(t, searchPipeline)

	p, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, "dda-search", p.Name)
	require.Len(t, p.Steps, 4)
	assert.Equal(t, []string{filepath.Join(filepath.Dir(path), "work", "a.mzML")}, p.TempPaths())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"name": "x", "stages": []}`))
	assert.ErrorContains(t, err, "unknown field")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  []string
	}{
		{
			name: "no steps",
			want: []string{"no steps"},
		},
		{
			name: "duplicate names",
			steps: []Step{
				{Name: "a", Command: "true"},
				{Name: "a", Command: "true"},
			},
			want: []string{`step "a" is defined more than once`},
		},
		{
			name: "missing name and command",
			steps: []Step{
				{Command: "true"},
				{Name: "b", Command: "   "},
			},
			want: []string{"step 1 has no name", `step "b" has no command`},
		},
		{
			name: "unknown dependency",
			steps: []Step{
				{Name: "a", Command: "true", DependsOn: []string{"ghost"}},
			},
			want: []string{`non-existent step "ghost"`},
		},
		{
			name: "cycle",
			steps: []Step{
				{Name: "a", Command: "true", DependsOn: []string{"b"}},
				{Name: "b", Command: "true", DependsOn: []string{"a"}},
			},
			want: []string{"dependency cycle"},
		},
		{
			name: "dependency listed later",
			steps: []Step{
				{Name: "a", Command: "true", DependsOn: []string{"b"}},
				{Name: "b", Command: "true"},
			},
			want: []string{`"b", which is listed after it`},
		},
		{
			name: "dependency inside the same group",
			steps: []Step{
				{Name: "a", Command: "true", Group: "x"},
				{Name: "b", Command: "true", Group: "x", DependsOn: []string{"a"}},
			},
			want: []string{`both run in group "x"`},
		},
		{
			name: "shared output within a group",
			steps: []Step{
				{Name: "a", Command: "true", Group: "x", Outputs: []string{"out.txt"}},
				{Name: "b", Command: "true", Group: "x", Outputs: []string{"out.txt"}},
			},
			want: []string{`"a" and "b" both write out.txt`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Pipeline{Name: tt.name, Steps: tt.steps}).Validate()
			require.Error(t, err)
			for _, want := range tt.want {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestValidateAcceptsSameKeyInSeparateCohorts(t *testing.T) {
	p := &Pipeline{Steps: []Step{
		{Name: "a", Command: "true", Group: "x", Outputs: []string{"out.txt"}},
		{Name: "gap", Command: "true"},
		{Name: "b", Command: "true", Group: "x", DependsOn: []string{"a"}, Outputs: []string{"out.txt"}},
	}}
	assert.NoError(t, p.Validate())
}

func TestTasksSplitCommands(t *testing.T) {
	p := &Pipeline{Steps: []Step{
		{Name: "quoted", Command: `sh -c "echo 'a b'"`, Group: "x"},
	}}
	logger, _ := test.NewNullLogger()

	tasks, err := p.Tasks(proc.NewLauncher(proc.WithLogger(logger)))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "quoted", tasks[0].Name)
	assert.Equal(t, "x", tasks[0].Group)
	assert.Equal(t, `sh -c "echo 'a b'"`, tasks[0].Command)
	assert.NotNil(t, tasks[0].Action)

	_, err = (&Pipeline{Steps: []Step{{Name: "bad", Command: `echo "unterminated`}}}).Tasks(proc.NewLauncher())
	assert.Error(t, err)
}

func TestEnvListIsSorted(t *testing.T) {
	assert.Nil(t, envList(nil))
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
}

func TestPipelineRunsThroughEngine(t *testing.T) {
	path := writePipeline(t, searchPipeline)
	p, err := Load(path)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	tasks, err := p.Tasks(proc.NewLauncher(proc.WithLogger(logger)))
	require.NoError(t, err)

	e := engine.New(engine.Config{Parallelism: 2}, engine.WithLogger(logger))
	defer e.Close()

	run := e.Submit(tasks)
	require.NotNil(t, run)
	assert.Equal(t, 3, run.Groups)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))

	report, err := os.ReadFile(filepath.Join(filepath.Dir(path), "work", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "converted\nconverted\n", string(report))
}
