package engine

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(name, group string) Task {
	return Task{Name: name, Command: "run " + name, Group: group}
}

func groupNames(groups []Group) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = g.Names()
	}
	return out
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		tasks []Task
		want  [][]string
	}{
		{
			name:  "empty input",
			tasks: nil,
			want:  [][]string{},
		},
		{
			name: "sequential around a parallel cohort",
			tasks: []Task{
				task("A", Sequential), task("B", "x"), task("C", "x"), task("D", Sequential),
			},
			want: [][]string{{"A"}, {"B", "C"}, {"D"}},
		},
		{
			name:  "empty key is sequential",
			tasks: []Task{task("A", ""), task("B", ""), task("C", "")},
			want:  [][]string{{"A"}, {"B"}, {"C"}},
		},
		{
			name: "sequential task breaks a cohort",
			tasks: []Task{
				task("A", "x"), task("B", "x"), task("C", Sequential), task("D", "x"),
			},
			want: [][]string{{"A", "B"}, {"C"}, {"D"}},
		},
		{
			name:  "only consecutive keys merge",
			tasks: []Task{task("A", "x"), task("B", "y"), task("C", "x")},
			want:  [][]string{{"A"}, {"B"}, {"C"}},
		},
		{
			name:  "single parallel task",
			tasks: []Task{task("A", "x")},
			want:  [][]string{{"A"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := groupNames(Partition(tt.tasks))
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartitionSingletonsAreSequentialGroups(t *testing.T) {
	groups := Partition([]Task{task("A", ""), task("B", Sequential)})
	require.Len(t, groups, 2)
	for _, g := range groups {
		assert.Equal(t, Sequential, g.Key)
		assert.Equal(t, 1, g.Len())
	}
}

// expectedGroups counts maximal runs of equal parallel keys plus one per
// sequential task.
func expectedGroups(tasks []Task) int {
	n := 0
	prev := ""
	for _, t := range tasks {
		if t.isSequential() {
			n++
			prev = ""
			continue
		}
		if t.Group != prev {
			n++
		}
		prev = t.Group
	}
	return n
}

func TestPartitionProperties(t *testing.T) {
	keys := []string{"", Sequential, "x", "y", "z"}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		tasks := make([]Task, rng.Intn(20))
		for j := range tasks {
			tasks[j] = task(fmt.Sprintf("t%d", j), keys[rng.Intn(len(keys))])
		}

		groups := Partition(tasks)
		require.Equal(t, expectedGroups(tasks), len(groups), "tasks: %+v", tasks)

		var flat []string
		for _, g := range groups {
			require.NotZero(t, g.Len())
			if g.Key == Sequential {
				require.Equal(t, 1, g.Len())
			}
			for _, member := range g.Tasks {
				if !member.isSequential() {
					require.Equal(t, g.Key, member.Group)
				}
				flat = append(flat, member.Name)
			}
		}
		want := make([]string, len(tasks))
		for j, tk := range tasks {
			want[j] = tk.Name
		}
		if len(want) == 0 {
			require.Empty(t, flat)
			continue
		}
		require.Equal(t, want, flat, "order must be preserved")
	}
}

func TestQueue(t *testing.T) {
	q := NewQueue([]Task{
		task("A", Sequential), task("B", "x"), task("C", "x"), task("D", Sequential),
	})

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 4, q.Pending())

	g, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, g.Names())
	assert.Equal(t, 3, q.Pending())

	q.Push(Group{Key: "late", Tasks: []Task{task("E", "late")}})
	assert.Equal(t, 3, q.Len())

	q.Clear()
	assert.Zero(t, q.Len())
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestGroupDescribe(t *testing.T) {
	single := Group{Key: Sequential, Tasks: []Task{task("A", "")}}
	assert.Equal(t, "[A] run A", single.describe())

	cohort := Group{Key: "x", Tasks: []Task{task("B", "x"), task("C", "x")}}
	assert.Equal(t, "[x] commands:\n\trun B\n\trun C", cohort.describe())
}
