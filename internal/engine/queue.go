package engine

// Partition splits an ordered task list into task groups.
// Consecutive tasks sharing a parallel key are merged; a sequential or
// empty-key task always forms a singleton and ends any merge in progress.
func Partition(tasks []Task) []Group {
	var groups []Group
	var cur *Group

	for _, t := range tasks {
		if t.isSequential() {
			cur = nil
			groups = append(groups, Group{Key: Sequential, Tasks: []Task{t}})
			continue
		}
		if cur != nil && cur.Key == t.Group {
			cur.Tasks = append(cur.Tasks, t)
			continue
		}
		groups = append(groups, Group{Key: t.Group, Tasks: []Task{t}})
		cur = &groups[len(groups)-1]
	}

	return groups
}

// Queue is the FIFO run queue of task groups. It is not safe for concurrent
// use; the engine guards it with its own mutex.
type Queue struct {
	groups []Group
}

// NewQueue partitions tasks and returns the resulting queue.
func NewQueue(tasks []Task) *Queue {
	return &Queue{groups: Partition(tasks)}
}

// Push appends a group at the tail.
func (q *Queue) Push(g Group) {
	q.groups = append(q.groups, g)
}

// Pop removes and returns the head group.
func (q *Queue) Pop() (Group, bool) {
	if len(q.groups) == 0 {
		return Group{}, false
	}
	g := q.groups[0]
	q.groups[0] = Group{}
	q.groups = q.groups[1:]
	return g, true
}

// Len returns the number of queued groups.
func (q *Queue) Len() int {
	return len(q.groups)
}

// Pending returns the number of tasks across all queued groups.
func (q *Queue) Pending() int {
	n := 0
	for _, g := range q.groups {
		n += g.Len()
	}
	return n
}

// Clear drops every queued group.
func (q *Queue) Clear() {
	q.groups = nil
}
