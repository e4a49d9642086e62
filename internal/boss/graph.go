package boss

import (
	"fmt"
	"strings"

	"github.com/forgecrew/foreman/internal/task"
)

// CircularDependencyError indicates the task set is not a DAG. Cycle
// lists the ids along one detected cycle, first id repeated at the
// end.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownDependencyError indicates a task depends on an id outside the
// set.
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Dependency)
}

// EnforceTaskDependencies orders tasks so every task follows all of
// its dependencies. Kahn's algorithm; ties keep the original submission
// order. Rejects cycles and references to ids outside the set.
func EnforceTaskDependencies(tasks []task.Task) ([]task.Task, error) {
	byID := make(map[string]task.Task, len(tasks))
	position := make(map[string]int, len(tasks))
	for i, t := range tasks {
		byID[t.ID] = t
		position[t.ID] = i
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] = len(t.Dependencies)
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, &UnknownDependencyError{Task: t.ID, Dependency: dep}
			}
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	// Ready set, kept in original order.
	var ready []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}

	ordered := make([]task.Task, 0, len(tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])

		var unlocked []string
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		ready = mergeByPosition(ready, unlocked, position)
	}

	if len(ordered) != len(tasks) {
		return nil, &CircularDependencyError{Cycle: findCycle(tasks, inDegree)}
	}
	return ordered, nil
}

// mergeByPosition inserts newly unlocked ids into the ready set,
// keeping the whole set sorted by original submission order.
func mergeByPosition(ready, unlocked []string, position map[string]int) []string {
	for _, id := range unlocked {
		idx := len(ready)
		for i, r := range ready {
			if position[id] < position[r] {
				idx = i
				break
			}
		}
		ready = append(ready, "")
		copy(ready[idx+1:], ready[idx:])
		ready[idx] = id
	}
	return ready
}

// findCycle walks the leftover nodes of an aborted Kahn pass and
// reconstructs one cycle through them.
func findCycle(tasks []task.Task, inDegree map[string]int) []string {
	// Every node still carrying in-degree sits on or behind a cycle.
	remaining := make(map[string][]string)
	for _, t := range tasks {
		if inDegree[t.ID] > 0 {
			remaining[t.ID] = t.Dependencies
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(remaining))
	parent := make(map[string]string, len(remaining))

	var cycle []string
	var dfs func(string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range remaining[node] {
			if _, ok := remaining[dep]; !ok {
				continue
			}
			if color[dep] == gray {
				cycle = []string{dep}
				for current := node; current != dep; current = parent[current] {
					cycle = append([]string{current}, cycle...)
				}
				cycle = append([]string{dep}, cycle...)
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, t := range tasks {
		if _, ok := remaining[t.ID]; ok && color[t.ID] == white {
			if dfs(t.ID) {
				return cycle
			}
		}
	}
	return nil
}
