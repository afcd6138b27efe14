package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/steelthread/foreman/internal/store"
)

// CycleError indicates a circular dependency was detected
type CycleError struct {
	Cycle []int
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, n := range e.Cycle {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(parts, " -> "))
}

// BadReferenceError indicates a depends_on entry that names a
// non-existent or self-referencing phase number
type BadReferenceError struct {
	Phase      int
	Dependency int
}

func (e *BadReferenceError) Error() string {
	if e.Phase == e.Dependency {
		return fmt.Sprintf("phase %d depends on itself", e.Phase)
	}
	return fmt.Sprintf("phase %d depends on non-existent phase %d", e.Phase, e.Dependency)
}

// DuplicatePhaseError indicates a phase_number declared twice
type DuplicatePhaseError struct {
	Phase int
}

func (e *DuplicatePhaseError) Error() string {
	return fmt.Sprintf("phase %d declared more than once", e.Phase)
}

// ValidateGraph checks a submission's intra-feature dependency graph:
// every depends_on entry references a declared sibling, no phase
// depends on itself, and the graph is acyclic. Nothing may be
// persisted when this returns an error.
func ValidateGraph(phases []store.NewPhase) error {
	declared := make(map[int]bool, len(phases))
	for _, p := range phases {
		if declared[p.PhaseNumber] {
			return &DuplicatePhaseError{Phase: p.PhaseNumber}
		}
		declared[p.PhaseNumber] = true
	}

	edges := make(map[int][]int, len(phases))
	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if dep == p.PhaseNumber || !declared[dep] {
				return &BadReferenceError{Phase: p.PhaseNumber, Dependency: dep}
			}
		}
		edges[p.PhaseNumber] = p.DependsOn
	}

	if cycle := findCycle(declared, edges); cycle != nil {
		return &CycleError{Cycle: cycle}
	}
	return nil
}

// findCycle runs Kahn's algorithm; any nodes left unvisited lie on a
// cycle, which is then reconstructed by DFS for the error message.
func findCycle(nodes map[int]bool, edges map[int][]int) []int {
	inDegree := make(map[int]int, len(nodes))
	dependents := make(map[int][]int)
	for node := range nodes {
		inDegree[node] = len(edges[node])
		for _, dep := range edges[node] {
			dependents[dep] = append(dependents[dep], node)
		}
	}

	var queue []int
	for node := range nodes {
		if inDegree[node] == 0 {
			queue = append(queue, node)
		}
	}
	sort.Ints(queue)

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		deps := append([]int(nil), dependents[current]...)
		sort.Ints(deps)
		for _, d := range deps {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
		sort.Ints(queue)
	}

	if visited == len(nodes) {
		return nil
	}

	// Reconstruct one cycle among the unvisited remainder
	remaining := make(map[int]bool)
	for node := range nodes {
		if inDegree[node] > 0 {
			remaining[node] = true
		}
	}

	var start int
	for node := range remaining {
		start = node
		break
	}

	// Walk depends_on edges inside the remainder until a node repeats
	seen := make(map[int]int)
	var path []int
	current := start
	for {
		if idx, ok := seen[current]; ok {
			cycle := append([]int{}, path[idx:]...)
			return append(cycle, current)
		}
		seen[current] = len(path)
		path = append(path, current)

		next := -1
		for _, dep := range edges[current] {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == -1 {
			return path // should not happen for a true cycle
		}
		current = next
	}
}

// TransitiveDependents returns the phase IDs of every phase that
// transitively depends on the given phase number, following reverse
// edges depth-first. Used to block downstream work after a failure.
func TransitiveDependents(phases []*store.PhaseRecord, failedNumber int) []string {
	dependents := make(map[int][]int)
	byNumber := make(map[int]*store.PhaseRecord, len(phases))
	for _, p := range phases {
		byNumber[p.PhaseNumber] = p
		for _, dep := range p.DependsOn {
			dependents[dep] = append(dependents[dep], p.PhaseNumber)
		}
	}

	var ids []string
	visited := map[int]bool{failedNumber: true}

	var visit func(n int)
	visit = func(n int) {
		next := append([]int(nil), dependents[n]...)
		sort.Ints(next)
		for _, d := range next {
			if visited[d] {
				continue
			}
			visited[d] = true
			if p, ok := byNumber[d]; ok {
				ids = append(ids, p.PhaseID)
			}
			visit(d)
		}
	}
	visit(failedNumber)

	return ids
}
