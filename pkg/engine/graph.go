package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/queuetue/phasor/pkg/plan"
)

// Graph is the dependency DAG of a plan. Edges point from a dependency to
// the phases that wait on it.
type Graph struct {
	// Order holds every phase id in a valid topological order.
	Order []string

	// Levels groups phase ids by topological level; phases at the same
	// level have no path between them and may apply in parallel.
	Levels [][]string

	// Dependencies maps a phase to the phases it waits on.
	Dependencies map[string][]string

	// Dependents maps a phase to the phases waiting on it.
	Dependents map[string][]string

	// Closure holds the phases selected for application. When the plan has
	// no targetPhase it contains every phase.
	Closure map[string]bool
}

// BuildGraph constructs the dependency graph for a plan. Unknown waitFor
// references and cycles are validation failures; Kahn's algorithm does both
// the ordering and the cycle detection in one pass.
func BuildGraph(p *plan.Plan) (*Graph, error) {
	g := &Graph{
		Dependencies: make(map[string][]string, len(p.Phases)),
		Dependents:   make(map[string][]string, len(p.Phases)),
		Closure:      make(map[string]bool, len(p.Phases)),
	}

	inDegree := make(map[string]int, len(p.Phases))
	for _, ph := range p.Phases {
		g.Dependencies[ph.ID] = nil
		g.Dependents[ph.ID] = nil
		inDegree[ph.ID] = 0
	}

	for _, ph := range p.Phases {
		if ph.WaitFor == nil {
			continue
		}
		for _, dep := range ph.WaitFor.Phases {
			if _, ok := p.Phase(dep); !ok {
				return nil, NewValidationError(
					fmt.Sprintf("phase %q waits for undefined phase %q", ph.ID, dep), nil)
			}
			g.Dependencies[ph.ID] = append(g.Dependencies[ph.ID], dep)
			g.Dependents[dep] = append(g.Dependents[dep], ph.ID)
			inDegree[ph.ID]++
		}
	}

	// Kahn's algorithm. Seed with zero in-degree phases in declaration
	// order so the topological order is deterministic.
	var frontier []string
	for _, id := range p.PhaseIDs() {
		if inDegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	processed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		g.Levels = append(g.Levels, frontier)
		g.Order = append(g.Order, frontier...)
		processed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dependent := range g.Dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		frontier = next
	}

	if processed != len(p.Phases) {
		// Every leftover phase sits on or behind a cycle; name the smallest
		// id with remaining in-degree for a stable message.
		var leftovers []string
		for id, deg := range inDegree {
			if deg > 0 {
				leftovers = append(leftovers, id)
			}
		}
		sort.Strings(leftovers)
		return nil, NewCycleError(leftovers[0])
	}

	g.computeClosure(p)
	return g, nil
}

// computeClosure marks the phases to apply. With a targetPhase set, only the
// target and its transitive dependencies are in scope.
func (g *Graph) computeClosure(p *plan.Plan) {
	if p.TargetPhase == "" {
		for id := range g.Dependencies {
			g.Closure[id] = true
		}
		return
	}

	stack := []string{p.TargetPhase}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if g.Closure[id] {
			continue
		}
		g.Closure[id] = true
		stack = append(stack, g.Dependencies[id]...)
	}
}

// InClosure reports whether a phase is selected for application.
func (g *Graph) InClosure(id string) bool {
	return g.Closure[id]
}

// Roots returns the phases with no dependencies.
func (g *Graph) Roots() []string {
	if len(g.Levels) == 0 {
		return nil
	}
	return g.Levels[0]
}

// ToDOT renders the graph for Graphviz. Phases outside the closure are
// drawn gray.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph PhaseGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			fill := "lightblue"
			if !g.InClosure(id) {
				fill = "lightgray"
			}
			sb.WriteString(fmt.Sprintf("    %q [fillcolor=%q, style=\"filled,rounded\"];\n", id, fill))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.Order {
		for _, dep := range g.Dependencies[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
