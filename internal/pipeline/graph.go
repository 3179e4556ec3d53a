package pipeline

import (
	"fmt"
	"sort"

	"github.com/aristath/sentinel/internal/agent"
)

// Order linearizes nodes via Kahn's algorithm over each node's declared
// dependency edges, breaking ties among simultaneously-ready nodes by agent
// category (trigger < data < analysis < risk < execution < monitoring), then
// by node id for determinism. Grounded on internal/work/processor.go's
// resolveDependencies cycle-detection-via-visited-map technique, generalized
// from a flat DependsOn list plus queue-reordering heuristic into a proper
// edge set with a total order.
func Order(nodes []NodeConfig, registry *agent.Registry) ([]NodeConfig, error) {
	byID := make(map[string]NodeConfig, len(nodes))
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))

	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("pipeline: duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
		indegree[n.ID] = 0
	}
	for _, n := range nodes {
		for _, dep := range agent.DependsOn(n.Config) {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("pipeline: node %q depends on unknown node %q", n.ID, dep)
			}
			dependents[dep] = append(dependents[dep], n.ID)
			indegree[n.ID]++
		}
	}

	weightOf := func(id string) int {
		n := byID[id]
		if meta, ok := registry.Metadata(n.AgentType); ok {
			return agent.CategoryWeight(meta.Category)
		}
		return agent.CategoryWeight("")
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]NodeConfig, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			wi, wj := weightOf(ready[i]), weightOf(ready[j])
			if wi != wj {
				return wi < wj
			}
			return ready[i] < ready[j]
		})
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[next])

		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(nodes) {
		return nil, fmt.Errorf("pipeline: cyclic dependency detected among %d node(s)", len(nodes)-len(ordered))
	}
	return ordered, nil
}
