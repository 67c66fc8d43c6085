package service

import (
	"sort"
	"strings"

	"github.com/msageha/orbit/internal/model"
)

// topoSort orders nodes so that every node comes after the nodes it depends on.
// It uses Kahn's algorithm; on a cycle it runs a DFS to report the cycle path.
// Edges to names outside nodes are ignored.
func topoSort(nodes []string, edges map[string][]string) ([]string, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}

	// in-degree and forward adjacency (dependency → dependent)
	inDegree := make(map[string]int, len(nodes))
	forward := make(map[string][]string)
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, node := range nodes {
		for _, dep := range edges[node] {
			if !nodeSet[dep] {
				continue
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, nil
	}

	cycle := findCyclePath(nodes, edges, inDegree, nodeSet)
	return nil, model.Errorf(model.KindCircularDependency, "resolve", cycle[0],
		"circular dependency detected: %s", strings.Join(cycle, " -> "))
}

// findCyclePath finds a cycle among nodes with non-zero in-degree.
func findCyclePath(nodes []string, edges map[string][]string, inDegree map[string]int, nodeSet map[string]bool) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if !nodeSet[dep] {
				continue
			}
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
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

	for _, n := range nodes {
		if inDegree[n] > 0 && color[n] == white {
			if dfs(n) {
				return cyclePath
			}
		}
	}
	return []string{"(cycle detected)"}
}

// levels groups an ordered node list by dependency depth within the list: level 0 has no
// dependency inside the list, level n depends on something at level n-1.
func levels(order []string, edges map[string][]string) [][]string {
	depth := make(map[string]int, len(order))
	inList := make(map[string]bool, len(order))
	for _, n := range order {
		inList[n] = true
	}
	maxDepth := 0
	for _, n := range order {
		d := 0
		for _, dep := range edges[n] {
			if inList[dep] && depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[n] = d
		if d > maxDepth {
			maxDepth = d
		}
	}
	out := make([][]string, maxDepth+1)
	for _, n := range order {
		out[depth[n]] = append(out[depth[n]], n)
	}
	for _, l := range out {
		sort.Strings(l)
	}
	return out
}

// invert returns the dependent edges of a dependency graph.
func invert(edges map[string][]string) map[string][]string {
	out := make(map[string][]string, len(edges))
	for node, deps := range edges {
		for _, dep := range deps {
			out[dep] = append(out[dep], node)
		}
	}
	for _, v := range out {
		sort.Strings(v)
	}
	return out
}
