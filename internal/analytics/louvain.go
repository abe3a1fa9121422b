package analytics

import "sort"

// Louvain assigns nodes to communities by greedy modularity optimization
// over the undirected view of the edge set. Node order is fixed by sorting
// so repeated runs on the same graph agree.
func Louvain(edges []Edge) map[string]int {
	adj := make(map[string]map[string]float64)
	degree := make(map[string]float64)
	total := 0.0

	addEdge := func(a, b string, w float64) {
		if adj[a] == nil {
			adj[a] = make(map[string]float64)
		}
		adj[a][b] += w
	}
	for _, e := range edges {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		addEdge(e.Source, e.Target, w)
		addEdge(e.Target, e.Source, w)
		degree[e.Source] += w
		degree[e.Target] += w
		total += w
	}
	if total == 0 {
		return map[string]int{}
	}
	m2 := 2 * total

	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	community := make(map[string]int, len(nodes))
	communityDegree := make(map[int]float64, len(nodes))
	for i, n := range nodes {
		community[n] = i
		communityDegree[i] = degree[n]
	}

	// Local moving: relocate each node to the neighboring community with
	// the highest modularity gain, until a full pass makes no move.
	for pass := 0; pass < 10; pass++ {
		moved := false
		for _, n := range nodes {
			current := community[n]
			communityDegree[current] -= degree[n]

			// Weight of links from n into each neighboring community.
			links := make(map[int]float64)
			for neighbor, w := range adj[n] {
				if neighbor == n {
					continue
				}
				links[community[neighbor]] += w
			}

			bestCommunity, bestGain := current, 0.0
			candidates := make([]int, 0, len(links))
			for c := range links {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)
			for _, c := range candidates {
				gain := links[c] - degree[n]*communityDegree[c]/m2
				if gain > bestGain {
					bestGain, bestCommunity = gain, c
				}
			}

			community[n] = bestCommunity
			communityDegree[bestCommunity] += degree[n]
			if bestCommunity != current {
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	// Renumber communities densely.
	renumber := make(map[int]int)
	result := make(map[string]int, len(community))
	for _, n := range nodes {
		c := community[n]
		if _, ok := renumber[c]; !ok {
			renumber[c] = len(renumber)
		}
		result[n] = renumber[c]
	}
	return result
}
