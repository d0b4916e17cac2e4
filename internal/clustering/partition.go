package clustering

import "sort"

// scoreMatrix stores the scores of every unordered pair of n faces.
type scoreMatrix struct {
	n      int
	scores []float64
}

func newScoreMatrix(n int) *scoreMatrix {
	return &scoreMatrix{n: n, scores: make([]float64, n*(n-1)/2)}
}

// offset maps i < j to the position in the upper triangle.
func (m *scoreMatrix) offset(i, j int) int {
	if i > j {
		i, j = j, i
	}
	return i*(2*m.n-i-1)/2 + (j - i - 1)
}

func (m *scoreMatrix) set(i, j int, score float64) {
	m.scores[m.offset(i, j)] = score
}

func (m *scoreMatrix) get(i, j int) float64 {
	if i == j {
		return 1
	}
	return m.scores[m.offset(i, j)]
}

// unionFind is a disjoint set with path compression and union by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range n {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
}

// partition unions every pair scoring at least threshold and returns the
// components with at least minSize members. Components and their members are
// ordered by index, so the output is deterministic.
func partition(m *scoreMatrix, threshold float64, minSize int) [][]int {
	uf := newUnionFind(m.n)
	for i := range m.n {
		for j := i + 1; j < m.n; j++ {
			if m.get(i, j) >= threshold {
				uf.union(i, j)
			}
		}
	}

	components := make(map[int][]int)
	for i := range m.n {
		root := uf.find(i)
		components[root] = append(components[root], i)
	}

	var groups [][]int
	for _, members := range components {
		if len(members) >= minSize {
			groups = append(groups, members)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}
