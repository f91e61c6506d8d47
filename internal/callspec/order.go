package callspec

import (
	"container/heap"
	"fmt"
)

// slotGraph is the dependency graph among a spec's slots. Edges run from a
// dependency to its dependent, indexed by declaration order.
type slotGraph struct {
	names    []string
	outgoing [][]int
	indeg    []int
}

func newSlotGraph(slots []ArgSlot) (*slotGraph, error) {
	index := make(map[string]int, len(slots))
	g := &slotGraph{
		names:    make([]string, len(slots)),
		outgoing: make([][]int, len(slots)),
		indeg:    make([]int, len(slots)),
	}
	for i, s := range slots {
		index[s.Name] = i
		g.names[i] = s.Name
	}
	for i, s := range slots {
		seen := map[int]bool{}
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("slot %q depends on unknown slot %q", s.Name, dep)
			}
			if j == i {
				return nil, fmt.Errorf("slot %q depends on itself", s.Name)
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.outgoing[j] = append(g.outgoing[j], i)
			g.indeg[i]++
		}
	}
	return g, nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// order runs Kahn's algorithm with a min-heap ready queue, so ties resolve
// to declaration order.
func (g *slotGraph) order() []int {
	indeg := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle as slot names, first name repeated at the end.
// The DFS visits slots and edges in declaration order, so the witness is
// stable.
func (g *slotGraph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.names))
	parent := make([]int, len(g.names))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.names {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.names[cycle[i]])
	}
	return out
}

// ResolutionOrder returns slot names in the order values must be generated:
// every slot after the slots it depends on, ties in declaration order.
func (s *CallSpec) ResolutionOrder() ([]string, error) {
	g, err := newSlotGraph(s.Slots)
	if err != nil {
		return nil, invalidf(s.Name, "%v", err)
	}
	idx := g.order()
	if len(idx) != len(g.names) {
		return nil, cycleError(s.Name, g.findCycle())
	}
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = g.names[n]
	}
	return out, nil
}
