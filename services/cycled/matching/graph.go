package matching

import (
	"sort"
	"strings"

	"cycleswap/services/cycled/intents"
	"cycleswap/services/cycled/models"
)

// EdgeKind classifies a user-authored edge.
type EdgeKind string

// Explicit edge kinds.
const (
	EdgeBlock  EdgeKind = "block"
	EdgeAllow  EdgeKind = "allow"
	EdgePrefer EdgeKind = "prefer"
)

// ExplicitEdge overrides the computed compatibility from one intent to
// another. From gives to To.
type ExplicitEdge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// edge holds the fit of one directed give.
type edge struct {
	valueFit      float64
	constraintFit float64
	preferred     bool
}

type node struct {
	intent     *models.Intent
	offerValue float64
	maxLength  int
}

// Graph is the compatibility graph over arena indices. Nodes are ordered by
// intent id and every adjacency list is ascending, so traversal order is a
// pure function of the input.
type Graph struct {
	nodes []node
	index map[string]int
	adj   [][]int
	edges map[[2]int]edge
}

// BuildGraph computes the compatibility graph. An edge A→B exists when one of
// A's offered assets satisfies B's want and A's offer value sits inside B's
// value band widened by toleranceBps. Block edges remove, allow edges add and
// prefer edges mark an existing edge for a score bonus.
func BuildGraph(pool []models.Intent, explicit []ExplicitEdge, toleranceBps int) *Graph {
	sorted := make([]models.Intent, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	g := &Graph{
		nodes: make([]node, 0, len(sorted)),
		index: make(map[string]int, len(sorted)),
		edges: make(map[[2]int]edge),
	}
	for i := range sorted {
		if _, dup := g.index[sorted[i].ID]; dup {
			continue
		}
		maxLen := sorted[i].MaxCycleLength
		if maxLen <= 0 || maxLen > intents.MaxCycleLength {
			maxLen = intents.MaxCycleLength
		}
		g.index[sorted[i].ID] = len(g.nodes)
		g.nodes = append(g.nodes, node{
			intent:     &sorted[i],
			offerValue: sorted[i].Offer.TotalUSD(),
			maxLength:  maxLen,
		})
	}

	for a := range g.nodes {
		for b := range g.nodes {
			if a == b || g.nodes[a].intent.ActorID == g.nodes[b].intent.ActorID {
				continue
			}
			if e, ok := compatible(g.nodes[a], g.nodes[b], toleranceBps); ok {
				g.edges[[2]int{a, b}] = e
			}
		}
	}

	blocked := make(map[[2]int]struct{})
	for _, ex := range explicit {
		a, okA := g.index[ex.From]
		b, okB := g.index[ex.To]
		if !okA || !okB || a == b {
			continue
		}
		key := [2]int{a, b}
		switch ex.Kind {
		case EdgeBlock:
			blocked[key] = struct{}{}
		case EdgeAllow:
			if _, ok := g.edges[key]; !ok {
				g.edges[key] = edge{valueFit: 0.5, constraintFit: 0.5}
			}
		}
	}
	for _, ex := range explicit {
		if ex.Kind != EdgePrefer {
			continue
		}
		a, okA := g.index[ex.From]
		b, okB := g.index[ex.To]
		if !okA || !okB {
			continue
		}
		if e, ok := g.edges[[2]int{a, b}]; ok {
			e.preferred = true
			g.edges[[2]int{a, b}] = e
		}
	}
	for key := range blocked {
		delete(g.edges, key)
	}

	g.adj = make([][]int, len(g.nodes))
	for key := range g.edges {
		g.adj[key[0]] = append(g.adj[key[0]], key[1])
	}
	for i := range g.adj {
		sort.Ints(g.adj[i])
	}
	return g
}

// Len reports the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// HasEdge reports whether intent from gives to intent to.
func (g *Graph) HasEdge(from, to string) bool {
	a, okA := g.index[from]
	b, okB := g.index[to]
	if !okA || !okB {
		return false
	}
	_, ok := g.edges[[2]int{a, b}]
	return ok
}

// Intent returns the intent at arena index i.
func (g *Graph) Intent(i int) *models.Intent { return g.nodes[i].intent }

func compatible(giver, receiver node, toleranceBps int) (edge, bool) {
	bestFit := -1.0
	for _, asset := range giver.intent.Offer {
		fit, ok := satisfiesWant(asset, receiver.intent.Want)
		if ok && fit > bestFit {
			bestFit = fit
		}
	}
	if bestFit < 0 {
		return edge{}, false
	}
	valueFit, ok := bandFit(giver.offerValue, receiver.intent.ValueMinUSD, receiver.intent.ValueMaxUSD, toleranceBps)
	if !ok {
		return edge{}, false
	}
	return edge{valueFit: valueFit, constraintFit: bestFit}, true
}

// satisfiesWant matches one asset against a want and returns the condition fit
// in [0.5, 1].
func satisfiesWant(asset models.Asset, want models.WantSpec) (float64, bool) {
	matched := false
	for _, id := range want.AssetIDs {
		if id == asset.ID {
			matched = true
			break
		}
	}
	if !matched && want.Category != "" {
		matched = intents.NormalizeCategory(want.Category) == intents.NormalizeCategory(asset.Category)
	}
	if !matched {
		return 0, false
	}
	for key, required := range want.Attributes {
		have, ok := asset.Attributes[key]
		if !ok || !strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(required)) {
			return 0, false
		}
	}
	if want.MinCondition == "" {
		return 1, true
	}
	minRank := intents.ConditionRank(want.MinCondition)
	rank := intents.ConditionRank(asset.Condition)
	if rank < minRank {
		return 0, false
	}
	headroom := intents.MaxConditionRank() - minRank
	if headroom <= 0 {
		return 1, true
	}
	return 0.5 + 0.5*float64(rank-minRank)/float64(headroom), true
}

// bandFit reports whether value lies in [minUSD, maxUSD] widened by toleranceBps and
// returns 1 inside the band and 0.5 inside the tolerance margin. A zero maxUSD
// leaves the band open above.
func bandFit(value, minUSD, maxUSD float64, toleranceBps int) (float64, bool) {
	if minUSD <= 0 && maxUSD <= 0 {
		return 1, true
	}
	tol := float64(toleranceBps) / 10000
	lo := minUSD * (1 - tol)
	if value < lo {
		return 0, false
	}
	if maxUSD > 0 {
		hi := maxUSD * (1 + tol)
		if value > hi {
			return 0, false
		}
		if value > maxUSD {
			return 0.5, true
		}
	}
	if value < minUSD {
		return 0.5, true
	}
	return 1, true
}
