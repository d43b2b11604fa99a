package matching

import (
	"time"
)

// Limits bound a single enumeration.
type Limits struct {
	MinLength   int
	MaxLength   int
	MaxExplored int
	Timeout     time.Duration
}

// Stats describes how an enumeration ended.
type Stats struct {
	CandidateCycles int  `json:"candidate_cycles"`
	Limited         bool `json:"limited"`
	TimedOut        bool `json:"timed_out"`
}

// cycle is a simple directed cycle of arena indices starting at its smallest
// index.
type cycle []int

type enumerator struct {
	g        *Graph
	limits   Limits
	clock    func() time.Time
	deadline time.Time
	path     []int
	onPath   []bool
	actors   map[string]int
	out      []cycle
	stats    Stats
	stopped  bool
}

// enumerate lists every simple cycle with length in [MinLength, MaxLength]
// that respects each participant's own maximum and never repeats an actor.
// Each cycle is found exactly once, from its smallest index. Reaching
// MaxExplored or Timeout stops the search and flags it in Stats.
func enumerate(g *Graph, limits Limits, clock func() time.Time) ([]cycle, Stats) {
	if clock == nil {
		clock = time.Now
	}
	e := &enumerator{
		g:      g,
		limits: limits,
		clock:  clock,
		onPath: make([]bool, g.Len()),
		actors: make(map[string]int),
	}
	if limits.Timeout > 0 {
		e.deadline = clock().Add(limits.Timeout)
	}
	for start := 0; start < g.Len() && !e.stopped; start++ {
		e.push(start)
		e.extend(start, g.nodes[start].maxLength)
		e.pop()
	}
	e.stats.CandidateCycles = len(e.out)
	return e.out, e.stats
}

func (e *enumerator) push(v int) {
	e.path = append(e.path, v)
	e.onPath[v] = true
	e.actors[e.g.nodes[v].intent.ActorID]++
}

func (e *enumerator) pop() {
	v := e.path[len(e.path)-1]
	e.path = e.path[:len(e.path)-1]
	e.onPath[v] = false
	actor := e.g.nodes[v].intent.ActorID
	if e.actors[actor]--; e.actors[actor] <= 0 {
		delete(e.actors, actor)
	}
}

func (e *enumerator) expired() bool {
	if e.deadline.IsZero() {
		return false
	}
	if e.clock().After(e.deadline) {
		e.stats.TimedOut = true
		e.stopped = true
	}
	return e.stopped
}

// extend walks successors of the path tail. limit is the tightest maximum cycle
// length of the participants on the path.
func (e *enumerator) extend(start, limit int) {
	if e.stopped || e.expired() {
		return
	}
	if limit > e.limits.MaxLength {
		limit = e.limits.MaxLength
	}
	tail := e.path[len(e.path)-1]
	for _, next := range e.g.adj[tail] {
		if e.stopped {
			return
		}
		if next == start {
			if len(e.path) >= e.limits.MinLength && len(e.path) <= limit {
				e.record()
			}
			continue
		}
		if next < start || e.onPath[next] || len(e.path) >= limit {
			continue
		}
		if _, dup := e.actors[e.g.nodes[next].intent.ActorID]; dup {
			continue
		}
		nextLimit := limit
		if m := e.g.nodes[next].maxLength; m < nextLimit {
			nextLimit = m
		}
		if len(e.path)+1 > nextLimit {
			continue
		}
		e.push(next)
		e.extend(start, nextLimit)
		e.pop()
	}
}

func (e *enumerator) record() {
	if e.limits.MaxExplored > 0 && len(e.out) >= e.limits.MaxExplored {
		e.stats.Limited = true
		e.stopped = true
		return
	}
	found := make(cycle, len(e.path))
	copy(found, e.path)
	e.out = append(e.out, found)
}
