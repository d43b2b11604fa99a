package matching

import (
	"testing"
	"time"

	"cycleswap/services/cycled/models"
)

var runNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func intent(id, actor, offerCat, wantCat string, value float64) models.Intent {
	return models.Intent{
		ID:        id,
		ActorID:   actor,
		Offer:     models.Assets{{ID: "asset-" + id, Category: offerCat, ValueUSD: value}},
		Want:      models.WantSpec{Category: wantCat},
		Status:    models.IntentActive,
		CreatedAt: runNow.Add(-time.Hour),
	}
}

func TestRunSelectsTwoCycle(t *testing.T) {
	engine := NewEngine(nil)
	res := engine.Run(Input{
		Intents: []models.Intent{
			intent("b", "bob", "X", "Y", 100),
			intent("a", "alice", "Y", "x", 100),
		},
		Config: DefaultConfig(),
		Now:    runNow,
	})
	if len(res.Proposals) != 1 {
		t.Fatalf("expected one proposal, got %d", len(res.Proposals))
	}
	p := res.Proposals[0]
	if p.CanonicalKey != "a|b" {
		t.Fatalf("unexpected canonical key %q", p.CanonicalKey)
	}
	if !p.ExpiresAt.Equal(runNow.Add(DefaultConfig().AcceptWindow)) {
		t.Fatalf("unexpected expiry %s", p.ExpiresAt)
	}
	if p.Participants[0].Give[0].ID != "asset-a" || p.Participants[0].Get[0].ID != "asset-b" {
		t.Fatalf("unexpected give/get for first participant: %+v", p.Participants[0])
	}
	if res.Stats.CandidateCycles != 1 || res.Stats.Limited || res.Stats.TimedOut {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
}

func TestGraphHonoursWantConstraints(t *testing.T) {
	giver := intent("a", "alice", "cards", "comics", 100)
	giver.Offer[0].Condition = "fair"
	giver.Offer[0].Attributes = map[string]string{"set": "Base"}
	receiver := intent("b", "bob", "comics", "cards", 100)

	cases := []struct {
		name string
		want models.WantSpec
		min  float64
		max  float64
		ok   bool
	}{
		{name: "category", want: models.WantSpec{Category: "CARDS"}, ok: true},
		{name: "asset id", want: models.WantSpec{AssetIDs: []string{"asset-a"}}, ok: true},
		{name: "attribute", want: models.WantSpec{Category: "cards", Attributes: map[string]string{"set": "base"}}, ok: true},
		{name: "attribute mismatch", want: models.WantSpec{Category: "cards", Attributes: map[string]string{"set": "jungle"}}},
		{name: "condition too low", want: models.WantSpec{Category: "cards", MinCondition: "good"}},
		{name: "inside tolerance", want: models.WantSpec{Category: "cards"}, min: 105, max: 200, ok: true},
		{name: "outside band", want: models.WantSpec{Category: "cards"}, min: 150, max: 200},
	}
	for _, tc := range cases {
		r := receiver
		r.Want = tc.want
		r.ValueMinUSD = tc.min
		r.ValueMaxUSD = tc.max
		g := BuildGraph([]models.Intent{giver, r}, nil, 1000)
		if got := g.HasEdge("a", "b"); got != tc.ok {
			t.Fatalf("%s: expected edge=%v, got %v", tc.name, tc.ok, got)
		}
	}
}

func TestExplicitEdges(t *testing.T) {
	pool := []models.Intent{
		intent("a", "alice", "X", "Y", 100),
		intent("b", "bob", "Y", "X", 100),
		intent("c", "carol", "Z", "Q", 100),
	}
	g := BuildGraph(pool, []ExplicitEdge{
		{From: "a", To: "b", Kind: EdgeBlock},
		{From: "a", To: "b", Kind: EdgeAllow},
		{From: "c", To: "a", Kind: EdgeAllow},
		{From: "b", To: "a", Kind: EdgePrefer},
		{From: "ghost", To: "a", Kind: EdgeAllow},
	}, 0)
	if g.HasEdge("a", "b") {
		t.Fatalf("block must win over allow")
	}
	if !g.HasEdge("c", "a") {
		t.Fatalf("allow must force an edge")
	}
	if !g.edges[[2]int{g.index["b"], g.index["a"]}].preferred {
		t.Fatalf("prefer must mark the existing edge")
	}
}

func TestEnumerationSkipsRepeatedActorsAndRespectsMaxLength(t *testing.T) {
	pool := []models.Intent{
		intent("a", "alice", "X", "X", 100),
		intent("b", "bob", "X", "X", 100),
		intent("c", "alice", "X", "X", 100),
	}
	g := BuildGraph(pool, nil, 0)
	cycles, _ := enumerate(g, Limits{MinLength: 2, MaxLength: 4}, nil)
	// a and c share an actor, so only a<->b and b<->c remain.
	if len(cycles) != 2 {
		t.Fatalf("expected 2 cycles, got %v", cycles)
	}

	pool = []models.Intent{
		intent("a", "alice", "X", "Y", 100),
		intent("b", "bob", "Y", "Z", 100),
		intent("c", "carol", "Z", "X", 100),
	}
	pool[1].MaxCycleLength = 2
	g = BuildGraph(pool, nil, 0)
	cycles, _ = enumerate(g, Limits{MinLength: 2, MaxLength: 4}, nil)
	if len(cycles) != 0 {
		t.Fatalf("participant max length must exclude the 3-cycle, got %v", cycles)
	}
}

func TestEnumerationFlagsLimits(t *testing.T) {
	pool := []models.Intent{
		intent("a", "alice", "X", "X", 100),
		intent("b", "bob", "X", "X", 100),
		intent("c", "carol", "X", "X", 100),
	}
	engine := NewEngine(nil)
	cfg := DefaultConfig()
	cfg.MaxCyclesExplored = 2
	res := engine.Run(Input{Intents: pool, Config: cfg, Now: runNow})
	if !res.Stats.Limited || res.Stats.CandidateCycles != 2 {
		t.Fatalf("expected limited run with 2 candidates, got %+v", res.Stats)
	}
	if len(res.Proposals) != 1 {
		t.Fatalf("partial selection must still proceed, got %d proposals", len(res.Proposals))
	}

	tick := runNow
	engine.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	cfg = DefaultConfig()
	cfg.Timeout = time.Millisecond
	res = engine.Run(Input{Intents: pool, Config: cfg, Now: runNow})
	if !res.Stats.TimedOut {
		t.Fatalf("expected timed out run, got %+v", res.Stats)
	}
}

func TestSelectDisjointTieBreaksOnCanonicalKey(t *testing.T) {
	score := Score{Micros: 500}
	picked := SelectDisjoint([]Candidate{
		{IntentIDs: []string{"b", "c"}, Key: "b|c", Score: score},
		{IntentIDs: []string{"a", "b"}, Key: "a|b", Score: score},
		{IntentIDs: []string{"c", "d"}, Key: "c|d", Score: Score{Micros: 400}},
	})
	if len(picked) != 2 || picked[0].Key != "a|b" || picked[1].Key != "c|d" {
		t.Fatalf("unexpected selection: %+v", picked)
	}
}

func TestCanonicalKeyRotatesToSmallestID(t *testing.T) {
	if got := CanonicalKey([]string{"c", "a", "b"}); got != "a|b|c" {
		t.Fatalf("unexpected key %q", got)
	}
	if ProposalID("a|b", runNow) != ProposalID("a|b", runNow) {
		t.Fatalf("proposal id must be deterministic")
	}
	if ProposalID("a|b", runNow) == ProposalID("a|b", runNow.Add(time.Second)) {
		t.Fatalf("proposal id must depend on expiry")
	}
}

func TestAgeBonusFavoursOlderIntents(t *testing.T) {
	fresh := []models.Intent{intent("a", "alice", "X", "Y", 100), intent("b", "bob", "Y", "X", 100)}
	stale := []models.Intent{intent("c", "carol", "X", "Y", 100), intent("d", "dave", "Y", "X", 100)}
	stale[0].CreatedAt = runNow.Add(-48 * time.Hour)
	g := BuildGraph(append(fresh, stale...), nil, 0)
	policy := DefaultPolicy()
	freshScore := policy.Score(g, []int{g.index["a"], g.index["b"]}, runNow)
	staleScore := policy.Score(g, []int{g.index["c"], g.index["d"]}, runNow)
	if staleScore.Micros <= freshScore.Micros {
		t.Fatalf("expected stale cycle to outscore fresh one: %d <= %d", staleScore.Micros, freshScore.Micros)
	}
}

func TestValueSpread(t *testing.T) {
	pool := []models.Intent{intent("a", "alice", "X", "Y", 100), intent("b", "bob", "Y", "X", 80)}
	g := BuildGraph(pool, nil, 0)
	if got := valueSpread(g, []int{0, 1}); got != 0.2 {
		t.Fatalf("expected spread 0.2, got %v", got)
	}
}
