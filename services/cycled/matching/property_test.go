package matching

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"cycleswap/services/cycled/models"
)

var categories = []string{"cards", "comics", "coins", "stamps"}

func poolFrom(offers, wants []int) []models.Intent {
	n := len(offers)
	if len(wants) < n {
		n = len(wants)
	}
	out := make([]models.Intent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, intent(
			fmt.Sprintf("i-%02d", i),
			fmt.Sprintf("actor-%02d", i%5),
			categories[offers[i]],
			categories[wants[i]],
			float64(50+10*i),
		))
	}
	return out
}

func TestSelectedProposalsAreDisjoint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no intent appears in two selected proposals", prop.ForAll(
		func(offers, wants []int) bool {
			res := NewEngine(nil).Run(Input{Intents: poolFrom(offers, wants), Config: DefaultConfig(), Now: runNow})
			seen := make(map[string]struct{})
			for _, p := range res.Proposals {
				for _, id := range p.IntentIDs() {
					if _, dup := seen[id]; dup {
						return false
					}
					seen[id] = struct{}{}
				}
			}
			return true
		},
		gen.SliceOfN(10, gen.IntRange(0, len(categories)-1)),
		gen.SliceOfN(10, gen.IntRange(0, len(categories)-1)),
	))

	properties.TestingRun(t)
}

func TestRunIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs select identical proposals in identical order", prop.ForAll(
		func(offers, wants []int) bool {
			pool := poolFrom(offers, wants)
			reversed := make([]models.Intent, len(pool))
			for i := range pool {
				reversed[len(pool)-1-i] = pool[i]
			}
			first := NewEngine(nil).Run(Input{Intents: pool, Config: DefaultConfig(), Now: runNow})
			second := NewEngine(nil).Run(Input{Intents: reversed, Config: DefaultConfig(), Now: runNow})
			if len(first.Proposals) != len(second.Proposals) {
				return false
			}
			for i := range first.Proposals {
				if first.Proposals[i].ID != second.Proposals[i].ID {
					return false
				}
			}
			return first.Stats == second.Stats
		},
		gen.SliceOfN(10, gen.IntRange(0, len(categories)-1)),
		gen.SliceOfN(10, gen.IntRange(0, len(categories)-1)),
	))

	properties.TestingRun(t)
}

func TestSelectedCyclesAreClosed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every participant gives to the next one", prop.ForAll(
		func(offers, wants []int) bool {
			pool := poolFrom(offers, wants)
			g := BuildGraph(pool, nil, DefaultConfig().ValueToleranceBps)
			res := NewEngine(nil).Run(Input{Intents: pool, Config: DefaultConfig(), Now: runNow})
			for _, p := range res.Proposals {
				n := len(p.Participants)
				if n < 2 || n > 4 {
					return false
				}
				for i := range p.Participants {
					if !g.HasEdge(p.Participants[i].IntentID, p.Participants[(i+1)%n].IntentID) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, len(categories)-1)),
		gen.SliceOfN(8, gen.IntRange(0, len(categories)-1)),
	))

	properties.TestingRun(t)
}
