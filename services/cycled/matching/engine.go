package matching

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"cycleswap/services/cycled/models"
)

// Config is the run configuration.
type Config struct {
	MinCycleLength    int           `json:"min_cycle_length"`
	MaxCycleLength    int           `json:"max_cycle_length"`
	MaxCyclesExplored int           `json:"max_cycles_explored"`
	Timeout           time.Duration `json:"-"`
	ValueToleranceBps int           `json:"value_tolerance_bps"`
	AcceptWindow      time.Duration `json:"-"`
}

// DefaultConfig returns the defaults used when a run leaves fields unset.
func DefaultConfig() Config {
	return Config{
		MinCycleLength:    2,
		MaxCycleLength:    4,
		MaxCyclesExplored: 10_000,
		Timeout:           2 * time.Second,
		ValueToleranceBps: 1000,
		AcceptWindow:      24 * time.Hour,
	}
}

// Input is everything a run depends on. The selection is a pure function of
// Input apart from the timeout, which consults the engine clock.
type Input struct {
	Intents []models.Intent
	Edges   []ExplicitEdge
	Config  Config
	Now     time.Time
}

// Candidate is a scored cycle.
type Candidate struct {
	IntentIDs []string
	Key       string
	Score     Score
	Spread    float64
	nodes     []int
}

// Result is the outcome of a run before persistence.
type Result struct {
	Proposals []models.Proposal
	Stats     Stats
}

// Engine enumerates, scores and selects cycles.
type Engine struct {
	policy ScoringPolicy
	clock  func() time.Time
}

// NewEngine constructs an engine. A nil policy selects DefaultPolicy.
func NewEngine(policy ScoringPolicy) *Engine {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Engine{policy: policy, clock: time.Now}
}

// SetClock overrides the clock used to enforce the enumeration timeout.
func (e *Engine) SetClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

// Run selects a disjoint set of proposals from in.
func (e *Engine) Run(in Input) Result {
	cfg := normalizeConfig(in.Config)
	g := BuildGraph(in.Intents, in.Edges, cfg.ValueToleranceBps)
	cycles, stats := enumerate(g, Limits{
		MinLength:   cfg.MinCycleLength,
		MaxLength:   cfg.MaxCycleLength,
		MaxExplored: cfg.MaxCyclesExplored,
		Timeout:     cfg.Timeout,
	}, e.clock)

	candidates := make([]Candidate, 0, len(cycles))
	for _, c := range cycles {
		ids := make([]string, len(c))
		for i, idx := range c {
			ids[i] = g.nodes[idx].intent.ID
		}
		candidates = append(candidates, Candidate{
			IntentIDs: ids,
			Key:       CanonicalKey(ids),
			Score:     e.policy.Score(g, c, in.Now),
			Spread:    valueSpread(g, c),
			nodes:     c,
		})
	}

	selected := SelectDisjoint(candidates)
	expires := in.Now.UTC().Add(cfg.AcceptWindow)
	proposals := make([]models.Proposal, 0, len(selected))
	for _, cand := range selected {
		proposals = append(proposals, buildProposal(g, cand, expires, in.Now.UTC()))
	}
	return Result{Proposals: proposals, Stats: stats}
}

// SelectDisjoint orders candidates by score descending then canonical key
// ascending and greedily keeps those that share no intent with an earlier pick.
func SelectDisjoint(candidates []Candidate) []Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score.Micros != ordered[j].Score.Micros {
			return ordered[i].Score.Micros > ordered[j].Score.Micros
		}
		return ordered[i].Key < ordered[j].Key
	})
	consumed := make(map[string]struct{})
	out := make([]Candidate, 0)
	for _, cand := range ordered {
		clash := false
		for _, id := range cand.IntentIDs {
			if _, used := consumed[id]; used {
				clash = true
				break
			}
		}
		if clash {
			continue
		}
		for _, id := range cand.IntentIDs {
			consumed[id] = struct{}{}
		}
		out = append(out, cand)
	}
	return out
}

// CanonicalKey rotates the cycle to start at its smallest intent id and joins
// the ids.
func CanonicalKey(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	start := 0
	for i := range ids {
		if ids[i] < ids[start] {
			start = i
		}
	}
	rotated := make([]string, 0, len(ids))
	rotated = append(rotated, ids[start:]...)
	rotated = append(rotated, ids[:start]...)
	return strings.Join(rotated, "|")
}

// ProposalID derives the proposal id from its canonical key and expiry.
func ProposalID(canonicalKey string, expiresAt time.Time) string {
	digest := ethcrypto.Keccak256([]byte(canonicalKey + "|" + strconv.FormatInt(expiresAt.UTC().UnixNano(), 10)))
	return "prop_" + hex.EncodeToString(digest[:12])
}

func buildProposal(g *Graph, cand Candidate, expires, now time.Time) models.Proposal {
	n := len(cand.nodes)
	p := models.Proposal{
		ID:           ProposalID(cand.Key, expires),
		CanonicalKey: cand.Key,
		ScoreMicros:  cand.Score.Micros,
		Confidence:   cand.Score.Confidence,
		ValueSpread:  cand.Spread,
		ExpiresAt:    expires,
		CreatedAt:    now,
		Participants: make([]models.ProposalParticipant, 0, n),
	}
	for i, idx := range cand.nodes {
		intent := g.nodes[idx].intent
		prev := g.nodes[cand.nodes[(i+n-1)%n]].intent
		p.Participants = append(p.Participants, models.ProposalParticipant{
			ProposalID: p.ID,
			Position:   i,
			IntentID:   intent.ID,
			ActorID:    intent.ActorID,
			PartnerID:  intent.PartnerID,
			Give:       append(models.Assets(nil), intent.Offer...),
			Get:        append(models.Assets(nil), prev.Offer...),
		})
	}
	return p
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MinCycleLength < 2 {
		cfg.MinCycleLength = def.MinCycleLength
	}
	if cfg.MaxCycleLength <= 0 || cfg.MaxCycleLength > def.MaxCycleLength {
		cfg.MaxCycleLength = def.MaxCycleLength
	}
	if cfg.MinCycleLength > cfg.MaxCycleLength {
		cfg.MinCycleLength = cfg.MaxCycleLength
	}
	if cfg.MaxCyclesExplored <= 0 {
		cfg.MaxCyclesExplored = def.MaxCyclesExplored
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ValueToleranceBps < 0 {
		cfg.ValueToleranceBps = 0
	}
	if cfg.AcceptWindow <= 0 {
		cfg.AcceptWindow = def.AcceptWindow
	}
	return cfg
}
