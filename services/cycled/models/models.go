package models

import (
	"time"

	"gorm.io/gorm"
)

// IntentStatus tracks whether an intent is available to the matcher.
type IntentStatus string

// Intent statuses.
const (
	IntentActive    IntentStatus = "active"
	IntentReserved  IntentStatus = "reserved"
	IntentCancelled IntentStatus = "cancelled"
)

// CommitPhase is the two-phase handshake state of a commit.
type CommitPhase string

// Commit phases.
const (
	PhaseAccept    CommitPhase = "accept"
	PhaseReady     CommitPhase = "ready"
	PhaseCancelled CommitPhase = "cancelled"
)

// ParticipantStatus records a single participant's answer to a proposal.
type ParticipantStatus string

// Participant statuses.
const (
	ParticipantPending  ParticipantStatus = "pending"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantDeclined ParticipantStatus = "declined"
)

// SettlementState represents a state in the settlement workflow.
type SettlementState string

// Settlement states.
const (
	SettlementAccepted      SettlementState = "accepted"
	SettlementEscrowPending SettlementState = "escrow.pending"
	SettlementEscrowReady   SettlementState = "escrow.ready"
	SettlementExecuting     SettlementState = "executing"
	SettlementCompleted     SettlementState = "completed"
	SettlementFailed        SettlementState = "failed"
)

// LegStatus tracks custody of a single leg.
type LegStatus string

// Leg statuses.
const (
	LegPending   LegStatus = "pending"
	LegDeposited LegStatus = "deposited"
	LegReleased  LegStatus = "released"
	LegRefunded  LegStatus = "refunded"
)

// Asset is a single tradeable item offered by an intent.
type Asset struct {
	ID         string            `json:"id"`
	Category   string            `json:"category"`
	ValueUSD   float64           `json:"value_usd"`
	Condition  string            `json:"condition,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// WantSpec describes what an intent is willing to receive.
type WantSpec struct {
	Category     string            `json:"category,omitempty"`
	AssetIDs     []string          `json:"asset_ids,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	MinCondition string            `json:"min_condition,omitempty"`
}

// Intent is a standing offer to give assets in exchange for something wanted.
type Intent struct {
	ID             string       `gorm:"primaryKey;size:64" json:"id"`
	ActorID        string       `gorm:"size:128;index;not null" json:"actor_id"`
	PartnerID      string       `gorm:"size:128;index" json:"partner_id,omitempty"`
	Offer          Assets       `gorm:"type:text;not null" json:"offer"`
	Want           WantSpec     `gorm:"type:text;not null" json:"want"`
	ValueMinUSD    float64      `json:"value_min_usd"`
	ValueMaxUSD    float64      `json:"value_max_usd"`
	MaxCycleLength int          `json:"max_cycle_length"`
	Status         IntentStatus `gorm:"size:16;index;not null" json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Proposal is an immutable cycle candidate selected by a matching run.
type Proposal struct {
	ID           string                `gorm:"primaryKey;size:80" json:"id"`
	RunID        string                `gorm:"size:64;index" json:"run_id"`
	CanonicalKey string                `gorm:"size:512;index" json:"canonical_key"`
	ScoreMicros  int64                 `json:"score_micros"`
	Confidence   float64               `json:"confidence"`
	ValueSpread  float64               `json:"value_spread"`
	ExpiresAt    time.Time             `gorm:"index" json:"expires_at"`
	CreatedAt    time.Time             `json:"created_at"`
	Participants []ProposalParticipant `gorm:"foreignKey:ProposalID;constraint:OnDelete:CASCADE" json:"participants"`
}

// IntentIDs returns the participant intents in cycle order.
func (p Proposal) IntentIDs() []string {
	out := make([]string, 0, len(p.Participants))
	for _, part := range p.Participants {
		out = append(out, part.IntentID)
	}
	return out
}

// ProposalParticipant is one position in a proposed cycle. Participant i gives
// to participant i+1 and receives from participant i-1.
type ProposalParticipant struct {
	ProposalID string `gorm:"primaryKey;size:80" json:"-"`
	Position   int    `gorm:"primaryKey;autoIncrement:false" json:"position"`
	IntentID   string `gorm:"size:64;index;not null" json:"intent_id"`
	ActorID    string `gorm:"size:128;index;not null" json:"actor_id"`
	PartnerID  string `gorm:"size:128" json:"partner_id,omitempty"`
	Give       Assets `gorm:"type:text" json:"give"`
	Get        Assets `gorm:"type:text" json:"get"`
}

// Commit tracks the accept/decline handshake for a proposal.
type Commit struct {
	ID           string              `gorm:"primaryKey;size:96" json:"id"`
	ProposalID   string              `gorm:"size:80;uniqueIndex;not null" json:"proposal_id"`
	CycleID      string              `gorm:"size:80;index;not null" json:"cycle_id"`
	Phase        CommitPhase         `gorm:"size:16;index;not null" json:"phase"`
	CancelReason string              `gorm:"size:64" json:"cancel_reason,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Participants []CommitParticipant `gorm:"foreignKey:CommitID;constraint:OnDelete:CASCADE" json:"participants"`
}

// CommitParticipant holds the per-participant answer.
type CommitParticipant struct {
	CommitID  string            `gorm:"primaryKey;size:96" json:"-"`
	Position  int               `gorm:"primaryKey;autoIncrement:false" json:"position"`
	IntentID  string            `gorm:"size:64;index;not null" json:"intent_id"`
	ActorID   string            `gorm:"size:128;index;not null" json:"actor_id"`
	PartnerID string            `gorm:"size:128" json:"partner_id,omitempty"`
	Status    ParticipantStatus `gorm:"size:16;not null" json:"status"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Reservation binds an intent to a commit. The primary key guarantees an
// intent is held by at most one commit.
type Reservation struct {
	IntentID      string    `gorm:"primaryKey;size:64" json:"intent_id"`
	CommitID      string    `gorm:"size:96;index;not null" json:"commit_id"`
	CycleID       string    `gorm:"size:80;index;not null" json:"cycle_id"`
	ReservedUntil time.Time `json:"reserved_until"`
	CreatedAt     time.Time `json:"created_at"`
}

// Timeline is the settlement progress of an accepted cycle.
type Timeline struct {
	CycleID         string          `gorm:"primaryKey;size:80" json:"cycle_id"`
	CommitID        string          `gorm:"size:96;uniqueIndex;not null" json:"commit_id"`
	State           SettlementState `gorm:"size:32;index;not null" json:"state"`
	DepositDeadline time.Time       `json:"deposit_deadline"`
	ReasonCode      string          `gorm:"size:64" json:"reason_code,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Legs            []Leg           `gorm:"foreignKey:CycleID;references:CycleID;constraint:OnDelete:CASCADE" json:"legs"`
}

// TableName keeps the settlement prefix on the timeline table.
func (Timeline) TableName() string { return "settlement_timelines" }

// Leg is the transfer of one participant's give assets to the next participant.
type Leg struct {
	ID              string     `gorm:"primaryKey;size:96" json:"id"`
	CycleID         string     `gorm:"size:80;index;not null" json:"cycle_id"`
	Position        int        `json:"position"`
	IntentID        string     `gorm:"size:64;index;not null" json:"intent_id"`
	FromActor       string     `gorm:"size:128;not null" json:"from_actor"`
	ToActor         string     `gorm:"size:128;not null" json:"to_actor"`
	Assets          Assets     `gorm:"type:text" json:"assets"`
	Status          LegStatus  `gorm:"size:16;not null" json:"status"`
	DepositDeadline time.Time  `json:"deposit_deadline"`
	VaultID         string     `gorm:"size:128" json:"vault_id,omitempty"`
	DepositedAt     *time.Time `json:"deposited_at,omitempty"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	RefundedAt      *time.Time `json:"refunded_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// VaultBound reports whether custody of the leg is held by a vault.
func (l Leg) VaultBound() bool { return l.VaultID != "" }

// Fee is a single fee line on a receipt.
type Fee struct {
	ActorID   string  `json:"actor_id"`
	Kind      string  `json:"kind"`
	AmountUSD float64 `json:"amount_usd"`
}

// LegOutcome is the terminal status of a leg as reported on a receipt.
type LegOutcome struct {
	LegID    string    `json:"leg_id"`
	IntentID string    `json:"intent_id"`
	Status   LegStatus `json:"status"`
}

// Receipt is the terminal record for a cycle.
type Receipt struct {
	ID          string          `gorm:"primaryKey;size:96" json:"id"`
	CycleID     string          `gorm:"size:80;uniqueIndex;not null" json:"cycle_id"`
	FinalState  SettlementState `gorm:"size:32;index;not null" json:"final_state"`
	ReasonCode  string          `gorm:"size:64" json:"reason_code,omitempty"`
	IntentIDs   StringList      `gorm:"type:text" json:"intent_ids"`
	AssetIDs    StringList      `gorm:"type:text" json:"asset_ids"`
	Fees        Fees            `gorm:"type:text" json:"fees"`
	ScoreMicros int64           `json:"score_micros"`
	ValueSpread float64         `json:"value_spread"`
	LegOutcomes LegOutcomes     `gorm:"type:text" json:"leg_outcomes"`
	Signature   string          `gorm:"type:text" json:"signature,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// IdempotencyRecord stores the first result produced for a scoped key.
type IdempotencyRecord struct {
	Scope       string    `gorm:"primaryKey;size:255"`
	Key         string    `gorm:"primaryKey;size:128"`
	RequestHash string    `gorm:"size:64;not null"`
	Response    string    `gorm:"type:text"`
	CreatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index"`
}

// MatchingRun records the inputs and outcome of a matching run.
type MatchingRun struct {
	ID                string     `gorm:"primaryKey;size:64" json:"id"`
	ActorID           string     `gorm:"size:128;index" json:"actor_id"`
	RunKey            string     `gorm:"size:128;index" json:"run_key"`
	MinCycleLength    int        `json:"min_cycle_length"`
	MaxCycleLength    int        `json:"max_cycle_length"`
	MaxCyclesExplored int        `json:"max_cycles_explored"`
	TimeoutMS         int64      `json:"timeout_ms"`
	ActiveIntents     int        `json:"active_intents"`
	ExcludedIntents   int        `json:"excluded_intents"`
	CandidateCycles   int        `json:"candidate_cycles"`
	Limited           bool       `json:"limited"`
	TimedOut          bool       `json:"timed_out"`
	ProposalIDs       StringList `gorm:"type:text" json:"proposal_ids"`
	Collected         int        `json:"collected"`
	RunAt             time.Time  `json:"run_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Event is an append-only outbox entry.
type Event struct {
	Sequence   int64     `gorm:"primaryKey;autoIncrement" json:"sequence"`
	ID         string    `gorm:"size:64;uniqueIndex;not null" json:"id"`
	Type       string    `gorm:"size:64;index;not null" json:"type"`
	CycleID    string    `gorm:"size:80;index" json:"cycle_id,omitempty"`
	CommitID   string    `gorm:"size:96" json:"commit_id,omitempty"`
	IntentID   string    `gorm:"size:64;index" json:"intent_id,omitempty"`
	LegID      string    `gorm:"size:96" json:"leg_id,omitempty"`
	FromState  string    `gorm:"size:32" json:"from_state,omitempty"`
	ToState    string    `gorm:"size:32" json:"to_state,omitempty"`
	ReasonCode string    `gorm:"size:64" json:"reason_code,omitempty"`
	Payload    string    `gorm:"type:text" json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Intent{},
		&Proposal{},
		&ProposalParticipant{},
		&Commit{},
		&CommitParticipant{},
		&Reservation{},
		&Timeline{},
		&Leg{},
		&Receipt{},
		&IdempotencyRecord{},
		&MatchingRun{},
		&Event{},
	)
}
