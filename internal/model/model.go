// Package model defines the core domain types shared across the allocation
// engine. All monetary values use shopspring/decimal — never float64 for
// money. Trust scores are plain float64 in [0,100]; they are ratings, not
// money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionType partitions auctions by what is being allocated.
type AuctionType string

const (
	AuctionCapital        AuctionType = "CAPITAL"
	AuctionGuarantee      AuctionType = "GUARANTEE"
	AuctionSupplyContract AuctionType = "SUPPLY_CONTRACT"
)

// AuctionStatus is the auction lifecycle state. Transitions are
// one-directional: PENDING → ACTIVE → CLOSED, with PENDING/ACTIVE → CANCELLED
// as the only side exit.
type AuctionStatus string

const (
	AuctionPending   AuctionStatus = "PENDING"
	AuctionActive    AuctionStatus = "ACTIVE"
	AuctionClosed    AuctionStatus = "CLOSED"
	AuctionCancelled AuctionStatus = "CANCELLED"
)

// ClearingMethod selects how the clearing price is derived at close.
type ClearingMethod string

const (
	ClearFirstPrice  ClearingMethod = "FIRST_PRICE"
	ClearSecondPrice ClearingMethod = "SECOND_PRICE"
)

// BidStatus is the bid lifecycle state. ACCEPTED/REJECTED are assigned only
// at auction close; WITHDRAWN only while the auction is still ACTIVE.
type BidStatus string

const (
	BidPending   BidStatus = "PENDING"
	BidAccepted  BidStatus = "ACCEPTED"
	BidRejected  BidStatus = "REJECTED"
	BidWithdrawn BidStatus = "WITHDRAWN"
)

// Auction is a reverse auction: the lowest qualifying effective bid wins.
type Auction struct {
	ID              string           `json:"id" db:"id"`
	Type            AuctionType      `json:"type" db:"type"`
	Status          AuctionStatus    `json:"status" db:"status"`
	StartTime       time.Time        `json:"start_time" db:"start_time"`
	EndTime         time.Time        `json:"end_time" db:"end_time"`
	ExtendedEndTime *time.Time       `json:"extended_end_time,omitempty" db:"extended_end_time"`
	ReservePrice    *decimal.Decimal `json:"reserve_price,omitempty" db:"reserve_price"`
	TargetAmount    decimal.Decimal  `json:"target_amount" db:"target_amount"`
	MinTrustScore   *float64         `json:"min_trust_score,omitempty" db:"min_trust_score"`
	TrustWeight     decimal.Decimal  `json:"trust_weight" db:"trust_weight"`
	ClearingMethod  ClearingMethod   `json:"clearing_method" db:"clearing_method"`
	ClearedPrice    *decimal.Decimal `json:"cleared_price,omitempty" db:"cleared_price"`
	ClearedAt       *time.Time       `json:"cleared_at,omitempty" db:"cleared_at"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// EffectiveEnd returns the end time bids are accepted until, honoring an
// extension when one was granted.
func (a *Auction) EffectiveEnd() time.Time {
	if a.ExtendedEndTime != nil {
		return *a.ExtendedEndTime
	}
	return a.EndTime
}

// Bid belongs to exactly one auction and one bidder. BidderTrustScore is a
// snapshot taken at submission; the effective bid is derived from it and
// never recomputed afterwards.
type Bid struct {
	ID               string          `json:"id" db:"id"`
	AuctionID        string          `json:"auction_id" db:"auction_id"`
	BidderID         string          `json:"bidder_id" db:"bidder_id"`
	Price            decimal.Decimal `json:"price" db:"price"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	BidderTrustScore float64         `json:"bidder_trust_score" db:"bidder_trust_score"`
	EffectiveBid     decimal.Decimal `json:"effective_bid" db:"effective_bid"`
	Status           BidStatus       `json:"status" db:"status"`
	SubmittedAt      time.Time       `json:"submitted_at" db:"submitted_at"`
	AcceptedAt       *time.Time      `json:"accepted_at,omitempty" db:"accepted_at"`
	WithdrawnAt      *time.Time      `json:"withdrawn_at,omitempty" db:"withdrawn_at"`
}

// TrustScore is the multi-dimensional trust rating for one entity (user or
// organization). Score is always the fixed-weight combination of the five
// dimensions, clamped to [0,100]. Created lazily with all-zero dimensions on
// first reference; never deleted while the entity exists.
type TrustScore struct {
	EntityID         string     `json:"entity_id" db:"entity_id"`
	IdentityTrust    float64    `json:"identity_trust" db:"identity_trust"`
	TransactionTrust float64    `json:"transaction_trust" db:"transaction_trust"`
	FinancialTrust   float64    `json:"financial_trust" db:"financial_trust"`
	PerformanceTrust float64    `json:"performance_trust" db:"performance_trust"`
	LearningTrust    float64    `json:"learning_trust" db:"learning_trust"`
	BehaviorScore    float64    `json:"behavior_score" db:"behavior_score"`
	Score            float64    `json:"trust_score" db:"trust_score"`
	LastCalculatedAt time.Time  `json:"last_calculated_at" db:"last_calculated_at"`
	LastDecayAt      *time.Time `json:"last_decay_at,omitempty" db:"last_decay_at"`
}

// TrustEventType classifies trust audit records.
type TrustEventType string

const (
	TrustUpdated           TrustEventType = "UPDATED"
	TrustDecayApplied      TrustEventType = "DECAY_APPLIED"
	TrustRecoveryEvent     TrustEventType = "RECOVERY_EVENT"
	TrustManualAdjustment  TrustEventType = "MANUAL_ADJUSTMENT"
	TrustThresholdBreached TrustEventType = "THRESHOLD_BREACHED"
)

// ScoreSnapshot captures the dimension breakdown at the moment an event was
// recorded. Explicit fields only — serialized to JSON at the store boundary,
// never passed around as an untyped blob.
type ScoreSnapshot struct {
	IdentityTrust    float64 `json:"identity_trust"`
	TransactionTrust float64 `json:"transaction_trust"`
	FinancialTrust   float64 `json:"financial_trust"`
	PerformanceTrust float64 `json:"performance_trust"`
	LearningTrust    float64 `json:"learning_trust"`
	BehaviorScore    float64 `json:"behavior_score"`
}

// TrustEvent is an append-only audit record. Immutable once written.
type TrustEvent struct {
	ID            string         `json:"id" db:"id"`
	EntityID      string         `json:"entity_id" db:"entity_id"`
	EventType     TrustEventType `json:"event_type" db:"event_type"`
	PreviousScore float64        `json:"previous_score" db:"previous_score"`
	NewScore      float64        `json:"new_score" db:"new_score"`
	ChangeAmount  float64        `json:"change_amount" db:"change_amount"`
	TriggerType   string         `json:"trigger_type" db:"trigger_type"`
	Reason        string         `json:"reason,omitempty" db:"reason"`
	Snapshot      ScoreSnapshot  `json:"snapshot" db:"snapshot"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

// RequestStatus is the guarantee-request lifecycle state.
type RequestStatus string

const (
	RequestPending       RequestStatus = "PENDING"
	RequestAuctionActive RequestStatus = "AUCTION_ACTIVE"
	RequestAllocated     RequestStatus = "ALLOCATED"
	RequestExpired       RequestStatus = "EXPIRED"
)

// GuaranteeLayer is the risk tranche a guarantor offers to cover.
// FIRST_LOSS absorbs losses first, SENIOR last. An empty layer sorts after
// every named one during allocation.
type GuaranteeLayer string

const (
	LayerFirstLoss GuaranteeLayer = "FIRST_LOSS"
	LayerMezzanine GuaranteeLayer = "MEZZANINE"
	LayerSenior    GuaranteeLayer = "SENIOR"
)

// Priority returns the allocation ordering for a layer; unset layers go last.
func (l GuaranteeLayer) Priority() int {
	switch l {
	case LayerFirstLoss:
		return 1
	case LayerMezzanine:
		return 2
	case LayerSenior:
		return 3
	default:
		return 99
	}
}

// LayerSummary is one line of the allocation summary stored on a request.
type LayerSummary struct {
	Layer       GuaranteeLayer  `json:"layer"`
	Coverage    decimal.Decimal `json:"coverage"`
	GuarantorID string          `json:"guarantor_id"`
}

// GuaranteeRequest asks guarantors to cover a percentage of an amount.
type GuaranteeRequest struct {
	ID                string          `json:"id" db:"id"`
	IssuerID          string          `json:"issuer_id" db:"issuer_id"`
	Status            RequestStatus   `json:"status" db:"status"`
	RequestedCoverage decimal.Decimal `json:"requested_coverage" db:"requested_coverage"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	AuctionID         *string         `json:"auction_id,omitempty" db:"auction_id"`
	AllocatedCoverage decimal.Decimal `json:"allocated_coverage" db:"allocated_coverage"`
	AllocatedLayers   []LayerSummary  `json:"allocated_layers,omitempty" db:"allocated_layers"`
	AllocatedAt       *time.Time      `json:"allocated_at,omitempty" db:"allocated_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// GuaranteeBid is a guarantor's offer on one request.
type GuaranteeBid struct {
	ID                  string           `json:"id" db:"id"`
	RequestID           string           `json:"request_id" db:"request_id"`
	GuarantorID         string           `json:"guarantor_id" db:"guarantor_id"`
	CoveragePercent     decimal.Decimal  `json:"coverage_percent" db:"coverage_percent"`
	FeePercent          decimal.Decimal  `json:"fee_percent" db:"fee_percent"`
	Layer               GuaranteeLayer   `json:"layer,omitempty" db:"layer"`
	MaxCapacity         *decimal.Decimal `json:"max_capacity,omitempty" db:"max_capacity"`
	GuarantorTrustScore float64          `json:"guarantor_trust_score" db:"guarantor_trust_score"`
	EffectiveBid        decimal.Decimal  `json:"effective_bid" db:"effective_bid"`
	Status              BidStatus        `json:"status" db:"status"`
	SubmittedAt         time.Time        `json:"submitted_at" db:"submitted_at"`
}

// AllocationStatus is the guarantee-allocation lifecycle state.
type AllocationStatus string

const (
	AllocationActive   AllocationStatus = "ACTIVE"
	AllocationDrawn    AllocationStatus = "DRAWN"
	AllocationReleased AllocationStatus = "RELEASED"
	AllocationExpired  AllocationStatus = "EXPIRED"
)

// GuaranteeAllocation is a cleared slice of coverage assigned to one
// guarantor. Immutable once created except for status transitions.
type GuaranteeAllocation struct {
	ID              string           `json:"id" db:"id"`
	RequestID       string           `json:"request_id" db:"request_id"`
	GuarantorID     string           `json:"guarantor_id" db:"guarantor_id"`
	CoveragePercent decimal.Decimal  `json:"coverage_percent" db:"coverage_percent"`
	FeePercent      decimal.Decimal  `json:"fee_percent" db:"fee_percent"`
	Amount          decimal.Decimal  `json:"amount" db:"amount"`
	Layer           GuaranteeLayer   `json:"layer,omitempty" db:"layer"`
	Status          AllocationStatus `json:"status" db:"status"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}
