// Package guarantee implements guarantee requests, fee-based guarantor
// bidding, and layered coverage allocation.
//
// A guarantee request asks guarantors to collectively cover a percentage of
// an amount. Guarantors bid a fee for a slice of coverage, optionally pinned
// to a risk layer; allocation walks the layers first-loss first and fills
// coverage greedily by trust-weighted fee.
package guarantee

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundbridge/allocation-engine/internal/auction"
	"github.com/fundbridge/allocation-engine/internal/events"
	"github.com/fundbridge/allocation-engine/internal/fault"
	"github.com/fundbridge/allocation-engine/internal/metrics"
	"github.com/fundbridge/allocation-engine/internal/model"
	"github.com/fundbridge/allocation-engine/internal/store"
)

// MinGuaranteeTrust is the guarantee trust score required to bid.
const MinGuaranteeTrust = 50.0

// ActivityGuaranteeBid is the activity type reported when a guarantor bids.
const ActivityGuaranteeBid = "GUARANTEE_BID_PLACED"

var hundred = decimal.NewFromInt(100)

// TrustSource provides guarantee-specific trust scores and receives activity
// signals. Implemented by the trust engine.
type TrustSource interface {
	GuaranteeScore(ctx context.Context, entityID string) (float64, error)
	TrackActivity(ctx context.Context, entityID, activityType string, activityValue float64) error
}

// AuctionControl is the slice of the auction engine the guarantee engine
// drives: it opens a linked auction per request and inspects its state at
// allocation time.
type AuctionControl interface {
	Create(ctx context.Context, p auction.CreateParams) (*model.Auction, error)
	Start(ctx context.Context, auctionID string) (*model.Auction, error)
	Get(ctx context.Context, auctionID string) (*model.Auction, error)
}

// Engine runs the guarantee lifecycle over a Store.
type Engine struct {
	store    store.Store
	trust    TrustSource
	auctions AuctionControl
	hub      *events.Hub

	now func() time.Time
}

// NewEngine creates a guarantee engine. hub may be nil to disable event
// broadcasting.
func NewEngine(st store.Store, trust TrustSource, auctions AuctionControl, hub *events.Hub) *Engine {
	return &Engine{
		store:    st,
		trust:    trust,
		auctions: auctions,
		hub:      hub,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest stores a new PENDING guarantee request.
func (e *Engine) CreateRequest(ctx context.Context, issuerID string, requestedCoverage, amount decimal.Decimal) (*model.GuaranteeRequest, error) {
	if issuerID == "" {
		return nil, fault.New(fault.Validation, "issuer id is required")
	}
	if !requestedCoverage.IsPositive() || requestedCoverage.GreaterThan(hundred) {
		return nil, fault.New(fault.Validation, "requested coverage must be in (0,100], got %s", requestedCoverage)
	}
	if !amount.IsPositive() {
		return nil, fault.New(fault.Validation, "guaranteed amount must be positive")
	}

	r := &model.GuaranteeRequest{
		ID:                uuid.New().String(),
		IssuerID:          issuerID,
		Status:            model.RequestPending,
		RequestedCoverage: requestedCoverage,
		Amount:            amount,
		AllocatedCoverage: decimal.Zero,
		CreatedAt:         e.now(),
	}
	if err := e.store.CreateGuaranteeRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("create guarantee request: %w", err)
	}

	slog.Info("guarantee request created",
		"request", r.ID,
		"issuer", issuerID,
		"coverage", requestedCoverage,
		"amount", amount,
	)
	return r, nil
}

// GetRequest returns one guarantee request.
func (e *Engine) GetRequest(ctx context.Context, id string) (*model.GuaranteeRequest, error) {
	r, err := e.store.GetGuaranteeRequest(ctx, id)
	if err != nil {
		return nil, translate(err, "guarantee request %s", id)
	}
	return r, nil
}

// Bids returns all guarantor bids on one request, oldest first.
func (e *Engine) Bids(ctx context.Context, requestID string) ([]model.GuaranteeBid, error) {
	if _, err := e.store.GetGuaranteeRequest(ctx, requestID); err != nil {
		return nil, translate(err, "guarantee request %s", requestID)
	}
	return e.store.ListGuaranteeBidsByRequest(ctx, requestID)
}

// Allocations returns all allocations created for one request.
func (e *Engine) Allocations(ctx context.Context, requestID string) ([]model.GuaranteeAllocation, error) {
	if _, err := e.store.GetGuaranteeRequest(ctx, requestID); err != nil {
		return nil, translate(err, "guarantee request %s", requestID)
	}
	return e.store.ListAllocationsByRequest(ctx, requestID)
}

// OpenAuction creates and starts the GUARANTEE auction backing a PENDING
// request, and links it.
func (e *Engine) OpenAuction(ctx context.Context, requestID string, endTime time.Time) (*model.GuaranteeRequest, error) {
	r, err := e.store.GetGuaranteeRequest(ctx, requestID)
	if err != nil {
		return nil, translate(err, "guarantee request %s", requestID)
	}
	if r.Status != model.RequestPending {
		return nil, fault.New(fault.InvalidState, "request %s is %s, not PENDING", requestID, r.Status)
	}

	a, err := e.auctions.Create(ctx, auction.CreateParams{
		Type:           model.AuctionGuarantee,
		StartTime:      e.now(),
		EndTime:        endTime,
		TargetAmount:   r.Amount,
		TrustWeight:    decimal.NewFromInt(1),
		ClearingMethod: model.ClearFirstPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("create guarantee auction: %w", err)
	}
	if _, err := e.auctions.Start(ctx, a.ID); err != nil {
		return nil, fmt.Errorf("start guarantee auction: %w", err)
	}

	r.AuctionID = &a.ID
	r.Status = model.RequestAuctionActive
	if err := e.store.UpdateGuaranteeRequest(ctx, r, model.RequestPending); err != nil {
		return nil, translate(err, "open auction for request %s", requestID)
	}

	slog.Info("guarantee auction opened", "request", r.ID, "auction", a.ID, "ends", endTime)
	return r, nil
}

// PlaceBid validates and records a guarantor's offer on a request with an
// active auction. Ranking uses the fee weighted by the guarantor's
// guarantee-specific trust score, snapshotted at submission.
func (e *Engine) PlaceBid(ctx context.Context, requestID, guarantorID string,
	coveragePercent, feePercent decimal.Decimal, layer model.GuaranteeLayer, maxCapacity *decimal.Decimal) (*model.GuaranteeBid, error) {

	if guarantorID == "" {
		return nil, fault.New(fault.Validation, "guarantor id is required")
	}
	if !coveragePercent.IsPositive() || coveragePercent.GreaterThan(hundred) {
		return nil, fault.New(fault.Validation, "coverage percent must be in (0,100], got %s", coveragePercent)
	}
	if !feePercent.IsPositive() {
		return nil, fault.New(fault.Validation, "fee percent must be positive")
	}
	switch layer {
	case "", model.LayerFirstLoss, model.LayerMezzanine, model.LayerSenior:
	default:
		return nil, fault.New(fault.Validation, "unknown guarantee layer %q", layer)
	}

	r, err := e.store.GetGuaranteeRequest(ctx, requestID)
	if err != nil {
		return nil, translate(err, "guarantee request %s", requestID)
	}
	if r.Status != model.RequestAuctionActive || r.AuctionID == nil {
		return nil, fault.New(fault.InvalidState, "request %s is not accepting bids", requestID)
	}

	a, err := e.auctions.Get(ctx, *r.AuctionID)
	if err != nil {
		return nil, fmt.Errorf("linked auction: %w", err)
	}
	now := e.now()
	if a.Status != model.AuctionActive || !now.Before(a.EffectiveEnd()) {
		return nil, fault.New(fault.InvalidState, "bidding window for request %s has closed", requestID)
	}

	score, err := e.trust.GuaranteeScore(ctx, guarantorID)
	if err != nil {
		return nil, fmt.Errorf("guarantee trust for %s: %w", guarantorID, err)
	}
	if score < MinGuaranteeTrust {
		metrics.BidRejections.WithLabelValues("insufficient_guarantee_trust").Inc()
		return nil, fault.New(fault.InsufficientGuaranteeTrust,
			"guarantor %s guarantee trust %.1f below required %.0f", guarantorID, score, MinGuaranteeTrust)
	}

	// Exposure is the covered slice of the request amount.
	exposure := r.Amount.Mul(coveragePercent).Div(hundred)
	if maxCapacity != nil && exposure.GreaterThan(*maxCapacity) {
		metrics.BidRejections.WithLabelValues("insufficient_capacity").Inc()
		return nil, fault.New(fault.InsufficientCapacity,
			"exposure %s exceeds guarantor capacity %s", exposure, maxCapacity)
	}

	b := &model.GuaranteeBid{
		ID:                  uuid.New().String(),
		RequestID:           requestID,
		GuarantorID:         guarantorID,
		CoveragePercent:     coveragePercent,
		FeePercent:          feePercent,
		Layer:               layer,
		MaxCapacity:         maxCapacity,
		GuarantorTrustScore: score,
		EffectiveBid:        EffectiveFee(feePercent, score),
		Status:              model.BidPending,
		SubmittedAt:         now,
	}
	if err := e.store.InsertGuaranteeBid(ctx, b); err != nil {
		return nil, fmt.Errorf("insert guarantee bid: %w", err)
	}
	metrics.BidsTotal.WithLabelValues(string(model.AuctionGuarantee)).Inc()

	go func() {
		if err := e.trust.TrackActivity(context.Background(), guarantorID, ActivityGuaranteeBid, 1); err != nil {
			slog.Warn("activity tracking failed", "guarantor", guarantorID, "err", err)
		}
	}()

	e.hub.Broadcast(events.Message{
		Type:      events.TypeBidPlaced,
		RequestID: requestID,
		AuctionID: *r.AuctionID,
		BidID:     b.ID,
		EntityID:  guarantorID,
		Coverage:  coveragePercent.String(),
		At:        now.Format(time.RFC3339),
	})
	slog.Info("guarantee bid placed",
		"request", requestID,
		"bid", b.ID,
		"guarantor", guarantorID,
		"coverage", coveragePercent,
		"fee", feePercent,
		"layer", layer,
	)
	return b, nil
}

// Allocate clears a request whose linked auction has CLOSED: open bids are
// ordered by layer priority, then ascending effective fee, and coverage is
// filled greedily until the requested percentage is reached. A partial fill
// is a valid outcome. The request, its allocations, and all terminal bid
// statuses are written atomically.
func (e *Engine) Allocate(ctx context.Context, requestID string) (*model.GuaranteeRequest, error) {
	r, err := e.store.GetGuaranteeRequest(ctx, requestID)
	if err != nil {
		return nil, translate(err, "guarantee request %s", requestID)
	}
	if r.Status != model.RequestAuctionActive || r.AuctionID == nil {
		return nil, fault.New(fault.InvalidState, "request %s is %s, not AUCTION_ACTIVE", requestID, r.Status)
	}

	a, err := e.auctions.Get(ctx, *r.AuctionID)
	if err != nil {
		return nil, fmt.Errorf("linked auction: %w", err)
	}
	if a.Status != model.AuctionClosed {
		return nil, fault.New(fault.InvalidState, "auction %s is %s, close it before allocating", a.ID, a.Status)
	}

	all, err := e.store.ListGuaranteeBidsByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list guarantee bids: %w", err)
	}
	var live []model.GuaranteeBid
	for _, b := range all {
		if b.Status == model.BidPending {
			live = append(live, b)
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		pi, pj := live[i].Layer.Priority(), live[j].Layer.Priority()
		if pi != pj {
			return pi < pj
		}
		if !live[i].EffectiveBid.Equal(live[j].EffectiveBid) {
			return live[i].EffectiveBid.LessThan(live[j].EffectiveBid)
		}
		return live[i].SubmittedAt.Before(live[j].SubmittedAt)
	})

	now := e.now()
	remaining := r.RequestedCoverage
	var allocations []model.GuaranteeAllocation
	for i := range live {
		if !remaining.IsPositive() {
			live[i].Status = model.BidRejected
			continue
		}
		take := live[i].CoveragePercent
		if take.GreaterThan(remaining) {
			take = remaining
		}
		live[i].Status = model.BidAccepted
		remaining = remaining.Sub(take)

		allocations = append(allocations, model.GuaranteeAllocation{
			ID:              uuid.New().String(),
			RequestID:       r.ID,
			GuarantorID:     live[i].GuarantorID,
			CoveragePercent: take,
			FeePercent:      live[i].FeePercent,
			Amount:          r.Amount.Mul(take).Div(hundred),
			Layer:           live[i].Layer,
			Status:          model.AllocationActive,
			CreatedAt:       now,
		})
	}

	r.Status = model.RequestAllocated
	r.AllocatedCoverage = r.RequestedCoverage.Sub(remaining)
	r.AllocatedAt = &now
	r.AllocatedLayers = nil
	for _, al := range allocations {
		r.AllocatedLayers = append(r.AllocatedLayers, model.LayerSummary{
			Layer:       al.Layer,
			Coverage:    al.CoveragePercent,
			GuarantorID: al.GuarantorID,
		})
	}

	if err := e.store.ApplyAllocations(ctx, r, model.RequestAuctionActive, allocations, live); err != nil {
		return nil, translate(err, "allocate request %s", requestID)
	}
	for _, al := range allocations {
		layer := string(al.Layer)
		if layer == "" {
			layer = "unlayered"
		}
		metrics.AllocationsTotal.WithLabelValues(layer).Inc()
		cov, _ := al.CoveragePercent.Float64()
		metrics.AllocatedCoverage.WithLabelValues(layer).Add(cov)
	}

	e.hub.Broadcast(events.Message{
		Type:      events.TypeGuaranteesAllocated,
		RequestID: r.ID,
		Coverage:  r.AllocatedCoverage.String(),
		At:        now.Format(time.RFC3339),
	})
	slog.Info("guarantees allocated",
		"request", r.ID,
		"allocations", len(allocations),
		"coverage", r.AllocatedCoverage,
		"requested", r.RequestedCoverage,
	)
	return r, nil
}

// ExpireRequest voids a request that never reached allocation. Open bids are
// rejected in the same atomic write.
func (e *Engine) ExpireRequest(ctx context.Context, requestID string) (*model.GuaranteeRequest, error) {
	r, err := e.store.GetGuaranteeRequest(ctx, requestID)
	if err != nil {
		return nil, translate(err, "guarantee request %s", requestID)
	}
	if r.Status != model.RequestPending && r.Status != model.RequestAuctionActive {
		return nil, fault.New(fault.InvalidState, "request %s is %s, cannot expire", requestID, r.Status)
	}
	prev := r.Status

	all, err := e.store.ListGuaranteeBidsByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list guarantee bids: %w", err)
	}
	var rejected []model.GuaranteeBid
	for _, b := range all {
		if b.Status == model.BidPending {
			b.Status = model.BidRejected
			rejected = append(rejected, b)
		}
	}

	r.Status = model.RequestExpired
	if err := e.store.ApplyAllocations(ctx, r, prev, nil, rejected); err != nil {
		return nil, translate(err, "expire request %s", requestID)
	}

	slog.Info("guarantee request expired", "request", r.ID, "rejected_bids", len(rejected))
	return r, nil
}

// Draw marks an ACTIVE allocation as drawn upon.
func (e *Engine) Draw(ctx context.Context, allocationID string) error {
	return e.transition(ctx, allocationID, model.AllocationActive, model.AllocationDrawn)
}

// Release returns an ACTIVE allocation to the guarantor without a draw.
func (e *Engine) Release(ctx context.Context, allocationID string) error {
	return e.transition(ctx, allocationID, model.AllocationActive, model.AllocationReleased)
}

// Expire ends an ACTIVE allocation at the guarantee term.
func (e *Engine) Expire(ctx context.Context, allocationID string) error {
	return e.transition(ctx, allocationID, model.AllocationActive, model.AllocationExpired)
}

func (e *Engine) transition(ctx context.Context, allocationID string, from, to model.AllocationStatus) error {
	if err := e.store.SetAllocationStatus(ctx, allocationID, from, to); err != nil {
		return translate(err, "allocation %s to %s", allocationID, to)
	}

	e.hub.Broadcast(events.Message{
		Type:         events.TypeAllocationTransition,
		AllocationID: allocationID,
		Status:       string(to),
		At:           e.now().Format(time.RFC3339),
	})
	slog.Info("allocation transitioned", "allocation", allocationID, "status", to)
	return nil
}

// EffectiveFee derives the trust-weighted ranking value of a guarantee bid:
// feePercent × (guaranteeTrust / 100). Lower wins.
func EffectiveFee(feePercent decimal.Decimal, guaranteeTrust float64) decimal.Decimal {
	return feePercent.Mul(decimal.NewFromFloat(guaranteeTrust / 100))
}

// translate maps store sentinel errors onto the fault taxonomy.
func translate(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case store.IsNotFound(err):
		return fault.New(fault.NotFound, "%s: not found", msg)
	case store.IsConflict(err):
		return fault.New(fault.InvalidState, "%s: state changed concurrently", msg)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}
