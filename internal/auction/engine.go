// Package auction implements the reverse-auction lifecycle: creation,
// activation, trust-weighted bidding, and clearing.
//
// Auctions are reverse auctions: bidders compete on price downward, and
// ranking uses the trust-weighted effective bid rather than the raw price. A
// high-trust bidder with a slightly higher price can outrank a low-trust
// bidder with a lower one.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundbridge/allocation-engine/internal/events"
	"github.com/fundbridge/allocation-engine/internal/fault"
	"github.com/fundbridge/allocation-engine/internal/metrics"
	"github.com/fundbridge/allocation-engine/internal/model"
	"github.com/fundbridge/allocation-engine/internal/store"
)

// ActivityBid is the activity type reported to the trust engine when a bid
// enters an auction.
const ActivityBid = "BID_PLACED"

// bidActivityValue is the recovery weight of one placed bid.
const bidActivityValue = 1.0

// TrustSource provides bidder trust scores and receives activity signals.
// Implemented by the trust engine.
type TrustSource interface {
	Score(ctx context.Context, entityID string) (float64, error)
	TrackActivity(ctx context.Context, entityID, activityType string, activityValue float64) error
}

// Engine runs the auction lifecycle over a Store.
type Engine struct {
	store store.Store
	trust TrustSource
	hub   *events.Hub

	now func() time.Time
}

// NewEngine creates an auction engine. hub may be nil to disable event
// broadcasting.
func NewEngine(st store.Store, trust TrustSource, hub *events.Hub) *Engine {
	return &Engine{
		store: st,
		trust: trust,
		hub:   hub,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams are the caller-supplied auction parameters.
type CreateParams struct {
	Type           model.AuctionType
	StartTime      time.Time
	EndTime        time.Time
	ReservePrice   *decimal.Decimal
	TargetAmount   decimal.Decimal
	MinTrustScore  *float64
	TrustWeight    decimal.Decimal
	ClearingMethod model.ClearingMethod
}

// Create validates the parameters and stores a new PENDING auction.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*model.Auction, error) {
	switch p.Type {
	case model.AuctionCapital, model.AuctionGuarantee, model.AuctionSupplyContract:
	default:
		return nil, fault.New(fault.Validation, "unknown auction type %q", p.Type)
	}
	switch p.ClearingMethod {
	case model.ClearFirstPrice, model.ClearSecondPrice:
	default:
		return nil, fault.New(fault.Validation, "unknown clearing method %q", p.ClearingMethod)
	}
	if !p.EndTime.After(p.StartTime) {
		return nil, fault.New(fault.Validation, "end time must be after start time")
	}
	if !p.TargetAmount.IsPositive() {
		return nil, fault.New(fault.Validation, "target amount must be positive")
	}
	if p.ReservePrice != nil && !p.ReservePrice.IsPositive() {
		return nil, fault.New(fault.Validation, "reserve price must be positive")
	}
	if p.MinTrustScore != nil && (*p.MinTrustScore < 0 || *p.MinTrustScore > 100) {
		return nil, fault.New(fault.Validation, "minimum trust score must be in [0,100]")
	}
	if p.TrustWeight.IsNegative() {
		return nil, fault.New(fault.Validation, "trust weight must not be negative")
	}
	if p.TrustWeight.IsZero() {
		p.TrustWeight = decimal.NewFromInt(1)
	}

	a := &model.Auction{
		ID:             uuid.New().String(),
		Type:           p.Type,
		Status:         model.AuctionPending,
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		ReservePrice:   p.ReservePrice,
		TargetAmount:   p.TargetAmount,
		MinTrustScore:  p.MinTrustScore,
		TrustWeight:    p.TrustWeight,
		ClearingMethod: p.ClearingMethod,
		CreatedAt:      e.now(),
	}
	if err := e.store.CreateAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("create auction: %w", err)
	}

	slog.Info("auction created", "auction", a.ID, "type", a.Type, "method", a.ClearingMethod)
	return a, nil
}

// Get returns one auction.
func (e *Engine) Get(ctx context.Context, id string) (*model.Auction, error) {
	a, err := e.store.GetAuction(ctx, id)
	if err != nil {
		return nil, translate(err, "auction %s", id)
	}
	return a, nil
}

// List returns all auctions.
func (e *Engine) List(ctx context.Context) ([]model.Auction, error) {
	return e.store.ListAuctions(ctx)
}

// Bids returns all bids of one auction, oldest first.
func (e *Engine) Bids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := e.store.GetAuction(ctx, auctionID); err != nil {
		return nil, translate(err, "auction %s", auctionID)
	}
	return e.store.ListBidsByAuction(ctx, auctionID)
}

// Start transitions a PENDING auction to ACTIVE once its start time has been
// reached.
func (e *Engine) Start(ctx context.Context, auctionID string) (*model.Auction, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, translate(err, "auction %s", auctionID)
	}
	if a.Status != model.AuctionPending {
		return nil, fault.New(fault.InvalidState, "auction %s is %s, not PENDING", auctionID, a.Status)
	}
	if e.now().Before(a.StartTime) {
		return nil, fault.New(fault.InvalidState, "auction %s does not start until %s", auctionID, a.StartTime.Format(time.RFC3339))
	}

	a.Status = model.AuctionActive
	if err := e.store.UpdateAuction(ctx, a, model.AuctionPending); err != nil {
		return nil, translate(err, "start auction %s", auctionID)
	}
	metrics.ActiveAuctions.Inc()

	e.hub.Broadcast(events.Message{
		Type:      events.TypeAuctionStarted,
		AuctionID: a.ID,
		At:        e.now().Format(time.RFC3339),
	})
	slog.Info("auction started", "auction", a.ID)
	return a, nil
}

// PlaceBid validates and records a bid on an ACTIVE auction. The bidder's
// trust score is snapshotted at submission and the effective bid derived from
// it is fixed for the life of the bid.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID string, price, amount decimal.Decimal) (*model.Bid, error) {
	if bidderID == "" {
		return nil, fault.New(fault.Validation, "bidder id is required")
	}
	if !price.IsPositive() {
		return nil, fault.New(fault.Validation, "bid price must be positive")
	}
	if !amount.IsPositive() {
		return nil, fault.New(fault.Validation, "bid amount must be positive")
	}

	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, translate(err, "auction %s", auctionID)
	}
	now := e.now()
	if a.Status != model.AuctionActive {
		return nil, fault.New(fault.InvalidState, "auction %s is %s, not ACTIVE", auctionID, a.Status)
	}
	if now.Before(a.StartTime) || !now.Before(a.EffectiveEnd()) {
		return nil, fault.New(fault.InvalidState, "auction %s is outside its bidding window", auctionID)
	}

	// Reverse auction: the reserve price is a ceiling, not a floor.
	if a.ReservePrice != nil && price.GreaterThan(*a.ReservePrice) {
		metrics.BidRejections.WithLabelValues("above_reserve").Inc()
		return nil, fault.New(fault.Validation, "bid price %s exceeds reserve price %s", price, a.ReservePrice)
	}

	score, err := e.trust.Score(ctx, bidderID)
	if err != nil {
		return nil, fmt.Errorf("trust score for bidder %s: %w", bidderID, err)
	}
	if a.MinTrustScore != nil && score < *a.MinTrustScore {
		metrics.BidRejections.WithLabelValues("insufficient_trust").Inc()
		return nil, fault.New(fault.InsufficientTrust,
			"bidder %s trust score %.1f below auction minimum %.1f", bidderID, score, *a.MinTrustScore)
	}

	b := &model.Bid{
		ID:               uuid.New().String(),
		AuctionID:        auctionID,
		BidderID:         bidderID,
		Price:            price,
		Amount:           amount,
		BidderTrustScore: score,
		EffectiveBid:     EffectiveBid(price, a.TrustWeight, score),
		Status:           model.BidPending,
		SubmittedAt:      now,
	}
	if err := e.store.InsertBid(ctx, b); err != nil {
		return nil, fmt.Errorf("insert bid: %w", err)
	}
	metrics.BidsTotal.WithLabelValues(string(a.Type)).Inc()

	// Bidding counts as activity. Failure here must never undo an accepted
	// bid, so the signal is detached from the request context and only
	// logged.
	go func() {
		if err := e.trust.TrackActivity(context.Background(), bidderID, ActivityBid, bidActivityValue); err != nil {
			slog.Warn("activity tracking failed", "bidder", bidderID, "err", err)
		}
	}()

	e.hub.Broadcast(events.Message{
		Type:      events.TypeBidPlaced,
		AuctionID: auctionID,
		BidID:     b.ID,
		EntityID:  bidderID,
		Price:     price.String(),
		At:        now.Format(time.RFC3339),
	})
	slog.Info("bid placed",
		"auction", auctionID,
		"bid", b.ID,
		"bidder", bidderID,
		"price", price,
		"effective", b.EffectiveBid,
	)
	return b, nil
}

// WithdrawBid marks a PENDING bid WITHDRAWN. Only the original bidder may
// withdraw, and only while the auction is still ACTIVE.
func (e *Engine) WithdrawBid(ctx context.Context, bidID, bidderID string) (*model.Bid, error) {
	b, err := e.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, translate(err, "bid %s", bidID)
	}
	if b.BidderID != bidderID {
		return nil, fault.New(fault.Unauthorized, "bid %s does not belong to %s", bidID, bidderID)
	}
	if b.Status != model.BidPending {
		return nil, fault.New(fault.InvalidState, "bid %s is %s, not PENDING", bidID, b.Status)
	}

	a, err := e.store.GetAuction(ctx, b.AuctionID)
	if err != nil {
		return nil, translate(err, "auction %s", b.AuctionID)
	}
	if a.Status != model.AuctionActive {
		return nil, fault.New(fault.InvalidState, "auction %s is %s, bids can no longer be withdrawn", a.ID, a.Status)
	}

	now := e.now()
	b.Status = model.BidWithdrawn
	b.WithdrawnAt = &now
	if err := e.store.UpdateBid(ctx, b); err != nil {
		return nil, fmt.Errorf("withdraw bid: %w", err)
	}

	e.hub.Broadcast(events.Message{
		Type:      events.TypeBidWithdrawn,
		AuctionID: b.AuctionID,
		BidID:     b.ID,
		EntityID:  bidderID,
		At:        now.Format(time.RFC3339),
	})
	slog.Info("bid withdrawn", "auction", b.AuctionID, "bid", b.ID, "bidder", bidderID)
	return b, nil
}

// Extend pushes an ACTIVE auction's end time to a strictly later moment.
func (e *Engine) Extend(ctx context.Context, auctionID string, newEnd time.Time) (*model.Auction, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, translate(err, "auction %s", auctionID)
	}
	if a.Status != model.AuctionActive {
		return nil, fault.New(fault.InvalidState, "auction %s is %s, not ACTIVE", auctionID, a.Status)
	}
	if !newEnd.After(a.EffectiveEnd()) {
		return nil, fault.New(fault.Validation, "new end time must be after the current end time")
	}

	a.ExtendedEndTime = &newEnd
	if err := e.store.UpdateAuction(ctx, a, model.AuctionActive); err != nil {
		return nil, translate(err, "extend auction %s", auctionID)
	}

	e.hub.Broadcast(events.Message{
		Type:      events.TypeAuctionExtended,
		AuctionID: a.ID,
		At:        newEnd.Format(time.RFC3339),
	})
	slog.Info("auction extended", "auction", a.ID, "new_end", newEnd)
	return a, nil
}

// Close clears an ACTIVE auction whose bidding window has ended. Bids are
// ranked ascending by effective bid; the clearing price is derived from that
// order per the auction's clearing method, and bids priced at or below it are
// accepted. The outcome is written atomically; of two concurrent closes,
// exactly one succeeds.
func (e *Engine) Close(ctx context.Context, auctionID string) (*model.Auction, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, translate(err, "auction %s", auctionID)
	}
	if a.Status != model.AuctionActive {
		return nil, fault.New(fault.InvalidState, "auction %s is %s, not ACTIVE", auctionID, a.Status)
	}
	now := e.now()
	if now.Before(a.EffectiveEnd()) {
		return nil, fault.New(fault.InvalidState, "auction %s does not end until %s", auctionID, a.EffectiveEnd().Format(time.RFC3339))
	}

	all, err := e.store.ListBidsByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	var live []model.Bid
	for _, b := range all {
		if b.Status == model.BidPending {
			live = append(live, b)
		}
	}

	a.Status = model.AuctionClosed
	a.ClearedAt = &now

	cleared := clear(live, a.ClearingMethod, a.TargetAmount)
	if cleared.price != nil {
		a.ClearedPrice = cleared.price
	}
	for i := range cleared.bids {
		if cleared.bids[i].Status == model.BidAccepted {
			cleared.bids[i].AcceptedAt = &now
		}
	}

	if err := e.store.FinalizeAuction(ctx, a, model.AuctionActive, cleared.bids); err != nil {
		return nil, translate(err, "close auction %s", auctionID)
	}
	metrics.AuctionsClosed.WithLabelValues(string(a.ClearingMethod)).Inc()
	metrics.ActiveAuctions.Dec()

	msg := events.Message{
		Type:      events.TypeAuctionClosed,
		AuctionID: a.ID,
		At:        now.Format(time.RFC3339),
	}
	if a.ClearedPrice != nil {
		msg.ClearedPrice = a.ClearedPrice.String()
	}
	e.hub.Broadcast(msg)

	slog.Info("auction closed",
		"auction", a.ID,
		"bids", len(live),
		"accepted", cleared.accepted,
		"cleared_price", msg.ClearedPrice,
	)
	return a, nil
}

// Cancel voids a PENDING or ACTIVE auction. All open bids are rejected in
// the same atomic write.
func (e *Engine) Cancel(ctx context.Context, auctionID string) (*model.Auction, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, translate(err, "auction %s", auctionID)
	}
	if a.Status != model.AuctionPending && a.Status != model.AuctionActive {
		return nil, fault.New(fault.InvalidState, "auction %s is %s, cannot cancel", auctionID, a.Status)
	}
	prev := a.Status

	all, err := e.store.ListBidsByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	var rejected []model.Bid
	for _, b := range all {
		if b.Status == model.BidPending {
			b.Status = model.BidRejected
			rejected = append(rejected, b)
		}
	}

	a.Status = model.AuctionCancelled
	if err := e.store.FinalizeAuction(ctx, a, prev, rejected); err != nil {
		return nil, translate(err, "cancel auction %s", auctionID)
	}
	if prev == model.AuctionActive {
		metrics.ActiveAuctions.Dec()
	}

	e.hub.Broadcast(events.Message{
		Type:      events.TypeAuctionCancelled,
		AuctionID: a.ID,
		At:        e.now().Format(time.RFC3339),
	})
	slog.Info("auction cancelled", "auction", a.ID, "rejected_bids", len(rejected))
	return a, nil
}

// EffectiveBid derives the trust-weighted ranking value of a bid:
// price × trustWeight × (trustScore / 100). Lower wins.
func EffectiveBid(price, trustWeight decimal.Decimal, trustScore float64) decimal.Decimal {
	return price.Mul(trustWeight).Mul(decimal.NewFromFloat(trustScore / 100))
}

type clearing struct {
	price    *decimal.Decimal
	bids     []model.Bid
	accepted int
}

// clear ranks the open bids ascending by effective bid (submission time
// breaking ties), derives the clearing price from that order, and accepts
// bids in rank order whose raw price does not exceed it, until the target
// amount is filled. Closing with zero bids is a valid outcome with no
// clearing price.
func clear(live []model.Bid, method model.ClearingMethod, target decimal.Decimal) clearing {
	if len(live) == 0 {
		return clearing{}
	}

	sort.SliceStable(live, func(i, j int) bool {
		if live[i].EffectiveBid.Equal(live[j].EffectiveBid) {
			return live[i].SubmittedAt.Before(live[j].SubmittedAt)
		}
		return live[i].EffectiveBid.LessThan(live[j].EffectiveBid)
	})

	price := live[0].Price
	if method == model.ClearSecondPrice && len(live) > 1 {
		price = live[1].Price
	}

	res := clearing{price: &price, bids: live}
	filled := decimal.Zero
	for i := range live {
		if live[i].Price.GreaterThan(price) || filled.GreaterThanOrEqual(target) {
			live[i].Status = model.BidRejected
			continue
		}
		live[i].Status = model.BidAccepted
		filled = filled.Add(live[i].Amount)
		res.accepted++
	}
	return res
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
