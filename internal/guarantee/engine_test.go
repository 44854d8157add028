package guarantee

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundbridge/allocation-engine/internal/auction"
	"github.com/fundbridge/allocation-engine/internal/fault"
	"github.com/fundbridge/allocation-engine/internal/model"
	"github.com/fundbridge/allocation-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// fakeTrust serves fixed guarantee trust scores.
type fakeTrust struct {
	mu     sync.Mutex
	scores map[string]float64
	seen   []string
}

func (f *fakeTrust) GuaranteeScore(_ context.Context, entityID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scores[entityID], nil
}

func (f *fakeTrust) TrackActivity(_ context.Context, entityID, _ string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, entityID)
	return nil
}

// fakeAuctions drives linked auctions directly through the store, so tests
// control auction state without the auction engine's clock.
type fakeAuctions struct {
	store *store.MemoryStore
	clock func() time.Time
}

func (f *fakeAuctions) Create(ctx context.Context, p auction.CreateParams) (*model.Auction, error) {
	a := &model.Auction{
		ID:             uuid.New().String(),
		Type:           p.Type,
		Status:         model.AuctionPending,
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		TargetAmount:   p.TargetAmount,
		TrustWeight:    p.TrustWeight,
		ClearingMethod: p.ClearingMethod,
		CreatedAt:      f.clock(),
	}
	if err := f.store.CreateAuction(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (f *fakeAuctions) Start(ctx context.Context, auctionID string) (*model.Auction, error) {
	a, err := f.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	a.Status = model.AuctionActive
	if err := f.store.UpdateAuction(ctx, a, model.AuctionPending); err != nil {
		return nil, err
	}
	return a, nil
}

func (f *fakeAuctions) Get(ctx context.Context, auctionID string) (*model.Auction, error) {
	return f.store.GetAuction(ctx, auctionID)
}

func (f *fakeAuctions) close(t *testing.T, auctionID string) {
	t.Helper()
	a, err := f.store.GetAuction(context.Background(), auctionID)
	if err != nil {
		t.Fatalf("GetAuction: %v", err)
	}
	a.Status = model.AuctionClosed
	if err := f.store.UpdateAuction(context.Background(), a, model.AuctionActive); err != nil {
		t.Fatalf("UpdateAuction: %v", err)
	}
}

type fixture struct {
	engine   *Engine
	store    *store.MemoryStore
	trust    *fakeTrust
	auctions *fakeAuctions
	clock    time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store: store.NewMemoryStore(),
		trust: &fakeTrust{scores: map[string]float64{}},
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.auctions = &fakeAuctions{store: f.store, clock: func() time.Time { return f.clock }}
	f.engine = NewEngine(f.store, f.trust, f.auctions, nil)
	f.engine.now = func() time.Time { return f.clock }
	return f
}

// openRequest creates a request and opens its auction for the next hour.
func (f *fixture) openRequest(t *testing.T, coverage, amount decimal.Decimal) *model.GuaranteeRequest {
	t.Helper()
	ctx := context.Background()
	r, err := f.engine.CreateRequest(ctx, "issuer-1", coverage, amount)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	r, err = f.engine.OpenAuction(ctx, r.ID, f.clock.Add(time.Hour))
	if err != nil {
		t.Fatalf("OpenAuction: %v", err)
	}
	return r
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tests := []struct {
		name     string
		issuer   string
		coverage decimal.Decimal
		amount   decimal.Decimal
	}{
		{"missing issuer", "", d(70), d(1000)},
		{"zero coverage", "issuer-1", decimal.Zero, d(1000)},
		{"coverage above hundred", "issuer-1", d(120), d(1000)},
		{"zero amount", "issuer-1", d(70), decimal.Zero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.CreateRequest(ctx, tt.issuer, tt.coverage, tt.amount); !fault.IsKind(err, fault.Validation) {
				t.Errorf("err = %v, want Validation", err)
			}
		})
	}

	r, err := f.engine.CreateRequest(ctx, "issuer-1", d(70), d(1_000_000))
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if r.Status != model.RequestPending {
		t.Errorf("status = %v, want PENDING", r.Status)
	}
}

func TestOpenAuctionLinksRequest(t *testing.T) {
	f := newFixture()
	r := f.openRequest(t, d(70), d(1_000_000))

	if r.Status != model.RequestAuctionActive {
		t.Errorf("status = %v, want AUCTION_ACTIVE", r.Status)
	}
	if r.AuctionID == nil {
		t.Fatal("auction not linked")
	}

	a, err := f.store.GetAuction(context.Background(), *r.AuctionID)
	if err != nil {
		t.Fatalf("GetAuction: %v", err)
	}
	if a.Type != model.AuctionGuarantee {
		t.Errorf("auction type = %v, want GUARANTEE", a.Type)
	}
	if a.Status != model.AuctionActive {
		t.Errorf("auction status = %v, want ACTIVE", a.Status)
	}

	// A request cannot open a second auction.
	if _, err := f.engine.OpenAuction(context.Background(), r.ID, f.clock.Add(time.Hour)); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("err = %v, want InvalidState", err)
	}
}

func TestPlaceBidGuards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.trust.scores["guarantor-weak"] = 45
	f.trust.scores["guarantor-ok"] = 80

	r := f.openRequest(t, d(70), d(1_000_000))

	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-ok", d(120), d(2), "", nil); !fault.IsKind(err, fault.Validation) {
		t.Errorf("coverage out of range: err = %v, want Validation", err)
	}
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-ok", d(30), d(2), "JUNIOR", nil); !fault.IsKind(err, fault.Validation) {
		t.Errorf("bad layer: err = %v, want Validation", err)
	}
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-weak", d(30), d(2), "", nil); !fault.IsKind(err, fault.InsufficientGuaranteeTrust) {
		t.Errorf("weak guarantor: err = %v, want InsufficientGuaranteeTrust", err)
	}

	// 30% of 1,000,000 is 300,000 exposure against a 200,000 capacity.
	capacity := d(200_000)
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-ok", d(30), d(2), "", &capacity); !fault.IsKind(err, fault.InsufficientCapacity) {
		t.Errorf("over capacity: err = %v, want InsufficientCapacity", err)
	}

	b, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-ok", d(30), d(2), model.LayerFirstLoss, nil)
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if b.GuarantorTrustScore != 80 {
		t.Errorf("trust snapshot = %v, want 80", b.GuarantorTrustScore)
	}
	// 2 × 0.8
	if !b.EffectiveBid.Equal(d(1.6)) {
		t.Errorf("effective bid = %v, want 1.6", b.EffectiveBid)
	}

	// Window closes with the auction.
	f.auctions.close(t, *r.AuctionID)
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-ok", d(10), d(2), "", nil); !fault.IsKind(err, fault.InvalidState) {
		t.Errorf("closed auction: err = %v, want InvalidState", err)
	}
}

func TestLayeredAllocation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.trust.scores["guarantor-fl"] = 80
	f.trust.scores["guarantor-mezz"] = 70
	f.trust.scores["guarantor-sr"] = 90

	r := f.openRequest(t, d(70), d(1_000_000))

	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-fl", d(30), d(2), model.LayerFirstLoss, nil); err != nil {
		t.Fatalf("PlaceBid fl: %v", err)
	}
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-mezz", d(50), d(1.5), model.LayerMezzanine, nil); err != nil {
		t.Fatalf("PlaceBid mezz: %v", err)
	}
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-sr", d(40), d(1), model.LayerSenior, nil); err != nil {
		t.Fatalf("PlaceBid sr: %v", err)
	}

	// Allocation requires the linked auction to be closed first.
	if _, err := f.engine.Allocate(ctx, r.ID); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("open auction: err = %v, want InvalidState", err)
	}
	f.auctions.close(t, *r.AuctionID)

	allocated, err := f.engine.Allocate(ctx, r.ID)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if allocated.Status != model.RequestAllocated {
		t.Errorf("status = %v, want ALLOCATED", allocated.Status)
	}
	if !allocated.AllocatedCoverage.Equal(d(70)) {
		t.Errorf("allocated coverage = %v, want 70", allocated.AllocatedCoverage)
	}

	allocs, err := f.engine.Allocations(ctx, r.ID)
	if err != nil {
		t.Fatalf("Allocations: %v", err)
	}
	if len(allocs) != 2 {
		t.Fatalf("allocations = %d, want 2", len(allocs))
	}

	// First loss fills its full 30%, mezzanine is cut to the remaining 40%,
	// senior gets nothing.
	byGuarantor := map[string]model.GuaranteeAllocation{}
	for _, al := range allocs {
		byGuarantor[al.GuarantorID] = al
	}
	fl := byGuarantor["guarantor-fl"]
	if !fl.CoveragePercent.Equal(d(30)) || !fl.Amount.Equal(d(300_000)) {
		t.Errorf("first loss = %v%% / %v, want 30%% / 300000", fl.CoveragePercent, fl.Amount)
	}
	mezz := byGuarantor["guarantor-mezz"]
	if !mezz.CoveragePercent.Equal(d(40)) || !mezz.Amount.Equal(d(400_000)) {
		t.Errorf("mezzanine = %v%% / %v, want 40%% / 400000", mezz.CoveragePercent, mezz.Amount)
	}

	bids, _ := f.engine.Bids(ctx, r.ID)
	for _, b := range bids {
		want := model.BidAccepted
		if b.GuarantorID == "guarantor-sr" {
			want = model.BidRejected
		}
		if b.Status != want {
			t.Errorf("bid of %s = %v, want %v", b.GuarantorID, b.Status, want)
		}
	}

	// Allocation is terminal.
	if _, err := f.engine.Allocate(ctx, r.ID); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("double allocate: err = %v, want InvalidState", err)
	}
}

func TestAllocationPartialFill(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.trust.scores["guarantor-a"] = 80

	r := f.openRequest(t, d(80), d(500_000))
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-a", d(25), d(2), "", nil); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	f.auctions.close(t, *r.AuctionID)

	allocated, err := f.engine.Allocate(ctx, r.ID)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if allocated.Status != model.RequestAllocated {
		t.Errorf("status = %v, want ALLOCATED", allocated.Status)
	}
	if !allocated.AllocatedCoverage.Equal(d(25)) {
		t.Errorf("allocated coverage = %v, want partial 25", allocated.AllocatedCoverage)
	}
}

func TestEffectiveFeeOrderingWithinLayer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	// Higher fee but lower trust yields the lower effective fee: 2 × 0.5 = 1.0
	// beats 1.8 × 1.0 = 1.8.
	f.trust.scores["guarantor-a"] = 50
	f.trust.scores["guarantor-b"] = 100

	r := f.openRequest(t, d(40), d(1_000_000))
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-a", d(40), d(2), "", nil); err != nil {
		t.Fatalf("PlaceBid a: %v", err)
	}
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-b", d(40), d(1.8), "", nil); err != nil {
		t.Fatalf("PlaceBid b: %v", err)
	}
	f.auctions.close(t, *r.AuctionID)

	if _, err := f.engine.Allocate(ctx, r.ID); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	allocs, _ := f.engine.Allocations(ctx, r.ID)
	if len(allocs) != 1 {
		t.Fatalf("allocations = %d, want 1", len(allocs))
	}
	if allocs[0].GuarantorID != "guarantor-a" {
		t.Errorf("winner = %s, want guarantor-a", allocs[0].GuarantorID)
	}
}

func TestExpireRequestRejectsBids(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.trust.scores["guarantor-a"] = 80

	r := f.openRequest(t, d(50), d(100_000))
	b, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-a", d(20), d(2), "", nil)
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	expired, err := f.engine.ExpireRequest(ctx, r.ID)
	if err != nil {
		t.Fatalf("ExpireRequest: %v", err)
	}
	if expired.Status != model.RequestExpired {
		t.Errorf("status = %v, want EXPIRED", expired.Status)
	}

	bids, _ := f.store.ListGuaranteeBidsByRequest(ctx, r.ID)
	for _, got := range bids {
		if got.ID == b.ID && got.Status != model.BidRejected {
			t.Errorf("bid = %v, want REJECTED", got.Status)
		}
	}

	if _, err := f.engine.ExpireRequest(ctx, r.ID); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("double expire: err = %v, want InvalidState", err)
	}
}

func TestAllocationTransitions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.trust.scores["guarantor-a"] = 80

	r := f.openRequest(t, d(50), d(100_000))
	if _, err := f.engine.PlaceBid(ctx, r.ID, "guarantor-a", d(50), d(2), "", nil); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	f.auctions.close(t, *r.AuctionID)
	if _, err := f.engine.Allocate(ctx, r.ID); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	allocs, _ := f.engine.Allocations(ctx, r.ID)
	if len(allocs) != 1 {
		t.Fatalf("allocations = %d, want 1", len(allocs))
	}
	id := allocs[0].ID

	if err := f.engine.Draw(ctx, id); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	got, _ := f.store.GetAllocation(ctx, id)
	if got.Status != model.AllocationDrawn {
		t.Errorf("status = %v, want DRAWN", got.Status)
	}

	// Terminal states reject further transitions.
	if err := f.engine.Release(ctx, id); !fault.IsKind(err, fault.InvalidState) {
		t.Errorf("release after draw: err = %v, want InvalidState", err)
	}
	if err := f.engine.Expire(ctx, id); !fault.IsKind(err, fault.InvalidState) {
		t.Errorf("expire after draw: err = %v, want InvalidState", err)
	}
	if err := f.engine.Draw(ctx, "nope"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("missing allocation: err = %v, want NotFound", err)
	}
}
