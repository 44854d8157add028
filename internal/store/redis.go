package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fundbridge/allocation-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: trust scores and auctions. Writes go to the
// primary store and invalidate the cache; reads check Redis first then fall
// back to the primary.
//
// The cache is an explicit component keyed by entity/auction id with an
// explicit invalidation API — nothing else in the process holds cached
// engine state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Trust scores (read-through, write-invalidate) ---

func (s *CachedStore) GetTrustScore(ctx context.Context, entityID string) (*model.TrustScore, error) {
	data, err := s.rdb.Get(ctx, trustKey(entityID)).Bytes()
	if err == nil {
		var ts model.TrustScore
		if json.Unmarshal(data, &ts) == nil {
			return &ts, nil
		}
	}

	ts, err := s.primary.GetTrustScore(ctx, entityID)
	if err != nil {
		return nil, err
	}
	s.cacheTrustScore(ctx, ts)
	return ts, nil
}

func (s *CachedStore) PutTrustScore(ctx context.Context, ts *model.TrustScore) error {
	if err := s.primary.PutTrustScore(ctx, ts); err != nil {
		return err
	}
	s.cacheTrustScore(ctx, ts)
	return nil
}

// InvalidateTrustScore drops the cached trust score for one entity. Callers
// use this when an out-of-band change (admin adjustment through another
// instance, backfill) may have made the cached value stale.
func (s *CachedStore) InvalidateTrustScore(ctx context.Context, entityID string) error {
	return s.rdb.Del(ctx, trustKey(entityID)).Err()
}

func (s *CachedStore) AppendTrustEvent(ctx context.Context, ev *model.TrustEvent) error {
	return s.primary.AppendTrustEvent(ctx, ev)
}

func (s *CachedStore) ListTrustEvents(ctx context.Context, entityID string) ([]model.TrustEvent, error) {
	return s.primary.ListTrustEvents(ctx, entityID)
}

// --- Auctions (read-through; every write invalidates) ---

func (s *CachedStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.CreateAuction(ctx, a); err != nil {
		return err
	}
	s.cacheAuction(ctx, a)
	return nil
}

func (s *CachedStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	data, err := s.rdb.Get(ctx, auctionKey(id)).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheAuction(ctx, a)
	return a, nil
}

func (s *CachedStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	return s.primary.ListAuctions(ctx)
}

func (s *CachedStore) UpdateAuction(ctx context.Context, a *model.Auction, expect model.AuctionStatus) error {
	if err := s.primary.UpdateAuction(ctx, a, expect); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, auctionKey(a.ID))
	return nil
}

func (s *CachedStore) FinalizeAuction(ctx context.Context, a *model.Auction, expect model.AuctionStatus, bids []model.Bid) error {
	if err := s.primary.FinalizeAuction(ctx, a, expect, bids); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionKey(a.ID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertBid(ctx context.Context, b *model.Bid) error {
	return s.primary.InsertBid(ctx, b)
}

func (s *CachedStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	return s.primary.GetBid(ctx, id)
}

func (s *CachedStore) ListBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	return s.primary.ListBidsByAuction(ctx, auctionID)
}

func (s *CachedStore) UpdateBid(ctx context.Context, b *model.Bid) error {
	return s.primary.UpdateBid(ctx, b)
}

func (s *CachedStore) CreateGuaranteeRequest(ctx context.Context, r *model.GuaranteeRequest) error {
	return s.primary.CreateGuaranteeRequest(ctx, r)
}

func (s *CachedStore) GetGuaranteeRequest(ctx context.Context, id string) (*model.GuaranteeRequest, error) {
	return s.primary.GetGuaranteeRequest(ctx, id)
}

func (s *CachedStore) UpdateGuaranteeRequest(ctx context.Context, r *model.GuaranteeRequest, expect model.RequestStatus) error {
	return s.primary.UpdateGuaranteeRequest(ctx, r, expect)
}

func (s *CachedStore) InsertGuaranteeBid(ctx context.Context, b *model.GuaranteeBid) error {
	return s.primary.InsertGuaranteeBid(ctx, b)
}

func (s *CachedStore) ListGuaranteeBidsByRequest(ctx context.Context, requestID string) ([]model.GuaranteeBid, error) {
	return s.primary.ListGuaranteeBidsByRequest(ctx, requestID)
}

func (s *CachedStore) UpdateGuaranteeBid(ctx context.Context, b *model.GuaranteeBid) error {
	return s.primary.UpdateGuaranteeBid(ctx, b)
}

func (s *CachedStore) ApplyAllocations(ctx context.Context, r *model.GuaranteeRequest, expect model.RequestStatus,
	allocations []model.GuaranteeAllocation, bids []model.GuaranteeBid) error {
	return s.primary.ApplyAllocations(ctx, r, expect, allocations, bids)
}

func (s *CachedStore) GetAllocation(ctx context.Context, id string) (*model.GuaranteeAllocation, error) {
	return s.primary.GetAllocation(ctx, id)
}

func (s *CachedStore) ListAllocationsByRequest(ctx context.Context, requestID string) ([]model.GuaranteeAllocation, error) {
	return s.primary.ListAllocationsByRequest(ctx, requestID)
}

func (s *CachedStore) SetAllocationStatus(ctx context.Context, id string, expect, next model.AllocationStatus) error {
	return s.primary.SetAllocationStatus(ctx, id, expect, next)
}

// --- Cache helpers ---

func (s *CachedStore) cacheTrustScore(ctx context.Context, ts *model.TrustScore) {
	if data, err := json.Marshal(ts); err == nil {
		s.rdb.Set(ctx, trustKey(ts.EntityID), data, s.ttl)
	}
}

func (s *CachedStore) cacheAuction(ctx context.Context, a *model.Auction) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, auctionKey(a.ID), data, s.ttl)
	}
}

func trustKey(entityID string) string { return fmt.Sprintf("trust:%s", entityID) }
func auctionKey(id string) string     { return fmt.Sprintf("auction:%s", id) }
