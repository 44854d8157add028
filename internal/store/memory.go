package store

import (
	"context"
	"sort"
	"sync"

	"github.com/fundbridge/allocation-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	trust       map[string]*model.TrustScore
	trustEvents []model.TrustEvent
	auctions    map[string]*model.Auction
	bids        map[string]*model.Bid
	requests    map[string]*model.GuaranteeRequest
	gbids       map[string]*model.GuaranteeBid
	allocations map[string]*model.GuaranteeAllocation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trust:       make(map[string]*model.TrustScore),
		auctions:    make(map[string]*model.Auction),
		bids:        make(map[string]*model.Bid),
		requests:    make(map[string]*model.GuaranteeRequest),
		gbids:       make(map[string]*model.GuaranteeBid),
		allocations: make(map[string]*model.GuaranteeAllocation),
	}
}

// --- Trust scores ---

func (s *MemoryStore) GetTrustScore(_ context.Context, entityID string) (*model.TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.trust[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *ts
	return &copy, nil
}

func (s *MemoryStore) PutTrustScore(_ context.Context, ts *model.TrustScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *ts
	s.trust[ts.EntityID] = &copy
	return nil
}

func (s *MemoryStore) AppendTrustEvent(_ context.Context, ev *model.TrustEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trustEvents = append(s.trustEvents, *ev)
	return nil
}

func (s *MemoryStore) ListTrustEvents(_ context.Context, entityID string) ([]model.TrustEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TrustEvent
	for _, ev := range s.trustEvents {
		if ev.EntityID == entityID {
			result = append(result, ev)
		}
	}
	return result, nil
}

// --- Auctions ---

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *a
	s.auctions[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAuctions(_ context.Context) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auctions := make([]model.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		auctions = append(auctions, *a)
	}
	sort.Slice(auctions, func(i, j int) bool {
		return auctions[i].CreatedAt.Before(auctions[j].CreatedAt)
	})
	return auctions, nil
}

func (s *MemoryStore) UpdateAuction(_ context.Context, a *model.Auction, expect model.AuctionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateAuctionLocked(a, expect)
}

func (s *MemoryStore) updateAuctionLocked(a *model.Auction, expect model.AuctionStatus) error {
	stored, ok := s.auctions[a.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != expect {
		return ErrConflict
	}
	copy := *a
	s.auctions[a.ID] = &copy
	return nil
}

func (s *MemoryStore) FinalizeAuction(_ context.Context, a *model.Auction, expect model.AuctionStatus, bids []model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateAuctionLocked(a, expect); err != nil {
		return err
	}
	for i := range bids {
		copy := bids[i]
		s.bids[copy.ID] = &copy
	}
	return nil
}

// --- Bids ---

func (s *MemoryStore) InsertBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *b
	s.bids[b.ID] = &copy
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) ListBidsByAuction(_ context.Context, auctionID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bid
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdateBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bids[b.ID]; !ok {
		return ErrNotFound
	}
	copy := *b
	s.bids[b.ID] = &copy
	return nil
}

// --- Guarantee requests ---

func (s *MemoryStore) CreateGuaranteeRequest(_ context.Context, r *model.GuaranteeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *r
	s.requests[r.ID] = &copy
	return nil
}

func (s *MemoryStore) GetGuaranteeRequest(_ context.Context, id string) (*model.GuaranteeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) UpdateGuaranteeRequest(_ context.Context, r *model.GuaranteeRequest, expect model.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateRequestLocked(r, expect)
}

func (s *MemoryStore) updateRequestLocked(r *model.GuaranteeRequest, expect model.RequestStatus) error {
	stored, ok := s.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != expect {
		return ErrConflict
	}
	copy := *r
	s.requests[r.ID] = &copy
	return nil
}

// --- Guarantee bids ---

func (s *MemoryStore) InsertGuaranteeBid(_ context.Context, b *model.GuaranteeBid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *b
	s.gbids[b.ID] = &copy
	return nil
}

func (s *MemoryStore) ListGuaranteeBidsByRequest(_ context.Context, requestID string) ([]model.GuaranteeBid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.GuaranteeBid
	for _, b := range s.gbids {
		if b.RequestID == requestID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdateGuaranteeBid(_ context.Context, b *model.GuaranteeBid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.gbids[b.ID]; !ok {
		return ErrNotFound
	}
	copy := *b
	s.gbids[b.ID] = &copy
	return nil
}

// --- Allocations ---

func (s *MemoryStore) ApplyAllocations(_ context.Context, r *model.GuaranteeRequest, expect model.RequestStatus,
	allocations []model.GuaranteeAllocation, bids []model.GuaranteeBid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateRequestLocked(r, expect); err != nil {
		return err
	}
	for i := range allocations {
		copy := allocations[i]
		s.allocations[copy.ID] = &copy
	}
	for i := range bids {
		copy := bids[i]
		s.gbids[copy.ID] = &copy
	}
	return nil
}

func (s *MemoryStore) GetAllocation(_ context.Context, id string) (*model.GuaranteeAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.allocations[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAllocationsByRequest(_ context.Context, requestID string) ([]model.GuaranteeAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.GuaranteeAllocation
	for _, a := range s.allocations {
		if a.RequestID == requestID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) SetAllocationStatus(_ context.Context, id string, expect, next model.AllocationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != expect {
		return ErrConflict
	}
	a.Status = next
	return nil
}
