// Package store defines the persistence interface for the allocation engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every state transition the engines perform maps onto a single Store call
// executed as one atomic unit: status updates are compare-and-set on the
// expected current status, and the close/allocate finalizers write the
// aggregate and all of its bids in one transaction. Two concurrent closes of
// the same auction therefore cannot both succeed.
package store

import (
	"context"
	"errors"

	"github.com/fundbridge/allocation-engine/internal/model"
)

// ErrConflict is returned by compare-and-set operations when the stored
// status no longer matches the expected one. The engines translate it into
// an InvalidState fault.
var ErrConflict = errors.New("store: status changed concurrently")

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// Store is the persistence interface.
type Store interface {
	// --- Trust scores ---

	// GetTrustScore retrieves the trust score for an entity.
	GetTrustScore(ctx context.Context, entityID string) (*model.TrustScore, error)

	// PutTrustScore inserts or replaces an entity's trust score.
	PutTrustScore(ctx context.Context, ts *model.TrustScore) error

	// AppendTrustEvent appends an immutable audit record.
	AppendTrustEvent(ctx context.Context, ev *model.TrustEvent) error

	// ListTrustEvents returns all audit records for an entity, oldest first.
	ListTrustEvents(ctx context.Context, entityID string) ([]model.TrustEvent, error)

	// --- Auctions ---

	CreateAuction(ctx context.Context, a *model.Auction) error
	GetAuction(ctx context.Context, id string) (*model.Auction, error)
	ListAuctions(ctx context.Context) ([]model.Auction, error)

	// UpdateAuction replaces an auction's mutable fields iff its stored
	// status still equals expect. Returns ErrConflict otherwise.
	UpdateAuction(ctx context.Context, a *model.Auction, expect model.AuctionStatus) error

	// FinalizeAuction atomically writes the auction (close or cancel
	// outcome) and the terminal statuses of the given bids, iff the stored
	// auction status still equals expect.
	FinalizeAuction(ctx context.Context, a *model.Auction, expect model.AuctionStatus, bids []model.Bid) error

	// --- Bids ---

	InsertBid(ctx context.Context, b *model.Bid) error
	GetBid(ctx context.Context, id string) (*model.Bid, error)
	ListBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	UpdateBid(ctx context.Context, b *model.Bid) error

	// --- Guarantee requests ---

	CreateGuaranteeRequest(ctx context.Context, r *model.GuaranteeRequest) error
	GetGuaranteeRequest(ctx context.Context, id string) (*model.GuaranteeRequest, error)

	// UpdateGuaranteeRequest is the CAS analog of UpdateAuction.
	UpdateGuaranteeRequest(ctx context.Context, r *model.GuaranteeRequest, expect model.RequestStatus) error

	// --- Guarantee bids ---

	InsertGuaranteeBid(ctx context.Context, b *model.GuaranteeBid) error
	ListGuaranteeBidsByRequest(ctx context.Context, requestID string) ([]model.GuaranteeBid, error)
	UpdateGuaranteeBid(ctx context.Context, b *model.GuaranteeBid) error

	// --- Allocations ---

	// ApplyAllocations atomically writes the allocation outcome: the updated
	// request, the created allocations, and the terminal bid statuses, iff
	// the stored request status still equals expect.
	ApplyAllocations(ctx context.Context, r *model.GuaranteeRequest, expect model.RequestStatus,
		allocations []model.GuaranteeAllocation, bids []model.GuaranteeBid) error

	GetAllocation(ctx context.Context, id string) (*model.GuaranteeAllocation, error)
	ListAllocationsByRequest(ctx context.Context, requestID string) ([]model.GuaranteeAllocation, error)

	// SetAllocationStatus transitions one allocation, CAS on expect.
	SetAllocationStatus(ctx context.Context, id string, expect, next model.AllocationStatus) error
}
