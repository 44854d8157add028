package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fundbridge/allocation-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// snapshots and layer summaries are serialized to JSONB at this boundary
// only.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// --- Trust scores ---

func (s *PostgresStore) GetTrustScore(ctx context.Context, entityID string) (*model.TrustScore, error) {
	var ts model.TrustScore
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, identity_trust, transaction_trust, financial_trust,
		        performance_trust, learning_trust, behavior_score, trust_score,
		        last_calculated_at, last_decay_at
		 FROM trust_scores WHERE entity_id = $1`, entityID).
		Scan(&ts.EntityID, &ts.IdentityTrust, &ts.TransactionTrust, &ts.FinancialTrust,
			&ts.PerformanceTrust, &ts.LearningTrust, &ts.BehaviorScore, &ts.Score,
			&ts.LastCalculatedAt, &ts.LastDecayAt)
	if err != nil {
		return nil, notFound(err, "trust score", entityID)
	}
	return &ts, nil
}

func (s *PostgresStore) PutTrustScore(ctx context.Context, ts *model.TrustScore) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trust_scores (entity_id, identity_trust, transaction_trust,
		        financial_trust, performance_trust, learning_trust, behavior_score,
		        trust_score, last_calculated_at, last_decay_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (entity_id) DO UPDATE SET
		        identity_trust = EXCLUDED.identity_trust,
		        transaction_trust = EXCLUDED.transaction_trust,
		        financial_trust = EXCLUDED.financial_trust,
		        performance_trust = EXCLUDED.performance_trust,
		        learning_trust = EXCLUDED.learning_trust,
		        behavior_score = EXCLUDED.behavior_score,
		        trust_score = EXCLUDED.trust_score,
		        last_calculated_at = EXCLUDED.last_calculated_at,
		        last_decay_at = EXCLUDED.last_decay_at`,
		ts.EntityID, ts.IdentityTrust, ts.TransactionTrust, ts.FinancialTrust,
		ts.PerformanceTrust, ts.LearningTrust, ts.BehaviorScore, ts.Score,
		ts.LastCalculatedAt, ts.LastDecayAt)
	return err
}

func (s *PostgresStore) AppendTrustEvent(ctx context.Context, ev *model.TrustEvent) error {
	snapshot, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trust_events (id, entity_id, event_type, previous_score,
		        new_score, change_amount, trigger_type, reason, snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.EntityID, ev.EventType, ev.PreviousScore, ev.NewScore,
		ev.ChangeAmount, ev.TriggerType, ev.Reason, snapshot, ev.CreatedAt)
	return err
}

func (s *PostgresStore) ListTrustEvents(ctx context.Context, entityID string) ([]model.TrustEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, event_type, previous_score, new_score,
		        change_amount, trigger_type, reason, snapshot, created_at
		 FROM trust_events WHERE entity_id = $1 ORDER BY created_at`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.TrustEvent
	for rows.Next() {
		var ev model.TrustEvent
		var snapshot []byte
		if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.EventType, &ev.PreviousScore,
			&ev.NewScore, &ev.ChangeAmount, &ev.TriggerType, &ev.Reason,
			&snapshot, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &ev.Snapshot); err != nil {
				return nil, fmt.Errorf("unmarshal snapshot: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Auctions ---

const auctionColumns = `id, type, status, start_time, end_time, extended_end_time,
	reserve_price::TEXT, target_amount::TEXT, min_trust_score, trust_weight::TEXT,
	clearing_method, cleared_price::TEXT, cleared_at, created_at`

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, type, status, start_time, end_time, extended_end_time,
		        reserve_price, target_amount, min_trust_score, trust_weight,
		        clearing_method, cleared_price, cleared_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC,
		        $11, $12::NUMERIC, $13, $14)`,
		a.ID, a.Type, a.Status, a.StartTime, a.EndTime, a.ExtendedEndTime,
		decPtrString(a.ReservePrice), a.TargetAmount.String(), a.MinTrustScore,
		a.TrustWeight.String(), a.ClearingMethod, decPtrString(a.ClearedPrice),
		a.ClearedAt, a.CreatedAt)
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if err != nil {
		return nil, notFound(err, "auction", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) UpdateAuction(ctx context.Context, a *model.Auction, expect model.AuctionStatus) error {
	tag, err := s.pool.Exec(ctx, updateAuctionSQL,
		a.ID, expect, a.Status, a.ExtendedEndTime,
		decPtrString(a.ClearedPrice), a.ClearedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.auctionConflict(ctx, a.ID)
	}
	return nil
}

const updateAuctionSQL = `UPDATE auctions
	 SET status = $3, extended_end_time = $4,
	     cleared_price = $5::NUMERIC, cleared_at = $6
	 WHERE id = $1 AND status = $2`

// auctionConflict distinguishes a missing row from a CAS miss.
func (s *PostgresStore) auctionConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	return ErrConflict
}

func (s *PostgresStore) FinalizeAuction(ctx context.Context, a *model.Auction, expect model.AuctionStatus, bids []model.Bid) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, updateAuctionSQL,
		a.ID, expect, a.Status, a.ExtendedEndTime,
		decPtrString(a.ClearedPrice), a.ClearedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.auctionConflict(ctx, a.ID)
	}

	for i := range bids {
		b := &bids[i]
		if _, err := tx.Exec(ctx,
			`UPDATE bids SET status = $2, accepted_at = $3, withdrawn_at = $4 WHERE id = $1`,
			b.ID, b.Status, b.AcceptedAt, b.WithdrawnAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// --- Bids ---

const bidColumns = `id, auction_id, bidder_id, price::TEXT, amount::TEXT,
	bidder_trust_score, effective_bid::TEXT, status, submitted_at, accepted_at, withdrawn_at`

func (s *PostgresStore) InsertBid(ctx context.Context, b *model.Bid) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bids (id, auction_id, bidder_id, price, amount, bidder_trust_score,
		        effective_bid, status, submitted_at, accepted_at, withdrawn_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10, $11)`,
		b.ID, b.AuctionID, b.BidderID, b.Price.String(), b.Amount.String(),
		b.BidderTrustScore, b.EffectiveBid.String(), b.Status, b.SubmittedAt,
		b.AcceptedAt, b.WithdrawnAt)
	return err
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if err != nil {
		return nil, notFound(err, "bid", id)
	}
	return b, nil
}

func (s *PostgresStore) ListBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY submitted_at`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, rows.Err()
}

func (s *PostgresStore) UpdateBid(ctx context.Context, b *model.Bid) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET status = $2, accepted_at = $3, withdrawn_at = $4 WHERE id = $1`,
		b.ID, b.Status, b.AcceptedAt, b.WithdrawnAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bid %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

// --- Guarantee requests ---

const requestColumns = `id, issuer_id, status, requested_coverage::TEXT, amount::TEXT,
	auction_id, allocated_coverage::TEXT, allocated_layers, allocated_at, created_at`

func (s *PostgresStore) CreateGuaranteeRequest(ctx context.Context, r *model.GuaranteeRequest) error {
	layers, err := json.Marshal(r.AllocatedLayers)
	if err != nil {
		return fmt.Errorf("marshal layers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO guarantee_requests (id, issuer_id, status, requested_coverage,
		        amount, auction_id, allocated_coverage, allocated_layers, allocated_at, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10)`,
		r.ID, r.IssuerID, r.Status, r.RequestedCoverage.String(), r.Amount.String(),
		r.AuctionID, r.AllocatedCoverage.String(), layers, r.AllocatedAt, r.CreatedAt)
	return err
}

func (s *PostgresStore) GetGuaranteeRequest(ctx context.Context, id string) (*model.GuaranteeRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM guarantee_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, notFound(err, "guarantee request", id)
	}
	return r, nil
}

const updateRequestSQL = `UPDATE guarantee_requests
	 SET status = $3, auction_id = $4, allocated_coverage = $5::NUMERIC,
	     allocated_layers = $6, allocated_at = $7
	 WHERE id = $1 AND status = $2`

func (s *PostgresStore) UpdateGuaranteeRequest(ctx context.Context, r *model.GuaranteeRequest, expect model.RequestStatus) error {
	layers, err := json.Marshal(r.AllocatedLayers)
	if err != nil {
		return fmt.Errorf("marshal layers: %w", err)
	}
	tag, err := s.pool.Exec(ctx, updateRequestSQL,
		r.ID, expect, r.Status, r.AuctionID, r.AllocatedCoverage.String(),
		layers, r.AllocatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.requestConflict(ctx, r.ID)
	}
	return nil
}

func (s *PostgresStore) requestConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM guarantee_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("guarantee request %s: %w", id, ErrNotFound)
	}
	return ErrConflict
}

// --- Guarantee bids ---

const gbidColumns = `id, request_id, guarantor_id, coverage_percent::TEXT, fee_percent::TEXT,
	layer, max_capacity::TEXT, guarantor_trust_score, effective_bid::TEXT, status, submitted_at`

func (s *PostgresStore) InsertGuaranteeBid(ctx context.Context, b *model.GuaranteeBid) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO guarantee_bids (id, request_id, guarantor_id, coverage_percent,
		        fee_percent, layer, max_capacity, guarantor_trust_score, effective_bid,
		        status, submitted_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9::NUMERIC, $10, $11)`,
		b.ID, b.RequestID, b.GuarantorID, b.CoveragePercent.String(), b.FeePercent.String(),
		b.Layer, decPtrString(b.MaxCapacity), b.GuarantorTrustScore,
		b.EffectiveBid.String(), b.Status, b.SubmittedAt)
	return err
}

func (s *PostgresStore) ListGuaranteeBidsByRequest(ctx context.Context, requestID string) ([]model.GuaranteeBid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+gbidColumns+` FROM guarantee_bids WHERE request_id = $1 ORDER BY submitted_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []model.GuaranteeBid
	for rows.Next() {
		b, err := scanGuaranteeBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, rows.Err()
}

func (s *PostgresStore) UpdateGuaranteeBid(ctx context.Context, b *model.GuaranteeBid) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE guarantee_bids SET status = $2 WHERE id = $1`, b.ID, b.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("guarantee bid %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

// --- Allocations ---

func (s *PostgresStore) ApplyAllocations(ctx context.Context, r *model.GuaranteeRequest, expect model.RequestStatus,
	allocations []model.GuaranteeAllocation, bids []model.GuaranteeBid) error {
	layers, err := json.Marshal(r.AllocatedLayers)
	if err != nil {
		return fmt.Errorf("marshal layers: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, updateRequestSQL,
		r.ID, expect, r.Status, r.AuctionID, r.AllocatedCoverage.String(),
		layers, r.AllocatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.requestConflict(ctx, r.ID)
	}

	for i := range allocations {
		a := &allocations[i]
		if _, err := tx.Exec(ctx,
			`INSERT INTO guarantee_allocations (id, request_id, guarantor_id,
			        coverage_percent, fee_percent, amount, layer, status, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
			a.ID, a.RequestID, a.GuarantorID, a.CoveragePercent.String(),
			a.FeePercent.String(), a.Amount.String(), a.Layer, a.Status, a.CreatedAt); err != nil {
			return err
		}
	}
	for i := range bids {
		b := &bids[i]
		if _, err := tx.Exec(ctx,
			`UPDATE guarantee_bids SET status = $2 WHERE id = $1`, b.ID, b.Status); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const allocationColumns = `id, request_id, guarantor_id, coverage_percent::TEXT,
	fee_percent::TEXT, amount::TEXT, layer, status, created_at`

func (s *PostgresStore) GetAllocation(ctx context.Context, id string) (*model.GuaranteeAllocation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM guarantee_allocations WHERE id = $1`, id)
	a, err := scanAllocation(row)
	if err != nil {
		return nil, notFound(err, "allocation", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAllocationsByRequest(ctx context.Context, requestID string) ([]model.GuaranteeAllocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+allocationColumns+` FROM guarantee_allocations WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []model.GuaranteeAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, *a)
	}
	return allocations, rows.Err()
}

func (s *PostgresStore) SetAllocationStatus(ctx context.Context, id string, expect, next model.AllocationStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE guarantee_allocations SET status = $3 WHERE id = $1 AND status = $2`,
		id, expect, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM guarantee_allocations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("allocation %s: %w", id, ErrNotFound)
		}
		return ErrConflict
	}
	return nil
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

func scanAuction(row pgxRow) (*model.Auction, error) {
	var a model.Auction
	var reserve, cleared *string
	var target, weight string
	if err := row.Scan(&a.ID, &a.Type, &a.Status, &a.StartTime, &a.EndTime,
		&a.ExtendedEndTime, &reserve, &target, &a.MinTrustScore, &weight,
		&a.ClearingMethod, &cleared, &a.ClearedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.TargetAmount, _ = decimal.NewFromString(target)
	a.TrustWeight, _ = decimal.NewFromString(weight)
	a.ReservePrice = decFromPtr(reserve)
	a.ClearedPrice = decFromPtr(cleared)
	return &a, nil
}

func scanBid(row pgxRow) (*model.Bid, error) {
	var b model.Bid
	var price, amount, effective string
	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &price, &amount,
		&b.BidderTrustScore, &effective, &b.Status, &b.SubmittedAt,
		&b.AcceptedAt, &b.WithdrawnAt); err != nil {
		return nil, err
	}
	b.Price, _ = decimal.NewFromString(price)
	b.Amount, _ = decimal.NewFromString(amount)
	b.EffectiveBid, _ = decimal.NewFromString(effective)
	return &b, nil
}

func scanRequest(row pgxRow) (*model.GuaranteeRequest, error) {
	var r model.GuaranteeRequest
	var requested, amount, allocated string
	var layers []byte
	if err := row.Scan(&r.ID, &r.IssuerID, &r.Status, &requested, &amount,
		&r.AuctionID, &allocated, &layers, &r.AllocatedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.RequestedCoverage, _ = decimal.NewFromString(requested)
	r.Amount, _ = decimal.NewFromString(amount)
	r.AllocatedCoverage, _ = decimal.NewFromString(allocated)
	if len(layers) > 0 {
		if err := json.Unmarshal(layers, &r.AllocatedLayers); err != nil {
			return nil, fmt.Errorf("unmarshal layers: %w", err)
		}
	}
	return &r, nil
}

func scanGuaranteeBid(row pgxRow) (*model.GuaranteeBid, error) {
	var b model.GuaranteeBid
	var coverage, fee, effective string
	var capacity *string
	if err := row.Scan(&b.ID, &b.RequestID, &b.GuarantorID, &coverage, &fee,
		&b.Layer, &capacity, &b.GuarantorTrustScore, &effective, &b.Status,
		&b.SubmittedAt); err != nil {
		return nil, err
	}
	b.CoveragePercent, _ = decimal.NewFromString(coverage)
	b.FeePercent, _ = decimal.NewFromString(fee)
	b.EffectiveBid, _ = decimal.NewFromString(effective)
	b.MaxCapacity = decFromPtr(capacity)
	return &b, nil
}

func scanAllocation(row pgxRow) (*model.GuaranteeAllocation, error) {
	var a model.GuaranteeAllocation
	var coverage, fee, amount string
	if err := row.Scan(&a.ID, &a.RequestID, &a.GuarantorID, &coverage, &fee,
		&amount, &a.Layer, &a.Status, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.CoveragePercent, _ = decimal.NewFromString(coverage)
	a.FeePercent, _ = decimal.NewFromString(fee)
	a.Amount, _ = decimal.NewFromString(amount)
	return &a, nil
}

func decPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decFromPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, _ := decimal.NewFromString(*s)
	return &d
}
