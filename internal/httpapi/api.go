// Package httpapi provides the HTTP handlers for the allocation engine:
// trust score queries, auction lifecycle, and guarantee allocation.
//
// All monetary values use shopspring/decimal — never float64 for money.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fundbridge/allocation-engine/internal/auction"
	"github.com/fundbridge/allocation-engine/internal/fault"
	"github.com/fundbridge/allocation-engine/internal/guarantee"
	"github.com/fundbridge/allocation-engine/internal/model"
	"github.com/fundbridge/allocation-engine/internal/trust"
)

// API wires the engines to HTTP routes.
type API struct {
	trust      *trust.Engine
	auctions   *auction.Engine
	guarantees *guarantee.Engine
}

// New creates the HTTP API over the three engines.
func New(tr *trust.Engine, au *auction.Engine, gu *guarantee.Engine) *API {
	return &API{trust: tr, auctions: au, guarantees: gu}
}

// Routes registers all handlers on the given router, typically mounted at
// /api/v1.
func (a *API) Routes(r chi.Router) {
	// Trust scores.
	r.Get("/trust/{entityID}", a.GetTrustScore)
	r.Get("/trust/{entityID}/explain", a.ExplainTrustScore)
	r.Get("/trust/{entityID}/events", a.ListTrustEvents)
	r.Post("/trust/{entityID}/recalculate", a.RecalculateTrustScore)
	r.Post("/trust/{entityID}/adjust", a.AdjustTrustScore)
	r.Post("/trust/{entityID}/activity", a.TrackActivity)

	// Auctions.
	r.Get("/auctions", a.ListAuctions)
	r.Post("/auctions", a.CreateAuction)
	r.Get("/auctions/{auctionID}", a.GetAuction)
	r.Post("/auctions/{auctionID}/start", a.StartAuction)
	r.Post("/auctions/{auctionID}/close", a.CloseAuction)
	r.Post("/auctions/{auctionID}/cancel", a.CancelAuction)
	r.Post("/auctions/{auctionID}/extend", a.ExtendAuction)
	r.Get("/auctions/{auctionID}/bids", a.ListBids)
	r.Post("/auctions/{auctionID}/bids", a.PlaceBid)
	r.Post("/bids/{bidID}/withdraw", a.WithdrawBid)

	// Guarantee requests and allocations.
	r.Post("/guarantees", a.CreateGuaranteeRequest)
	r.Get("/guarantees/{requestID}", a.GetGuaranteeRequest)
	r.Post("/guarantees/{requestID}/auction", a.OpenGuaranteeAuction)
	r.Get("/guarantees/{requestID}/bids", a.ListGuaranteeBids)
	r.Post("/guarantees/{requestID}/bids", a.PlaceGuaranteeBid)
	r.Post("/guarantees/{requestID}/allocate", a.AllocateGuarantees)
	r.Post("/guarantees/{requestID}/expire", a.ExpireGuaranteeRequest)
	r.Get("/guarantees/{requestID}/allocations", a.ListAllocations)
	r.Post("/allocations/{allocationID}/draw", a.DrawAllocation)
	r.Post("/allocations/{allocationID}/release", a.ReleaseAllocation)
	r.Post("/allocations/{allocationID}/expire", a.ExpireAllocation)
}

// --- Trust handlers ---

// GetTrustScore handles GET /api/v1/trust/{entityID}
func (a *API) GetTrustScore(w http.ResponseWriter, r *http.Request) {
	ts, err := a.trust.Get(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// ExplainTrustScore handles GET /api/v1/trust/{entityID}/explain
func (a *API) ExplainTrustScore(w http.ResponseWriter, r *http.Request) {
	ex, err := a.trust.Explain(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// ListTrustEvents handles GET /api/v1/trust/{entityID}/events
func (a *API) ListTrustEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.trust.Events(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if events == nil {
		events = []model.TrustEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// RecalculateTrustScore handles POST /api/v1/trust/{entityID}/recalculate
func (a *API) RecalculateTrustScore(w http.ResponseWriter, r *http.Request) {
	ts, err := a.trust.Recalculate(r.Context(), chi.URLParam(r, "entityID"), "API")
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// AdjustRequest is the JSON body for manual trust adjustments.
type AdjustRequest struct {
	Delta   float64 `json:"delta"`
	Reason  string  `json:"reason"`
	AdminID string  `json:"admin_id"`
}

// AdjustTrustScore handles POST /api/v1/trust/{entityID}/adjust
func (a *API) AdjustTrustScore(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ts, err := a.trust.Adjust(r.Context(), chi.URLParam(r, "entityID"), req.Delta, req.Reason, req.AdminID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// ActivityRequest is the JSON body for activity signals.
type ActivityRequest struct {
	ActivityType  string  `json:"activity_type"`
	ActivityValue float64 `json:"activity_value"`
}

// TrackActivity handles POST /api/v1/trust/{entityID}/activity
func (a *API) TrackActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActivityType == "" {
		writeError(w, "activity_type is required", http.StatusBadRequest)
		return
	}
	if err := a.trust.TrackActivity(r.Context(), chi.URLParam(r, "entityID"), req.ActivityType, req.ActivityValue); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Auction handlers ---

// CreateAuctionRequest is the JSON body for auction creation.
type CreateAuctionRequest struct {
	Type           model.AuctionType    `json:"type"`
	StartTime      time.Time            `json:"start_time"`
	EndTime        time.Time            `json:"end_time"`
	ReservePrice   *decimal.Decimal     `json:"reserve_price,omitempty"`
	TargetAmount   decimal.Decimal      `json:"target_amount"`
	MinTrustScore  *float64             `json:"min_trust_score,omitempty"`
	TrustWeight    decimal.Decimal      `json:"trust_weight"`
	ClearingMethod model.ClearingMethod `json:"clearing_method"`
}

// CreateAuction handles POST /api/v1/auctions
func (a *API) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	created, err := a.auctions.Create(r.Context(), auction.CreateParams{
		Type:           req.Type,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		ReservePrice:   req.ReservePrice,
		TargetAmount:   req.TargetAmount,
		MinTrustScore:  req.MinTrustScore,
		TrustWeight:    req.TrustWeight,
		ClearingMethod: req.ClearingMethod,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListAuctions handles GET /api/v1/auctions
func (a *API) ListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := a.auctions.List(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	if auctions == nil {
		auctions = []model.Auction{}
	}
	writeJSON(w, http.StatusOK, auctions)
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (a *API) GetAuction(w http.ResponseWriter, r *http.Request) {
	got, err := a.auctions.Get(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// StartAuction handles POST /api/v1/auctions/{auctionID}/start
func (a *API) StartAuction(w http.ResponseWriter, r *http.Request) {
	started, err := a.auctions.Start(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, started)
}

// CloseAuction handles POST /api/v1/auctions/{auctionID}/close
func (a *API) CloseAuction(w http.ResponseWriter, r *http.Request) {
	closed, err := a.auctions.Close(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// CancelAuction handles POST /api/v1/auctions/{auctionID}/cancel
func (a *API) CancelAuction(w http.ResponseWriter, r *http.Request) {
	cancelled, err := a.auctions.Cancel(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// ExtendRequest is the JSON body for auction extension.
type ExtendRequest struct {
	EndTime time.Time `json:"end_time"`
}

// ExtendAuction handles POST /api/v1/auctions/{auctionID}/extend
func (a *API) ExtendAuction(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	extended, err := a.auctions.Extend(r.Context(), chi.URLParam(r, "auctionID"), req.EndTime)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, extended)
}

// ListBids handles GET /api/v1/auctions/{auctionID}/bids
func (a *API) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := a.auctions.Bids(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

// PlaceBidRequest is the JSON body for POST /auctions/{auctionID}/bids.
type PlaceBidRequest struct {
	BidderID string          `json:"bidder_id"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
}

// PlaceBid handles POST /api/v1/auctions/{auctionID}/bids
func (a *API) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bid, err := a.auctions.PlaceBid(r.Context(), chi.URLParam(r, "auctionID"), req.BidderID, req.Price, req.Amount)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// WithdrawRequest is the JSON body for bid withdrawal.
type WithdrawRequest struct {
	BidderID string `json:"bidder_id"`
}

// WithdrawBid handles POST /api/v1/bids/{bidID}/withdraw
func (a *API) WithdrawBid(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bid, err := a.auctions.WithdrawBid(r.Context(), chi.URLParam(r, "bidID"), req.BidderID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// --- Guarantee handlers ---

// CreateGuaranteeRequestBody is the JSON body for guarantee request creation.
type CreateGuaranteeRequestBody struct {
	IssuerID          string          `json:"issuer_id"`
	RequestedCoverage decimal.Decimal `json:"requested_coverage"`
	Amount            decimal.Decimal `json:"amount"`
}

// CreateGuaranteeRequest handles POST /api/v1/guarantees
func (a *API) CreateGuaranteeRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateGuaranteeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	created, err := a.guarantees.CreateRequest(r.Context(), req.IssuerID, req.RequestedCoverage, req.Amount)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetGuaranteeRequest handles GET /api/v1/guarantees/{requestID}
func (a *API) GetGuaranteeRequest(w http.ResponseWriter, r *http.Request) {
	got, err := a.guarantees.GetRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// OpenAuctionRequest is the JSON body for opening a guarantee auction.
type OpenAuctionRequest struct {
	EndTime time.Time `json:"end_time"`
}

// OpenGuaranteeAuction handles POST /api/v1/guarantees/{requestID}/auction
func (a *API) OpenGuaranteeAuction(w http.ResponseWriter, r *http.Request) {
	var req OpenAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	opened, err := a.guarantees.OpenAuction(r.Context(), chi.URLParam(r, "requestID"), req.EndTime)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opened)
}

// ListGuaranteeBids handles GET /api/v1/guarantees/{requestID}/bids
func (a *API) ListGuaranteeBids(w http.ResponseWriter, r *http.Request) {
	bids, err := a.guarantees.Bids(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if bids == nil {
		bids = []model.GuaranteeBid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

// PlaceGuaranteeBidRequest is the JSON body for guarantor bids.
type PlaceGuaranteeBidRequest struct {
	GuarantorID     string               `json:"guarantor_id"`
	CoveragePercent decimal.Decimal      `json:"coverage_percent"`
	FeePercent      decimal.Decimal      `json:"fee_percent"`
	Layer           model.GuaranteeLayer `json:"layer,omitempty"`
	MaxCapacity     *decimal.Decimal     `json:"max_capacity,omitempty"`
}

// PlaceGuaranteeBid handles POST /api/v1/guarantees/{requestID}/bids
func (a *API) PlaceGuaranteeBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceGuaranteeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bid, err := a.guarantees.PlaceBid(r.Context(), chi.URLParam(r, "requestID"),
		req.GuarantorID, req.CoveragePercent, req.FeePercent, req.Layer, req.MaxCapacity)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// AllocateGuarantees handles POST /api/v1/guarantees/{requestID}/allocate
func (a *API) AllocateGuarantees(w http.ResponseWriter, r *http.Request) {
	allocated, err := a.guarantees.Allocate(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocated)
}

// ExpireGuaranteeRequest handles POST /api/v1/guarantees/{requestID}/expire
func (a *API) ExpireGuaranteeRequest(w http.ResponseWriter, r *http.Request) {
	expired, err := a.guarantees.ExpireRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, expired)
}

// ListAllocations handles GET /api/v1/guarantees/{requestID}/allocations
func (a *API) ListAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := a.guarantees.Allocations(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if allocs == nil {
		allocs = []model.GuaranteeAllocation{}
	}
	writeJSON(w, http.StatusOK, allocs)
}

// DrawAllocation handles POST /api/v1/allocations/{allocationID}/draw
func (a *API) DrawAllocation(w http.ResponseWriter, r *http.Request) {
	a.allocationTransition(w, r, a.guarantees.Draw)
}

// ReleaseAllocation handles POST /api/v1/allocations/{allocationID}/release
func (a *API) ReleaseAllocation(w http.ResponseWriter, r *http.Request) {
	a.allocationTransition(w, r, a.guarantees.Release)
}

// ExpireAllocation handles POST /api/v1/allocations/{allocationID}/expire
func (a *API) ExpireAllocation(w http.ResponseWriter, r *http.Request) {
	a.allocationTransition(w, r, a.guarantees.Expire)
}

func (a *API) allocationTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	if err := fn(r.Context(), chi.URLParam(r, "allocationID")); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

// writeFault maps the fault taxonomy onto HTTP status codes.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.Unauthorized:
		status = http.StatusForbidden
	case fault.InvalidState:
		status = http.StatusConflict
	case fault.InsufficientTrust, fault.InsufficientGuaranteeTrust, fault.InsufficientCapacity:
		status = http.StatusUnprocessableEntity
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
