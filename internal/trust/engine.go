package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fundbridge/allocation-engine/internal/fault"
	"github.com/fundbridge/allocation-engine/internal/metrics"
	"github.com/fundbridge/allocation-engine/internal/model"
	"github.com/fundbridge/allocation-engine/internal/scoring"
	"github.com/fundbridge/allocation-engine/internal/store"
)

// Staleness is how long a calculated score is served as-is before a read
// triggers recalculation.
const Staleness = 24 * time.Hour

// GuaranteeThreshold is the guarantee trust score required to place
// guarantee bids. Crossing it downward is recorded as a THRESHOLD_BREACHED
// event.
const GuaranteeThreshold = 50.0

// minSignificantChange suppresses audit events for sub-point recalculation
// wobble.
const minSignificantChange = 1.0

// minDecayEvent is the smallest decay decrement worth an audit record.
const minDecayEvent = 0.1

// decayInterval is the minimum gap between two decay steps for one entity.
// Band rates are per month; the sweep may run far more often than that.
const decayInterval = scoring.DecayThresholdDays * 24 * time.Hour

// Trigger types recorded on audit events.
const (
	TriggerBidPlaced = "BID_PLACED"
	TriggerPayment   = "PAYMENT"
	TriggerScheduled = "SCHEDULED_SWEEP"
	TriggerManual    = "MANUAL"
	TriggerRead      = "STALE_READ"
)

// BatchResult summarizes one decay sweep run.
type BatchResult struct {
	Processed int `json:"processed"`
	Decayed   int `json:"decayed"`
	Errors    int `json:"errors"`
}

// Engine computes and maintains trust scores. All mutations of one entity's
// score are serialized through a per-entity lock so the decay sweep and the
// activity-recovery hook cannot interleave around the 30-day boundary.
type Engine struct {
	store     store.Store
	kyc       KYCStore
	behavior  BehaviorStore
	readiness ReadinessStore
	activity  ActivityLog

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now func() time.Time
}

// NewEngine creates a trust engine over the given store and collaborators.
func NewEngine(st store.Store, kyc KYCStore, behavior BehaviorStore, readiness ReadinessStore, activity ActivityLog) *Engine {
	return &Engine{
		store:     st,
		kyc:       kyc,
		behavior:  behavior,
		readiness: readiness,
		activity:  activity,
		locks:     make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// lockEntity serializes all score mutations for one entity.
func (e *Engine) lockEntity(entityID string) func() {
	e.lockMu.Lock()
	mu, ok := e.locks[entityID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[entityID] = mu
	}
	e.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Recalculate recomputes all five dimensions from collaborator data and
// persists the result. Missing or failing collaborator data defaults to
// neutral/zero — a brand-new entity scores, it does not error.
func (e *Engine) Recalculate(ctx context.Context, entityID, triggerType string) (*model.TrustScore, error) {
	unlock := e.lockEntity(entityID)
	defer unlock()
	return e.recalculateLocked(ctx, entityID, triggerType)
}

func (e *Engine) recalculateLocked(ctx context.Context, entityID, triggerType string) (*model.TrustScore, error) {
	prev, err := e.loadOrInit(ctx, entityID)
	if err != nil {
		return nil, err
	}

	dims, behaviorScore := e.computeDimensions(ctx, entityID)

	ts := &model.TrustScore{
		EntityID:         entityID,
		IdentityTrust:    dims.Identity,
		TransactionTrust: dims.Transaction,
		FinancialTrust:   dims.Financial,
		PerformanceTrust: dims.Performance,
		LearningTrust:    dims.Learning,
		BehaviorScore:    behaviorScore,
		Score:            scoring.Aggregate(dims),
		LastCalculatedAt: e.now(),
	}

	if err := e.store.PutTrustScore(ctx, ts); err != nil {
		return nil, fmt.Errorf("persist trust score: %w", err)
	}
	metrics.TrustRecalculations.Inc()

	change := ts.Score - prev.Score
	if change >= minSignificantChange || change <= -minSignificantChange {
		e.logEvent(ctx, ts, model.TrustUpdated, prev.Score, triggerType, "recalculated from current metrics")
	}

	// Downward crossings of the guarantee threshold get their own record so
	// operators can see exactly when an entity lost bidding eligibility.
	if scoring.GuaranteeTrust(dimsOf(prev)) >= GuaranteeThreshold &&
		scoring.GuaranteeTrust(dims) < GuaranteeThreshold {
		e.logEvent(ctx, ts, model.TrustThresholdBreached, prev.Score, triggerType,
			fmt.Sprintf("guarantee trust fell below %.0f", GuaranteeThreshold))
	}

	slog.Info("trust score recalculated",
		"entity", entityID,
		"score", ts.Score,
		"previous", prev.Score,
		"trigger", triggerType,
	)
	return ts, nil
}

// Get returns the entity's trust score, recalculating only when the stored
// value is older than the staleness window. Reads inside the window are
// idempotent.
func (e *Engine) Get(ctx context.Context, entityID string) (*model.TrustScore, error) {
	ts, err := e.store.GetTrustScore(ctx, entityID)
	if err == nil && e.now().Sub(ts.LastCalculatedAt) < Staleness {
		return ts, nil
	}
	return e.Recalculate(ctx, entityID, TriggerRead)
}

// Score returns the aggregate trust score, used by the auction engine to
// snapshot bidders.
func (e *Engine) Score(ctx context.Context, entityID string) (float64, error) {
	ts, err := e.Get(ctx, entityID)
	if err != nil {
		return 0, err
	}
	return ts.Score, nil
}

// GuaranteeScore returns the guarantee-specific trust score gating guarantee
// bids.
func (e *Engine) GuaranteeScore(ctx context.Context, entityID string) (float64, error) {
	ts, err := e.Get(ctx, entityID)
	if err != nil {
		return 0, err
	}
	return scoring.GuaranteeTrust(dimsOf(ts)), nil
}

// Adjust applies a manual delta to an entity's aggregate score. The adjusting
// principal is required and always recorded; this is the only path that moves
// the aggregate away from the weighted dimension combination until the next
// recalculation.
func (e *Engine) Adjust(ctx context.Context, entityID string, delta float64, reason, adminID string) (*model.TrustScore, error) {
	if adminID == "" {
		return nil, fault.New(fault.Unauthorized, "trust adjustment requires an admin principal")
	}
	if reason == "" {
		return nil, fault.New(fault.Validation, "trust adjustment requires a reason")
	}

	unlock := e.lockEntity(entityID)
	defer unlock()

	ts, err := e.loadOrInit(ctx, entityID)
	if err != nil {
		return nil, err
	}

	prevScore := ts.Score
	ts.Score = scoring.Clamp(ts.Score + delta)
	ts.LastCalculatedAt = e.now()

	if err := e.store.PutTrustScore(ctx, ts); err != nil {
		return nil, fmt.Errorf("persist trust score: %w", err)
	}

	e.logEvent(ctx, ts, model.TrustManualAdjustment, prevScore, TriggerManual,
		fmt.Sprintf("adjusted by admin %s: %s", adminID, reason))

	slog.Info("trust score manually adjusted",
		"entity", entityID,
		"admin", adminID,
		"delta", delta,
		"score", ts.Score,
	)
	return ts, nil
}

// TrackActivity records that an entity did something (placed a bid, made a
// payment, finished a course). The activity clock always advances; a
// recovery credit is applied only when the entity had been inactive past the
// decay threshold. activityValue scales the credit, which is capped per
// event.
func (e *Engine) TrackActivity(ctx context.Context, entityID, activityType string, activityValue float64) error {
	unlock := e.lockEntity(entityID)
	defer unlock()

	now := e.now()
	last, seen, err := e.activity.LastActivityAt(ctx, entityID)
	if err != nil {
		return fmt.Errorf("read activity clock: %w", err)
	}

	daysInactive := 0
	if seen {
		daysInactive = int(now.Sub(last).Hours() / 24)
	}

	if err := e.activity.SetLastActivityAt(ctx, entityID, now); err != nil {
		return fmt.Errorf("advance activity clock: %w", err)
	}

	recovery := scoring.RecoveryAmount(daysInactive, activityValue)
	if recovery == 0 {
		return nil
	}

	ts, err := e.loadOrInit(ctx, entityID)
	if err != nil {
		return err
	}
	prevScore := ts.Score
	ts.Score = scoring.Clamp(ts.Score + recovery)
	ts.LastCalculatedAt = now

	if err := e.store.PutTrustScore(ctx, ts); err != nil {
		return fmt.Errorf("persist trust score: %w", err)
	}
	metrics.TrustRecoveries.Inc()

	e.logEvent(ctx, ts, model.TrustRecoveryEvent, prevScore, activityType,
		fmt.Sprintf("recovery after %d days inactive", daysInactive))

	slog.Info("trust recovery applied",
		"entity", entityID,
		"activity", activityType,
		"days_inactive", daysInactive,
		"recovery", recovery,
		"score", ts.Score,
	)
	return nil
}

// ApplyDecay applies one monthly decay step for an entity based on its
// current inactivity span. A no-op for entities active within the threshold
// or already decayed within the last month.
func (e *Engine) ApplyDecay(ctx context.Context, entityID string, now time.Time) error {
	_, err := e.applyDecayBounded(ctx, entityID, now, 0)
	return err
}

func (e *Engine) applyDecayBounded(ctx context.Context, entityID string, now time.Time, maxDays int) (bool, error) {
	unlock := e.lockEntity(entityID)
	defer unlock()

	ts, err := e.loadOrInit(ctx, entityID)
	if err != nil {
		return false, err
	}

	// Band rates are monthly. The sweep runs much more often than that, so
	// an entity decayed within the last month sits out this pass.
	if ts.LastDecayAt != nil && now.Sub(*ts.LastDecayAt) < decayInterval {
		return false, nil
	}

	last, seen, err := e.activity.LastActivityAt(ctx, entityID)
	if err != nil {
		return false, fmt.Errorf("read activity clock: %w", err)
	}

	var daysInactive int
	switch {
	case !seen && maxDays > 0:
		// Never-active entities decay at the sweep bound.
		daysInactive = maxDays
	case !seen:
		daysInactive = scoring.DecayThresholdDays
	default:
		daysInactive = int(now.Sub(last).Hours() / 24)
	}
	if maxDays > 0 && daysInactive > maxDays {
		daysInactive = maxDays
	}

	amount := scoring.DecayRate(daysInactive)
	if amount == 0 {
		return false, nil
	}

	prevScore := ts.Score
	ts.Score = scoring.Clamp(ts.Score - amount)
	ts.LastCalculatedAt = now
	ts.LastDecayAt = &now

	if err := e.store.PutTrustScore(ctx, ts); err != nil {
		return false, fmt.Errorf("persist trust score: %w", err)
	}
	metrics.TrustDecays.Inc()

	if prevScore-ts.Score >= minDecayEvent {
		e.logEvent(ctx, ts, model.TrustDecayApplied, prevScore, TriggerScheduled,
			fmt.Sprintf("decay after %d days inactive", daysInactive))
	}
	return true, nil
}

// ProcessDecayBatch sweeps up to batchSize inactive entities, applying at
// most one decay step each. Entities decayed within the last month are
// counted as processed but left alone, so the sweep interval does not change
// the effective decay rate. Inactivity is bounded to maxDays. A failure on
// one entity is logged and counted, never fatal to the batch; each entity's
// decay is its own atomic step.
func (e *Engine) ProcessDecayBatch(ctx context.Context, batchSize, maxDays int) (BatchResult, error) {
	now := e.now()
	cutoff := now.AddDate(0, 0, -scoring.DecayThresholdDays)

	ids, err := e.activity.ListInactiveSince(ctx, cutoff, batchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("scan inactive entities: %w", err)
	}

	var res BatchResult
	for _, id := range ids {
		res.Processed++
		decayed, err := e.applyDecayBounded(ctx, id, now, maxDays)
		if err != nil {
			res.Errors++
			slog.Error("decay failed for entity", "entity", id, "err", err)
			continue
		}
		if decayed {
			res.Decayed++
		}
	}

	slog.Info("decay sweep complete",
		"processed", res.Processed,
		"decayed", res.Decayed,
		"errors", res.Errors,
	)
	return res, nil
}

// Events returns the full audit trail for an entity, oldest first.
func (e *Engine) Events(ctx context.Context, entityID string) ([]model.TrustEvent, error) {
	return e.store.ListTrustEvents(ctx, entityID)
}

// --- internals ---

// loadOrInit fetches the entity's score, lazily creating an all-zero record
// on first reference.
func (e *Engine) loadOrInit(ctx context.Context, entityID string) (*model.TrustScore, error) {
	ts, err := e.store.GetTrustScore(ctx, entityID)
	if err == nil {
		return ts, nil
	}
	if !store.IsNotFound(err) {
		return nil, fmt.Errorf("load trust score: %w", err)
	}
	return &model.TrustScore{EntityID: entityID, LastCalculatedAt: e.now()}, nil
}

// computeDimensions gathers collaborator data, defaulting each source to its
// zero value on failure. Collaborator errors are logged, never propagated —
// a missing metrics row is the normal state for a new entity.
func (e *Engine) computeDimensions(ctx context.Context, entityID string) (scoring.Dimensions, float64) {
	var profile scoring.KYCProfile

	kycStatus, err := e.kyc.GetKYCStatus(ctx, entityID)
	if err != nil {
		slog.Warn("kyc status unavailable, scoring identity from defaults", "entity", entityID, "err", err)
	} else {
		profile.Status = kycStatus.Status
		profile.DocsComplete = kycStatus.DocumentType != "" && kycStatus.DocumentNumber != ""
	}
	if verified, err := e.kyc.IsVerified(ctx, entityID); err == nil {
		profile.Verified = verified
	}
	if active, err := e.kyc.IsActive(ctx, entityID); err == nil {
		profile.Active = active
	}

	behavior, err := e.behavior.GetBehaviorMetrics(ctx, entityID)
	if err != nil {
		slog.Warn("behavior metrics unavailable, scoring from defaults", "entity", entityID, "err", err)
		behavior = scoring.BehaviorMetrics{}
	}

	readiness, err := e.readiness.GetReadinessMetrics(ctx, entityID)
	if err != nil {
		slog.Warn("readiness metrics unavailable, scoring from defaults", "entity", entityID, "err", err)
		readiness = scoring.ReadinessMetrics{}
	}

	dims := scoring.Dimensions{
		Identity:    scoring.IdentityScore(profile),
		Transaction: scoring.TransactionScore(behavior),
		Financial:   scoring.FinancialScore(behavior),
		Performance: scoring.PerformanceScore(behavior),
		Learning:    scoring.LearningScore(readiness),
	}
	return dims, scoring.BehaviorScore(behavior)
}

func (e *Engine) logEvent(ctx context.Context, ts *model.TrustScore, eventType model.TrustEventType,
	prevScore float64, triggerType, reason string) {
	ev := &model.TrustEvent{
		ID:            uuid.New().String(),
		EntityID:      ts.EntityID,
		EventType:     eventType,
		PreviousScore: prevScore,
		NewScore:      ts.Score,
		ChangeAmount:  ts.Score - prevScore,
		TriggerType:   triggerType,
		Reason:        reason,
		Snapshot: model.ScoreSnapshot{
			IdentityTrust:    ts.IdentityTrust,
			TransactionTrust: ts.TransactionTrust,
			FinancialTrust:   ts.FinancialTrust,
			PerformanceTrust: ts.PerformanceTrust,
			LearningTrust:    ts.LearningTrust,
			BehaviorScore:    ts.BehaviorScore,
		},
		CreatedAt: e.now(),
	}
	// The audit trail must never break the primary operation.
	if err := e.store.AppendTrustEvent(ctx, ev); err != nil {
		slog.Error("failed to append trust event", "entity", ts.EntityID, "type", eventType, "err", err)
	}
}

func dimsOf(ts *model.TrustScore) scoring.Dimensions {
	return scoring.Dimensions{
		Identity:    ts.IdentityTrust,
		Transaction: ts.TransactionTrust,
		Financial:   ts.FinancialTrust,
		Performance: ts.PerformanceTrust,
		Learning:    ts.LearningTrust,
	}
}
