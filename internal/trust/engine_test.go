package trust

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/fundbridge/allocation-engine/internal/fault"
	"github.com/fundbridge/allocation-engine/internal/model"
	"github.com/fundbridge/allocation-engine/internal/scoring"
	"github.com/fundbridge/allocation-engine/internal/store"
)

type fixture struct {
	engine    *Engine
	store     *store.MemoryStore
	kyc       *MemoryKYC
	behavior  *MemoryBehavior
	readiness *MemoryReadiness
	activity  *MemoryActivityLog
	clock     time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:     store.NewMemoryStore(),
		kyc:       NewMemoryKYC(),
		behavior:  NewMemoryBehavior(),
		readiness: NewMemoryReadiness(),
		activity:  NewMemoryActivityLog(),
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.store, f.kyc, f.behavior, f.readiness, f.activity)
	f.engine.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func approx(got, want float64) bool { return math.Abs(got-want) < 1e-9 }

func TestRecalculateNewEntity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ts, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead)
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	// No KYC, no history: identity 0, transaction/financial/performance
	// neutral 50, learning 0.
	if ts.IdentityTrust != 0 {
		t.Errorf("identity = %v, want 0", ts.IdentityTrust)
	}
	if ts.TransactionTrust != scoring.NeutralScore {
		t.Errorf("transaction = %v, want %v", ts.TransactionTrust, scoring.NeutralScore)
	}
	if ts.LearningTrust != 0 {
		t.Errorf("learning = %v, want 0", ts.LearningTrust)
	}
	if !approx(ts.Score, 30) {
		t.Errorf("aggregate = %v, want 30", ts.Score)
	}
}

func TestRecalculateFullProfile(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.kyc.Set("vendor-1", KYCStatus{Status: scoring.KYCApproved, DocumentType: "PASSPORT", DocumentNumber: "X1"}, true, true)
	f.behavior.Set("vendor-1", scoring.BehaviorMetrics{
		TotalTransactions:      10,
		SuccessfulTransactions: 10,
		PaymentPunctuality:     100,
		DeliveryTimeliness:     100,
		TotalPayments:          10,
		TotalDeliveries:        10,
	})
	f.readiness.Set("vendor-1", scoring.ReadinessMetrics{
		CoursesCompleted:       8,
		CertificationsEarned:   3,
		QuizAverageScore:       100,
		DocumentationReadiness: 100,
	})

	ts, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead)
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if ts.IdentityTrust != 100 {
		t.Errorf("identity = %v, want 100", ts.IdentityTrust)
	}
	// Financial 100*0.8 = 80 with no escrow history.
	if !approx(ts.FinancialTrust, 80) {
		t.Errorf("financial = %v, want 80", ts.FinancialTrust)
	}
	if ts.Score <= 90 {
		t.Errorf("aggregate = %v, want > 90", ts.Score)
	}

	events, err := f.engine.Events(ctx, "vendor-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != model.TrustUpdated {
		t.Fatalf("events = %+v, want one UPDATED", events)
	}
	if events[0].Snapshot.IdentityTrust != 100 {
		t.Errorf("snapshot identity = %v, want 100", events[0].Snapshot.IdentityTrust)
	}
}

func TestGetServesFreshScoreWithoutRecalculating(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.engine.Get(ctx, "vendor-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Within the staleness window the stored score is returned as-is even if
	// the underlying metrics changed.
	f.behavior.Set("vendor-1", scoring.BehaviorMetrics{
		TotalTransactions: 5, SuccessfulTransactions: 5,
		PaymentPunctuality: 100, DeliveryTimeliness: 100,
		TotalPayments: 5, TotalDeliveries: 5,
	})
	f.advance(Staleness - time.Hour)

	second, err := f.engine.Get(ctx, "vendor-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.Score != first.Score {
		t.Errorf("fresh read recalculated: %v != %v", second.Score, first.Score)
	}

	f.advance(2 * time.Hour)
	third, err := f.engine.Get(ctx, "vendor-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if third.Score <= first.Score {
		t.Errorf("stale read did not recalculate: %v", third.Score)
	}
}

func TestAdjustRequiresAdmin(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.engine.Adjust(ctx, "vendor-1", 10, "compensation", ""); !fault.IsKind(err, fault.Unauthorized) {
		t.Fatalf("err = %v, want Unauthorized", err)
	}
	if _, err := f.engine.Adjust(ctx, "vendor-1", 10, "", "admin-1"); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("err = %v, want Validation", err)
	}
}

func TestAdjustClampsAndLogs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	ts, err := f.engine.Adjust(ctx, "vendor-1", 500, "goodwill", "admin-1")
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if ts.Score != 100 {
		t.Errorf("score = %v, want clamped 100", ts.Score)
	}

	events, _ := f.engine.Events(ctx, "vendor-1")
	last := events[len(events)-1]
	if last.EventType != model.TrustManualAdjustment {
		t.Errorf("last event = %v, want MANUAL_ADJUSTMENT", last.EventType)
	}
	if last.TriggerType != TriggerManual {
		t.Errorf("trigger = %v, want %v", last.TriggerType, TriggerManual)
	}
}

func TestTrackActivityAppliesRecoveryAfterInactivity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if err := f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 1); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}

	before, _ := f.store.GetTrustScore(ctx, "vendor-1")

	// 75 days of silence puts the entity in the 1.0/month decay band, so one
	// activity event restores min(1.0*2*1, 5) = 2 points.
	f.advance(75 * 24 * time.Hour)
	if err := f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 1); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}

	after, _ := f.store.GetTrustScore(ctx, "vendor-1")
	if !approx(after.Score, before.Score+2) {
		t.Errorf("score = %v, want %v", after.Score, before.Score+2)
	}

	// Immediately repeated activity is inside the threshold: clock advances,
	// no further credit.
	if err := f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 1); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}
	again, _ := f.store.GetTrustScore(ctx, "vendor-1")
	if again.Score != after.Score {
		t.Errorf("repeat activity changed score: %v -> %v", after.Score, again.Score)
	}

	events, _ := f.engine.Events(ctx, "vendor-1")
	var recoveries int
	for _, ev := range events {
		if ev.EventType == model.TrustRecoveryEvent {
			recoveries++
		}
	}
	if recoveries != 1 {
		t.Errorf("recovery events = %d, want 1", recoveries)
	}
}

func TestRecoveryCappedPerEvent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if err := f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 1); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}
	before, _ := f.store.GetTrustScore(ctx, "vendor-1")

	// 200 days inactive, huge activity value: credit still capped at 5.
	f.advance(200 * 24 * time.Hour)
	if err := f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 50); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}
	after, _ := f.store.GetTrustScore(ctx, "vendor-1")
	if !approx(after.Score, before.Score+scoring.MaxRecoveryPerEvent) {
		t.Errorf("score = %v, want %v", after.Score, before.Score+scoring.MaxRecoveryPerEvent)
	}
}

func TestApplyDecayBands(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if err := f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 1); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}
	before, _ := f.store.GetTrustScore(ctx, "vendor-1")

	// 10 days inactive: below threshold, no decay.
	if err := f.engine.ApplyDecay(ctx, "vendor-1", f.clock.Add(10*24*time.Hour)); err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	mid, _ := f.store.GetTrustScore(ctx, "vendor-1")
	if mid.Score != before.Score {
		t.Errorf("decay inside threshold: %v -> %v", before.Score, mid.Score)
	}

	// 100 days inactive: 2.0/month band.
	if err := f.engine.ApplyDecay(ctx, "vendor-1", f.clock.Add(100*24*time.Hour)); err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	after, _ := f.store.GetTrustScore(ctx, "vendor-1")
	if !approx(after.Score, before.Score-2) {
		t.Errorf("score = %v, want %v", after.Score, before.Score-2)
	}

	events, _ := f.engine.Events(ctx, "vendor-1")
	last := events[len(events)-1]
	if last.EventType != model.TrustDecayApplied {
		t.Errorf("last event = %v, want DECAY_APPLIED", last.EventType)
	}
}

func TestDecayFloorsAtZero(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ts := &model.TrustScore{EntityID: "vendor-1", Score: 1, LastCalculatedAt: f.clock}
	if err := f.store.PutTrustScore(ctx, ts); err != nil {
		t.Fatalf("PutTrustScore: %v", err)
	}
	if err := f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 0); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}

	if err := f.engine.ApplyDecay(ctx, "vendor-1", f.clock.Add(365*24*time.Hour)); err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	after, _ := f.store.GetTrustScore(ctx, "vendor-1")
	if after.Score != 0 {
		t.Errorf("score = %v, want floored 0", after.Score)
	}
}

func TestProcessDecayBatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	active := "vendor-active"
	idle := "vendor-idle"
	for _, id := range []string{active, idle} {
		if _, err := f.engine.Recalculate(ctx, id, TriggerRead); err != nil {
			t.Fatalf("Recalculate(%s): %v", id, err)
		}
		if err := f.engine.TrackActivity(ctx, id, TriggerBidPlaced, 1); err != nil {
			t.Fatalf("TrackActivity(%s): %v", id, err)
		}
	}

	f.advance(65 * 24 * time.Hour)
	if err := f.engine.TrackActivity(ctx, active, TriggerBidPlaced, 1); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}

	idleBefore, _ := f.store.GetTrustScore(ctx, idle)
	activeBefore, _ := f.store.GetTrustScore(ctx, active)

	res, err := f.engine.ProcessDecayBatch(ctx, 100, 365)
	if err != nil {
		t.Fatalf("ProcessDecayBatch: %v", err)
	}
	if res.Processed != 1 || res.Decayed != 1 || res.Errors != 0 {
		t.Fatalf("result = %+v, want 1 processed, 1 decayed", res)
	}

	idleAfter, _ := f.store.GetTrustScore(ctx, idle)
	activeAfter, _ := f.store.GetTrustScore(ctx, active)
	if !approx(idleAfter.Score, idleBefore.Score-1) {
		t.Errorf("idle score = %v, want %v", idleAfter.Score, idleBefore.Score-1)
	}
	if activeAfter.Score != activeBefore.Score {
		t.Errorf("active entity decayed: %v -> %v", activeBefore.Score, activeAfter.Score)
	}
}

func TestDecayStepGatedToOncePerMonth(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if err := f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 1); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}
	before, _ := f.store.GetTrustScore(ctx, "vendor-1")

	// 45 days inactive: the 0.5/month band.
	f.advance(45 * 24 * time.Hour)
	res, err := f.engine.ProcessDecayBatch(ctx, 100, 365)
	if err != nil {
		t.Fatalf("ProcessDecayBatch: %v", err)
	}
	if res.Decayed != 1 {
		t.Fatalf("first sweep decayed = %d, want 1", res.Decayed)
	}

	// A second sweep at the same instant must leave the score alone. The
	// sweep interval is an operational knob, not part of the decay rate.
	res, err = f.engine.ProcessDecayBatch(ctx, 100, 365)
	if err != nil {
		t.Fatalf("ProcessDecayBatch: %v", err)
	}
	if res.Processed != 1 || res.Decayed != 0 {
		t.Fatalf("second sweep = %+v, want 1 processed, 0 decayed", res)
	}
	after, _ := f.store.GetTrustScore(ctx, "vendor-1")
	if !approx(after.Score, before.Score-0.5) {
		t.Errorf("score after two same-day sweeps = %v, want %v", after.Score, before.Score-0.5)
	}

	// One month on, the entity is 75 days inactive and the next band applies.
	f.advance(30 * 24 * time.Hour)
	if err := f.engine.ApplyDecay(ctx, "vendor-1", f.clock); err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	final, _ := f.store.GetTrustScore(ctx, "vendor-1")
	if !approx(final.Score, before.Score-1.5) {
		t.Errorf("score after next month = %v, want %v", final.Score, before.Score-1.5)
	}
}

func TestSmallChangesSuppressEvents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	base, _ := f.engine.Events(ctx, "vendor-1")

	// Identical inputs: recalculation lands on the same score, no new event.
	if _, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	after, _ := f.engine.Events(ctx, "vendor-1")
	if len(after) != len(base) {
		t.Errorf("events = %d, want %d (sub-point change must not log)", len(after), len(base))
	}
}

func TestThresholdBreachLogged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Strong financial history: guarantee trust well above the threshold.
	f.behavior.Set("guarantor-1", scoring.BehaviorMetrics{
		TotalTransactions:      10,
		SuccessfulTransactions: 10,
		PaymentPunctuality:     90,
		DeliveryTimeliness:     90,
		TotalPayments:          10,
		TotalDeliveries:        10,
	})
	if _, err := f.engine.Recalculate(ctx, "guarantor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	// Collapse punctuality and delivery: guarantee trust drops below 50.
	f.behavior.Set("guarantor-1", scoring.BehaviorMetrics{
		TotalTransactions:      20,
		SuccessfulTransactions: 8,
		PaymentPunctuality:     30,
		DeliveryTimeliness:     20,
		DisputeRate:            0.5,
		TotalPayments:          20,
		TotalDeliveries:        20,
	})
	if _, err := f.engine.Recalculate(ctx, "guarantor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	events, _ := f.engine.Events(ctx, "guarantor-1")
	var breached bool
	for _, ev := range events {
		if ev.EventType == model.TrustThresholdBreached {
			breached = true
		}
	}
	if !breached {
		t.Error("no THRESHOLD_BREACHED event after guarantee trust fell below 50")
	}
}

func TestExplainBreakdown(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.kyc.Set("vendor-1", KYCStatus{Status: scoring.KYCApproved}, true, true)

	ex, err := f.engine.Explain(ctx, "vendor-1")
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(ex.Dimensions) != 5 {
		t.Fatalf("dimensions = %d, want 5", len(ex.Dimensions))
	}

	var sum float64
	for _, dim := range ex.Dimensions {
		sum += dim.Contribution
	}
	if !approx(sum, ex.Score) {
		t.Errorf("contributions sum %v != aggregate %v", sum, ex.Score)
	}
	if len(ex.Factors) == 0 {
		t.Error("expected at least one factor")
	}
}

func TestConcurrentActivityAndDecay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.engine.Recalculate(ctx, "vendor-1", TriggerRead); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if err := f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 1); err != nil {
		t.Fatalf("TrackActivity: %v", err)
	}
	f.advance(40 * 24 * time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.engine.ApplyDecay(ctx, "vendor-1", f.clock)
	}()
	_ = f.engine.TrackActivity(ctx, "vendor-1", TriggerBidPlaced, 1)
	<-done

	// Both paths serialized on the entity lock: the score must be a valid
	// combination, never a torn write.
	ts, err := f.store.GetTrustScore(ctx, "vendor-1")
	if err != nil {
		t.Fatalf("GetTrustScore: %v", err)
	}
	if ts.Score < 0 || ts.Score > 100 {
		t.Errorf("score out of range: %v", ts.Score)
	}
}
