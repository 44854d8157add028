package scoring

import (
	"math"
	"testing"
)

func approx(got, want float64) bool { return math.Abs(got-want) < 1e-9 }

func TestIdentityScore(t *testing.T) {
	tests := []struct {
		name    string
		profile KYCProfile
		want    float64
	}{
		{"nothing", KYCProfile{}, 0},
		{"pending only", KYCProfile{Status: KYCPending}, 10},
		{"in progress", KYCProfile{Status: KYCInProgress}, 30},
		{"approved only", KYCProfile{Status: KYCApproved}, 60},
		{"approved verified", KYCProfile{Status: KYCApproved, Verified: true}, 80},
		{"full profile", KYCProfile{Status: KYCApproved, Verified: true, Active: true, DocsComplete: true}, 100},
		{"unverified account bonuses", KYCProfile{Active: true, DocsComplete: true}, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IdentityScore(tt.profile); got != tt.want {
				t.Errorf("IdentityScore(%+v) = %v, want %v", tt.profile, got, tt.want)
			}
		})
	}
}

func TestTransactionScoreNeutralWithoutHistory(t *testing.T) {
	if got := TransactionScore(BehaviorMetrics{}); got != NeutralScore {
		t.Errorf("got %v, want neutral %v", got, NeutralScore)
	}
}

func TestTransactionScoreWeighting(t *testing.T) {
	m := BehaviorMetrics{
		TotalTransactions:      10,
		SuccessfulTransactions: 8,
		PaymentPunctuality:     90,
		DeliveryTimeliness:     70,
	}
	// 80*0.7 + 90*0.2 + 70*0.1 = 81
	if got := TransactionScore(m); !approx(got, 81) {
		t.Errorf("got %v, want 81", got)
	}
}

func TestFinancialScore(t *testing.T) {
	if got := FinancialScore(BehaviorMetrics{}); got != NeutralScore {
		t.Errorf("no payments: got %v, want neutral", got)
	}

	noEscrow := BehaviorMetrics{TotalPayments: 5, PaymentPunctuality: 100}
	if got := FinancialScore(noEscrow); !approx(got, 80) {
		t.Errorf("no escrow: got %v, want 80", got)
	}

	withEscrow := BehaviorMetrics{TotalPayments: 5, PaymentPunctuality: 100, TotalEscrows: 3, EscrowSuccessRate: 100}
	if got := FinancialScore(withEscrow); !approx(got, 100) {
		t.Errorf("with escrow: got %v, want 100", got)
	}
}

func TestPerformanceScoreDisputePenalty(t *testing.T) {
	clean := BehaviorMetrics{
		TotalTransactions:      10,
		SuccessfulTransactions: 10,
		DeliveryTimeliness:     100,
		TotalDeliveries:        10,
	}
	// 100*0.7 + 100*0.2 + 10 = 100
	if got := PerformanceScore(clean); !approx(got, 100) {
		t.Errorf("clean: got %v, want 100", got)
	}

	disputed := clean
	disputed.DisputeRate = 0.5
	// Dispute bonus shrinks to 10 - 0.5*10 = 5.
	if got := PerformanceScore(disputed); !approx(got, 95) {
		t.Errorf("disputed: got %v, want 95", got)
	}

	heavy := clean
	heavy.DisputeRate = 3
	// Bonus cannot go negative.
	if got := PerformanceScore(heavy); !approx(got, 90) {
		t.Errorf("heavy disputes: got %v, want 90", got)
	}
}

func TestLearningScore(t *testing.T) {
	if got := LearningScore(ReadinessMetrics{}); got != 0 {
		t.Errorf("no activity: got %v, want 0", got)
	}

	// Course and certification credit cap at 40 and 30.
	maxed := ReadinessMetrics{CoursesCompleted: 20, CertificationsEarned: 10, QuizAverageScore: 100, DocumentationReadiness: 100}
	if got := LearningScore(maxed); !approx(got, 100) {
		t.Errorf("maxed: got %v, want 100", got)
	}

	partial := ReadinessMetrics{CoursesCompleted: 2, QuizAverageScore: 50}
	// 10 + 0 + 10 + 0 = 20
	if got := LearningScore(partial); !approx(got, 20) {
		t.Errorf("partial: got %v, want 20", got)
	}
}

func TestAggregateWeights(t *testing.T) {
	d := Dimensions{Identity: 100, Transaction: 100, Financial: 100, Performance: 100, Learning: 100}
	if got := Aggregate(d); !approx(got, 100) {
		t.Errorf("all hundred: got %v, want 100", got)
	}

	d = Dimensions{Identity: 100}
	if got := Aggregate(d); !approx(got, 30) {
		t.Errorf("identity only: got %v, want 30", got)
	}
}

func TestGuaranteeTrust(t *testing.T) {
	d := Dimensions{Financial: 80, Performance: 60}
	// 80*0.6 + 60*0.4 = 72
	if got := GuaranteeTrust(d); !approx(got, 72) {
		t.Errorf("got %v, want 72", got)
	}
}

func TestDecayRateBands(t *testing.T) {
	tests := []struct {
		days int
		want float64
	}{
		{0, 0}, {29, 0}, {30, 0.5}, {59, 0.5},
		{60, 1.0}, {89, 1.0}, {90, 2.0}, {179, 2.0},
		{180, 3.0}, {1000, 3.0},
	}
	for _, tt := range tests {
		if got := DecayRate(tt.days); got != tt.want {
			t.Errorf("DecayRate(%d) = %v, want %v", tt.days, got, tt.want)
		}
	}
}

func TestRecoveryAmount(t *testing.T) {
	if got := RecoveryAmount(10, 1); got != 0 {
		t.Errorf("inside threshold: got %v, want 0", got)
	}
	if got := RecoveryAmount(45, 0); got != 0 {
		t.Errorf("zero value: got %v, want 0", got)
	}
	// 0.5 band doubled and scaled by value 2 = 2.
	if got := RecoveryAmount(45, 2); !approx(got, 2) {
		t.Errorf("got %v, want 2", got)
	}
	// Cap applies regardless of band and value.
	if got := RecoveryAmount(365, 10); got != MaxRecoveryPerEvent {
		t.Errorf("got %v, want cap %v", got, MaxRecoveryPerEvent)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(-5); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
	if got := Clamp(105); got != 100 {
		t.Errorf("got %v, want 100", got)
	}
	if got := Clamp(42.5); got != 42.5 {
		t.Errorf("got %v, want 42.5", got)
	}
}
