// Package scoring implements the multi-dimensional trust score math:
// per-dimension formulas, the fixed-weight aggregate, inactivity decay bands,
// and activity recovery.
//
// It is stateless and does no I/O — raw metrics are passed as arguments by
// the trust engine, which owns persistence and event logging. All scores are
// float64 in [0,100].
package scoring

import "math"

// Aggregate weights. The aggregate trust score is always this fixed
// combination of the five dimensions, clamped to [0,100].
const (
	WeightIdentity    = 0.30
	WeightTransaction = 0.20
	WeightFinancial   = 0.20
	WeightPerformance = 0.20
	WeightLearning    = 0.10
)

// NeutralScore is the default for dimensions with no history yet. A new
// entity is neither trusted nor distrusted on behavior.
const NeutralScore = 50.0

// MaxRecoveryPerEvent caps how much a single activity event can restore.
const MaxRecoveryPerEvent = 5.0

// DecayThresholdDays is the inactivity period after which decay starts and
// recovery becomes applicable.
const DecayThresholdDays = 30

// KYC status values understood by the identity dimension.
const (
	KYCApproved   = "APPROVED"
	KYCInProgress = "IN_PROGRESS"
	KYCPending    = "PENDING"
)

// KYCProfile is the identity snapshot supplied by the identity/KYC store.
type KYCProfile struct {
	Status       string
	Verified     bool
	Active       bool
	DocsComplete bool
}

// BehaviorMetrics are the raw transactional metrics supplied by the behavior
// metrics store. Rates are percentages in [0,100]; DisputeRate is a ratio in
// [0,1] disputes-per-transaction style figure.
type BehaviorMetrics struct {
	TotalTransactions      int
	SuccessfulTransactions int
	PaymentPunctuality     float64
	DeliveryTimeliness     float64
	DisputeRate            float64
	EscrowSuccessRate      float64
	TotalEscrows           int
	TotalPayments          int
	TotalDeliveries        int
}

// SuccessRate returns the successful-transaction percentage, or 0 with no
// history.
func (m BehaviorMetrics) SuccessRate() float64 {
	if m.TotalTransactions == 0 {
		return 0
	}
	return float64(m.SuccessfulTransactions) / float64(m.TotalTransactions) * 100
}

// ReadinessMetrics are the learning metrics supplied by the readiness store.
type ReadinessMetrics struct {
	CoursesCompleted       int
	CertificationsEarned   int
	QuizAverageScore       float64
	DocumentationReadiness float64
}

// Dimensions is the five-dimension breakdown feeding the aggregate.
type Dimensions struct {
	Identity    float64
	Transaction float64
	Financial   float64
	Performance float64
	Learning    float64
}

// IdentityScore scores KYC and account standing: approved=60, in-progress=30,
// pending=10, else 0; +20 verified, +10 active, +10 documents complete.
// Capped at 100.
func IdentityScore(p KYCProfile) float64 {
	var score float64
	switch p.Status {
	case KYCApproved:
		score = 60
	case KYCInProgress:
		score = 30
	case KYCPending:
		score = 10
	}
	if p.Verified {
		score += 20
	}
	if p.Active {
		score += 10
	}
	if p.DocsComplete {
		score += 10
	}
	return Clamp(score)
}

// TransactionScore weighs success rate, payment punctuality, and delivery
// timeliness. Neutral 50 when the entity has no transaction history.
func TransactionScore(m BehaviorMetrics) float64 {
	if m.TotalTransactions == 0 {
		return NeutralScore
	}
	return Clamp(m.SuccessRate()*0.7 + m.PaymentPunctuality*0.2 + m.DeliveryTimeliness*0.1)
}

// FinancialScore weighs payment punctuality, adding escrow performance when
// the entity has escrow history. Neutral 50 with no payments.
func FinancialScore(m BehaviorMetrics) float64 {
	if m.TotalPayments == 0 {
		return NeutralScore
	}
	score := m.PaymentPunctuality * 0.8
	if m.TotalEscrows > 0 {
		score += m.EscrowSuccessRate * 0.2
	}
	return Clamp(score)
}

// PerformanceScore weighs delivery timeliness and success rate, with a
// dispute penalty eating into a 10-point bonus. Neutral 50 with no
// deliveries.
func PerformanceScore(m BehaviorMetrics) float64 {
	if m.TotalDeliveries == 0 {
		return NeutralScore
	}
	disputeBonus := math.Max(0, 10-m.DisputeRate*10)
	return Clamp(m.DeliveryTimeliness*0.7 + m.SuccessRate()*0.2 + disputeBonus)
}

// LearningScore rewards completed courses (up to 40), certifications (up to
// 30), quiz performance, and documentation readiness. Zero when the entity
// has no learning activity at all.
func LearningScore(r ReadinessMetrics) float64 {
	if r.CoursesCompleted == 0 && r.CertificationsEarned == 0 &&
		r.QuizAverageScore == 0 && r.DocumentationReadiness == 0 {
		return 0
	}
	courses := math.Min(40, float64(r.CoursesCompleted)*5)
	certs := math.Min(30, float64(r.CertificationsEarned)*10)
	return Clamp(courses + certs + r.QuizAverageScore*0.2 + r.DocumentationReadiness*0.1)
}

// Aggregate combines the five dimensions with the fixed weights, clamped to
// [0,100].
func Aggregate(d Dimensions) float64 {
	return Clamp(d.Identity*WeightIdentity +
		d.Transaction*WeightTransaction +
		d.Financial*WeightFinancial +
		d.Performance*WeightPerformance +
		d.Learning*WeightLearning)
}

// BehaviorScore is a separate explanatory heuristic: baseline 50, nudged by
// how far success rate, punctuality, and delivery sit from neutral, with a
// dispute penalty. It does not feed the aggregate.
func BehaviorScore(m BehaviorMetrics) float64 {
	score := NeutralScore
	if m.TotalTransactions > 0 {
		score += (m.SuccessRate() - 50) * 0.3
	}
	if m.TotalPayments > 0 {
		score += (m.PaymentPunctuality - 50) * 0.2
	}
	if m.TotalDeliveries > 0 {
		score += (m.DeliveryTimeliness - 50) * 0.2
	}
	score -= m.DisputeRate * 5
	return Clamp(score)
}

// GuaranteeTrust derives the guarantee-specific trust score used to gate
// guarantee bids: financial standing dominates, delivery performance backs
// it up.
func GuaranteeTrust(d Dimensions) float64 {
	return Clamp(d.Financial*0.6 + d.Performance*0.4)
}

// DecayRate returns the monthly score decay for a given inactivity span.
// Rates increase with inactivity and are zero below the 30-day threshold.
func DecayRate(daysInactive int) float64 {
	switch {
	case daysInactive < 30:
		return 0
	case daysInactive < 60:
		return 0.5
	case daysInactive < 90:
		return 1.0
	case daysInactive < 180:
		return 2.0
	default:
		return 3.0
	}
}

// RecoveryAmount returns the score restored by one activity event after an
// inactivity span: twice the decay rate scaled by the activity's value,
// capped at MaxRecoveryPerEvent. Zero below the 30-day threshold.
func RecoveryAmount(daysInactive int, activityValue float64) float64 {
	if daysInactive < DecayThresholdDays || activityValue <= 0 {
		return 0
	}
	return math.Min(DecayRate(daysInactive)*2*activityValue, MaxRecoveryPerEvent)
}

// Clamp bounds a score to [0,100].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
