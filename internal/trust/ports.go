// Package trust implements the trust score engine: multi-dimensional
// recalculation from collaborator-supplied metrics, inactivity decay,
// activity recovery, manual adjustment, and the append-only audit trail.
//
// The engine holds no ORM state; everything it needs from the rest of the
// platform comes through the collaborator interfaces below, called
// synchronously per operation.
package trust

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fundbridge/allocation-engine/internal/scoring"
)

// KYCStatus is the identity snapshot returned by the KYC store.
type KYCStatus struct {
	Status         string
	DocumentType   string
	DocumentNumber string
}

// KYCStore is the identity/KYC collaborator.
type KYCStore interface {
	GetKYCStatus(ctx context.Context, entityID string) (KYCStatus, error)
	IsVerified(ctx context.Context, entityID string) (bool, error)
	IsActive(ctx context.Context, entityID string) (bool, error)
}

// BehaviorStore supplies raw transactional behavior metrics.
type BehaviorStore interface {
	GetBehaviorMetrics(ctx context.Context, entityID string) (scoring.BehaviorMetrics, error)
}

// ReadinessStore supplies learning/readiness metrics.
type ReadinessStore interface {
	GetReadinessMetrics(ctx context.Context, entityID string) (scoring.ReadinessMetrics, error)
}

// ActivityLog is the activity clock: when was an entity last active, and
// which entities have gone quiet. The decay sweep and the recovery hook are
// both keyed off this single timestamp.
type ActivityLog interface {
	// LastActivityAt returns the entity's last activity time; ok is false
	// when the entity has never been seen.
	LastActivityAt(ctx context.Context, entityID string) (t time.Time, ok bool, err error)

	SetLastActivityAt(ctx context.Context, entityID string, t time.Time) error

	// ListInactiveSince returns up to limit entity IDs whose last activity
	// is before cutoff, including entities with no recorded activity at all.
	ListInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// --- In-memory collaborators, for tests and development wiring ---

// MemoryKYC is an in-memory KYCStore.
type MemoryKYC struct {
	mu       sync.RWMutex
	statuses map[string]KYCStatus
	verified map[string]bool
	active   map[string]bool
}

// NewMemoryKYC creates an empty in-memory KYC store.
func NewMemoryKYC() *MemoryKYC {
	return &MemoryKYC{
		statuses: make(map[string]KYCStatus),
		verified: make(map[string]bool),
		active:   make(map[string]bool),
	}
}

// Set records the full identity snapshot for an entity.
func (m *MemoryKYC) Set(entityID string, st KYCStatus, verified, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[entityID] = st
	m.verified[entityID] = verified
	m.active[entityID] = active
}

func (m *MemoryKYC) GetKYCStatus(_ context.Context, entityID string) (KYCStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[entityID], nil
}

func (m *MemoryKYC) IsVerified(_ context.Context, entityID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.verified[entityID], nil
}

func (m *MemoryKYC) IsActive(_ context.Context, entityID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[entityID], nil
}

// MemoryBehavior is an in-memory BehaviorStore.
type MemoryBehavior struct {
	mu      sync.RWMutex
	metrics map[string]scoring.BehaviorMetrics
}

func NewMemoryBehavior() *MemoryBehavior {
	return &MemoryBehavior{metrics: make(map[string]scoring.BehaviorMetrics)}
}

func (m *MemoryBehavior) Set(entityID string, bm scoring.BehaviorMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[entityID] = bm
}

func (m *MemoryBehavior) GetBehaviorMetrics(_ context.Context, entityID string) (scoring.BehaviorMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics[entityID], nil
}

// MemoryReadiness is an in-memory ReadinessStore.
type MemoryReadiness struct {
	mu      sync.RWMutex
	metrics map[string]scoring.ReadinessMetrics
}

func NewMemoryReadiness() *MemoryReadiness {
	return &MemoryReadiness{metrics: make(map[string]scoring.ReadinessMetrics)}
}

func (m *MemoryReadiness) Set(entityID string, rm scoring.ReadinessMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[entityID] = rm
}

func (m *MemoryReadiness) GetReadinessMetrics(_ context.Context, entityID string) (scoring.ReadinessMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics[entityID], nil
}

// MemoryActivityLog is an in-memory ActivityLog. Entities must be registered
// before they show up in inactivity scans; registration without activity
// models a "never active" entity.
type MemoryActivityLog struct {
	mu       sync.RWMutex
	entities map[string]bool
	lastSeen map[string]time.Time
}

func NewMemoryActivityLog() *MemoryActivityLog {
	return &MemoryActivityLog{
		entities: make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

// Register adds an entity to the scan population without recording activity.
func (m *MemoryActivityLog) Register(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entityID] = true
}

func (m *MemoryActivityLog) LastActivityAt(_ context.Context, entityID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastSeen[entityID]
	return t, ok, nil
}

func (m *MemoryActivityLog) SetLastActivityAt(_ context.Context, entityID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entityID] = true
	m.lastSeen[entityID] = t
	return nil
}

func (m *MemoryActivityLog) ListInactiveSince(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id := range m.entities {
		last, ok := m.lastSeen[id]
		if !ok || last.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
