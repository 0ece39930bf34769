package scrapequota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the authoritative counter of proxy-request usage against
// monthly/daily hard caps and priority/category soft caps, with a circuit
// breaker for overload protection.
//
// All decision and accounting paths run under a single mutex, so
// TryReserve is a true atomic check-and-increment; two callers can never
// both pass the gate and overshoot a hard cap.
type Manager struct {
	cfg   Config
	store StateStore
	meter Meter
	now   func() time.Time

	mu sync.Mutex

	requestCount      int
	dailyRequestCount int
	currentMonth      int
	currentDay        int
	priorityUsage     map[Priority]int
	categoryUsage     map[string]int

	breakerOpen     bool
	breakerSince    time.Time
	breakerIncident string

	recordsSinceFlush int
	lastFlush         time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStateStore sets the persistence backend. Without one the manager is
// purely in-memory.
func WithStateStore(s StateStore) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithMeter sets the event observer.
func WithMeter(mt Meter) ManagerOption {
	return func(m *Manager) { m.meter = mt }
}

// WithClock sets the time source. Decision paths never call time.Now
// directly, which keeps rollover and breaker cooldown testable.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager and, if a state store is configured, attempts
// to restore usage counters from the last persisted snapshot. A snapshot
// from a different calendar month is stale and ignored; within a matching
// month, daily counters are only restored when the day also matches. Load
// failures are never fatal: the manager degrades to zeroed counters and
// reports the outcome as a StateReset event so operators can tell a
// recovery from a silent restart.
func NewManager(cfg Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:           cfg,
		priorityUsage: make(map[Priority]int, len(Priorities)),
		categoryUsage: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.meter == nil {
		m.meter = noopMeter{}
	}

	now := m.now()
	m.currentMonth = int(now.Month())
	m.currentDay = now.Day()
	m.lastFlush = now

	if m.store != nil {
		m.restore(now)
	}

	return m, nil
}

func (m *Manager) restore(now time.Time) {
	snap, err := m.store.Load(context.Background())
	if err != nil {
		m.meter.OnState(StateEvent{Kind: StateReset, Err: err})
		return
	}

	if snap.CurrentMonth != int(now.Month()) {
		m.meter.OnState(StateEvent{Kind: StateReset, Err: ErrStateStale})
		return
	}

	m.requestCount = snap.RequestCount
	for p, n := range snap.PriorityUsage {
		m.priorityUsage[p] = n
	}
	for c, n := range snap.CategoryUsage {
		m.categoryUsage[c] = n
	}
	if snap.CurrentDay == now.Day() {
		m.dailyRequestCount = snap.DailyRequestCount
	}
	m.meter.OnState(StateEvent{Kind: StateRecovered})
}

// CheckQuota reports whether a single request at the given priority and
// category would currently be allowed. It does not consume quota; callers
// that act on a true result must follow up with RecordUsage. Under real
// concurrency prefer TryReserve, which closes the check-then-act gap.
func (m *Manager) CheckQuota(priority Priority, category string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed, _ := m.evaluate(priority, category)
	return allowed
}

// TryReserve atomically checks quota and, if allowed, consumes one request
// at the given priority and category. This is the production gate for
// scrapers: a true return means the request unit is already accounted for.
func (m *Manager) TryReserve(priority Priority, category string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed, _ := m.evaluate(priority, category)
	if !allowed {
		return false
	}
	m.record(1, priority, category)
	return true
}

// RecordUsage adds count consumed proxy requests to every applicable
// counter. It never rejects: callers must have gated through CheckQuota or
// TryReserve first.
func (m *Manager) RecordUsage(count int, priority Priority, category string) {
	if count <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover(m.now())
	m.record(count, priority, category)
}

// record increments counters and applies the flush policy. Lock held.
func (m *Manager) record(count int, priority Priority, category string) {
	m.requestCount += count
	m.dailyRequestCount += count
	m.priorityUsage[priority] += count
	if category != "" {
		m.categoryUsage[category] += count
	}

	m.meter.OnUsage(UsageEvent{
		Count:             count,
		Priority:          priority,
		Category:          category,
		RequestCount:      m.requestCount,
		DailyRequestCount: m.dailyRequestCount,
	})

	m.recordsSinceFlush++
	m.maybeFlush()
}

// evaluate runs the decision chain. Lock held. It may mutate state: period
// rollover, lazy breaker reset, and the emergency trip all happen here.
func (m *Manager) evaluate(priority Priority, category string) (bool, DenyReason) {
	now := m.now()
	m.rollover(now)

	deny := func(reason DenyReason) (bool, DenyReason) {
		m.emitDecision(priority, category, false, reason)
		return false, reason
	}

	// Circuit breaker. CRITICAL bypasses it entirely, including the lazy
	// cooldown reset.
	if m.cfg.CircuitBreakerEnabled && m.breakerOpen && priority != PriorityCritical {
		if now.Sub(m.breakerSince) > m.cfg.CircuitBreakerResetDuration() {
			m.closeBreaker(now)
		} else {
			return deny(DenyBreakerOpen)
		}
	}

	// Hard caps bind every priority, CRITICAL included.
	if m.requestCount >= m.cfg.MonthlyQuota {
		return deny(DenyMonthlyCap)
	}
	if m.dailyRequestCount >= m.cfg.DailyQuota {
		return deny(DenyDailyCap)
	}

	frac := float64(m.requestCount) / float64(m.cfg.MonthlyQuota)
	underPressure := frac >= m.cfg.WarningThreshold

	// Soft caps are inert until overall usage crosses the warning
	// threshold; only configured allocations bind.
	if priority != PriorityCritical && underPressure {
		if alloc, ok := m.cfg.PriorityAllocation[priority]; ok {
			limit := int(float64(m.cfg.MonthlyQuota) * alloc)
			if m.priorityUsage[priority] >= limit {
				return deny(DenyPriorityCap)
			}
		}
		if category != "" {
			if alloc, ok := m.cfg.CategoryAllocation[category]; ok {
				limit := int(float64(m.cfg.MonthlyQuota) * alloc)
				if m.categoryUsage[category] >= limit {
					return deny(DenyCategoryCap)
				}
			}
		}
	}

	// Emergency trip.
	if m.cfg.CircuitBreakerEnabled && priority != PriorityCritical && frac >= m.cfg.EmergencyThreshold {
		m.openBreaker(now, frac)
		return deny(DenyEmergency)
	}

	m.emitDecision(priority, category, true, DenyNone)
	return true, DenyNone
}

func (m *Manager) emitDecision(priority Priority, category string, allowed bool, reason DenyReason) {
	frac := float64(m.requestCount) / float64(m.cfg.MonthlyQuota)
	m.meter.OnDecision(DecisionEvent{
		Priority:      priority,
		Category:      category,
		Allowed:       allowed,
		Reason:        reason,
		Warned:        allowed && frac >= m.cfg.WarningThreshold,
		MonthlyUsed:   m.requestCount,
		MonthlyQuota:  m.cfg.MonthlyQuota,
		UsageFraction: frac,
	})
}

func (m *Manager) openBreaker(now time.Time, frac float64) {
	m.breakerOpen = true
	m.breakerSince = now
	m.breakerIncident = uuid.New().String()
	m.meter.OnBreaker(BreakerEvent{
		Open:          true,
		IncidentID:    m.breakerIncident,
		UsageFraction: frac,
		At:            now,
	})
}

func (m *Manager) closeBreaker(now time.Time) {
	m.meter.OnBreaker(BreakerEvent{
		Open:       false,
		IncidentID: m.breakerIncident,
		At:         now,
	})
	m.breakerOpen = false
	m.breakerIncident = ""
}

// ResetIfNeeded performs any pending calendar rollover. Rollover also runs
// lazily on every decision and usage call, so this only needs to be invoked
// by callers that want period boundaries honored during long idle stretches.
func (m *Manager) ResetIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(m.now())
}

// rollover resets counters on a calendar month or day change. Lock held.
// Idempotent within a period: a second call on the same day is a no-op.
func (m *Manager) rollover(now time.Time) {
	month, day := int(now.Month()), now.Day()

	switch {
	case month != m.currentMonth:
		m.requestCount = 0
		m.dailyRequestCount = 0
		m.priorityUsage = make(map[Priority]int, len(Priorities))
		m.categoryUsage = make(map[string]int)
		if m.breakerOpen {
			m.closeBreaker(now)
		}
		m.currentMonth = month
		m.currentDay = day
		m.meter.OnState(StateEvent{Kind: StateRolloverMonth})
		m.flush(now)

	case day != m.currentDay:
		m.dailyRequestCount = 0
		m.currentDay = day
		m.meter.OnState(StateEvent{Kind: StateRolloverDay})
		m.flush(now)
	}
}

// maybeFlush applies the deterministic flush policy: persist after every
// FlushEvery records or once FlushInterval has elapsed. Lock held.
func (m *Manager) maybeFlush() {
	if m.store == nil {
		return
	}
	now := m.now()
	if m.cfg.FlushEvery > 0 && m.recordsSinceFlush >= m.cfg.FlushEvery {
		m.flush(now)
		return
	}
	if interval := m.cfg.FlushInterval(); interval > 0 && now.Sub(m.lastFlush) >= interval {
		m.flush(now)
	}
}

// flush persists the current state. Lock held. Save failures are reported
// through the meter and otherwise swallowed: losing a flush degrades
// durability, never availability.
func (m *Manager) flush(now time.Time) {
	if m.store == nil {
		return
	}

	if err := m.store.Save(context.Background(), m.snapshot(now)); err != nil {
		m.meter.OnState(StateEvent{Kind: StateFlushFailed, Err: err})
		return
	}
	m.recordsSinceFlush = 0
	m.lastFlush = now
	m.meter.OnState(StateEvent{Kind: StateFlushed})
}

// Flush forces an immediate persist of the current state, for graceful
// shutdown paths.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	now := m.now()
	if err := m.store.Save(ctx, m.snapshot(now)); err != nil {
		m.meter.OnState(StateEvent{Kind: StateFlushFailed, Err: err})
		return err
	}
	m.recordsSinceFlush = 0
	m.lastFlush = now
	m.meter.OnState(StateEvent{Kind: StateFlushed})
	return nil
}

// snapshot builds a persistable copy of the current state. Lock held.
func (m *Manager) snapshot(now time.Time) Snapshot {
	pu := make(map[Priority]int, len(m.priorityUsage))
	for p, n := range m.priorityUsage {
		pu[p] = n
	}
	cu := make(map[string]int, len(m.categoryUsage))
	for c, n := range m.categoryUsage {
		cu[c] = n
	}
	return Snapshot{
		ID:                uuid.New().String(),
		RequestCount:      m.requestCount,
		DailyRequestCount: m.dailyRequestCount,
		CurrentMonth:      m.currentMonth,
		CurrentDay:        m.currentDay,
		PriorityUsage:     pu,
		CategoryUsage:     cu,
		LastUpdated:       now.UTC(),
	}
}

// noopMeter is the default meter.
type noopMeter struct{}

func (noopMeter) OnDecision(DecisionEvent) {}
func (noopMeter) OnUsage(UsageEvent)       {}
func (noopMeter) OnBreaker(BreakerEvent)   {}
func (noopMeter) OnState(StateEvent)       {}
