package scrapequota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sq "github.com/karooworks/scrapequota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a mutable time source shared between test and manager.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordingMeter captures every event for assertions.
type recordingMeter struct {
	mu        sync.Mutex
	decisions []sq.DecisionEvent
	usages    []sq.UsageEvent
	breakers  []sq.BreakerEvent
	states    []sq.StateEvent
}

func (m *recordingMeter) OnDecision(e sq.DecisionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, e)
}

func (m *recordingMeter) OnUsage(e sq.UsageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usages = append(m.usages, e)
}

func (m *recordingMeter) OnBreaker(e sq.BreakerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers = append(m.breakers, e)
}

func (m *recordingMeter) OnState(e sq.StateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, e)
}

func (m *recordingMeter) stateKinds() []sq.StateKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]sq.StateKind, len(m.states))
	for i, e := range m.states {
		kinds[i] = e.Kind
	}
	return kinds
}

// memStore is an in-memory StateStore for restore/flush tests.
type memStore struct {
	mu      sync.Mutex
	snap    sq.Snapshot
	hasSnap bool
	loadErr error
	saveErr error
	saves   int
}

func (s *memStore) Load(context.Context) (sq.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return sq.Snapshot{}, s.loadErr
	}
	if !s.hasSnap {
		return sq.Snapshot{}, sq.ErrStateStale
	}
	return s.snap, nil
}

func (s *memStore) Save(_ context.Context, snap sq.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.snap = snap
	s.hasSnap = true
	s.saves++
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func baseConfig() sq.Config {
	cfg := sq.DefaultConfig()
	cfg.MonthlyQuota = 1000
	cfg.DailyQuota = 500
	return cfg
}

func newManager(t *testing.T, cfg sq.Config, opts ...sq.ManagerOption) *sq.Manager {
	t.Helper()
	m, err := sq.NewManager(cfg, opts...)
	require.NoError(t, err)
	return m
}

// midMonth is a fixed reference instant well inside a 30-day month.
var midMonth = time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)

// Scenario A: priority soft cap binds once the warning threshold is crossed.
func TestCheckQuota_PrioritySoftCapBindsUnderPressure(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 100
	cfg.DailyQuota = 1000
	cfg.WarningThreshold = 0.8
	cfg.EmergencyThreshold = 0.99
	cfg.PriorityAllocation = map[sq.Priority]float64{sq.PriorityHigh: 0.3}

	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now))

	m.RecordUsage(90, sq.PriorityHigh, "")

	// HIGH used 90 >= cap 30 and overall usage 0.9 >= 0.8.
	assert.False(t, m.CheckQuota(sq.PriorityHigh, ""))

	// CRITICAL ignores soft caps while hard caps have headroom.
	assert.True(t, m.CheckQuota(sq.PriorityCritical, ""))
}

// Soft caps are inert below the warning threshold.
func TestCheckQuota_SoftCapInertBelowWarningThreshold(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 1000
	cfg.WarningThreshold = 0.8
	cfg.PriorityAllocation = map[sq.Priority]float64{sq.PriorityLow: 0.01} // cap 10

	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now))

	// LOW blows past its allocation of 10, but overall usage is only 5%.
	m.RecordUsage(50, sq.PriorityLow, "")
	assert.True(t, m.CheckQuota(sq.PriorityLow, ""))
}

// Scenario B: daily hard cap blocks every priority, CRITICAL included.
func TestCheckQuota_DailyHardCapBlocksAll(t *testing.T) {
	cfg := baseConfig()
	cfg.DailyQuota = 10

	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now))

	m.RecordUsage(10, sq.PriorityMedium, "")

	for _, p := range sq.Priorities {
		assert.False(t, m.CheckQuota(p, ""), "priority %s should be blocked by the daily cap", p)
	}
}

func TestCheckQuota_MonthlyHardCapBlocksAll(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 20
	cfg.DailyQuota = 100

	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now))

	m.RecordUsage(20, sq.PriorityMedium, "")

	assert.False(t, m.CheckQuota(sq.PriorityCritical, ""))
	assert.False(t, m.CheckQuota(sq.PriorityMedium, ""))
}

// Category soft cap follows the same two-tier policy as priorities.
func TestCheckQuota_CategorySoftCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 100
	cfg.DailyQuota = 1000
	cfg.WarningThreshold = 0.5
	cfg.EmergencyThreshold = 0.99
	cfg.PriorityAllocation = map[sq.Priority]float64{}
	cfg.CategoryAllocation = map[string]float64{"search_monitoring": 0.2} // cap 20

	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now))

	m.RecordUsage(30, sq.PriorityMedium, "search_monitoring")
	m.RecordUsage(30, sq.PriorityMedium, "product_details")

	assert.False(t, m.CheckQuota(sq.PriorityMedium, "search_monitoring"))
	// Unconfigured category is uncapped.
	assert.True(t, m.CheckQuota(sq.PriorityMedium, "product_details"))
	// No category at all is uncapped.
	assert.True(t, m.CheckQuota(sq.PriorityMedium, ""))
}

// Hard-cap invariant: gating every unit through TryReserve can never
// overshoot either cap, even from many goroutines.
func TestTryReserve_NeverOvershootsHardCaps(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 200
	cfg.DailyQuota = 120
	cfg.PriorityAllocation = map[sq.Priority]float64{}

	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now))

	var wg sync.WaitGroup
	granted := make([]int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if m.TryReserve(sq.PriorityMedium, "product_details") {
					granted[idx]++
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range granted {
		total += n
	}
	assert.Equal(t, 120, total, "exactly the daily cap should be granted")

	st := m.Status()
	assert.LessOrEqual(t, st.RequestCount, cfg.MonthlyQuota)
	assert.Equal(t, cfg.DailyQuota, st.DailyRequestCount)
}

// Emergency trip and circuit-breaker isolation: once tripped for
// non-critical work, CRITICAL is governed only by the hard caps.
func TestCircuitBreaker_TripAndCriticalBypass(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 100
	cfg.DailyQuota = 1000
	cfg.WarningThreshold = 0.5
	cfg.EmergencyThreshold = 0.9
	cfg.PriorityAllocation = map[sq.Priority]float64{}
	cfg.CircuitBreakerResetSeconds = 600

	clock := newFakeClock(midMonth)
	rec := &recordingMeter{}
	m := newManager(t, cfg, sq.WithClock(clock.Now), sq.WithMeter(rec))

	m.RecordUsage(95, sq.PriorityCritical, "")

	// First non-critical check trips the breaker.
	assert.False(t, m.CheckQuota(sq.PriorityHigh, ""))
	require.Len(t, rec.breakers, 1)
	assert.True(t, rec.breakers[0].Open)
	assert.NotEmpty(t, rec.breakers[0].IncidentID)

	st := m.Status()
	assert.True(t, st.BreakerOpen)
	assert.Equal(t, rec.breakers[0].IncidentID, st.BreakerIncidentID)

	// While open, non-critical is denied without re-evaluation.
	assert.False(t, m.CheckQuota(sq.PriorityHigh, ""))
	assert.False(t, m.CheckQuota(sq.PriorityBackground, "daily_deals"))

	// CRITICAL bypasses the open breaker; only hard caps bind.
	assert.True(t, m.CheckQuota(sq.PriorityCritical, ""))
	m.RecordUsage(5, sq.PriorityCritical, "")
	assert.False(t, m.CheckQuota(sq.PriorityCritical, ""), "monthly cap reached")
}

// Lazy OPEN→CLOSED transition: after the cooldown a non-critical check
// observes the elapsed reset duration and clears the breaker. Here usage is
// still above the emergency threshold, so the same check immediately
// re-trips with a fresh incident.
func TestCircuitBreaker_LazyResetAfterCooldown(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 100
	cfg.DailyQuota = 1000
	cfg.WarningThreshold = 0.5
	cfg.EmergencyThreshold = 0.9
	cfg.PriorityAllocation = map[sq.Priority]float64{}
	cfg.CircuitBreakerResetSeconds = 600

	clock := newFakeClock(midMonth)
	rec := &recordingMeter{}
	m := newManager(t, cfg, sq.WithClock(clock.Now), sq.WithMeter(rec))

	m.RecordUsage(95, sq.PriorityMedium, "")
	assert.False(t, m.CheckQuota(sq.PriorityHigh, "")) // trips
	require.Len(t, rec.breakers, 1)
	first := rec.breakers[0].IncidentID

	clock.Advance(11 * time.Minute)
	assert.False(t, m.CheckQuota(sq.PriorityHigh, ""))

	// Close observed, then a new trip with a distinct incident.
	require.Len(t, rec.breakers, 3)
	assert.False(t, rec.breakers[1].Open)
	assert.Equal(t, first, rec.breakers[1].IncidentID)
	assert.True(t, rec.breakers[2].Open)
	assert.NotEqual(t, first, rec.breakers[2].IncidentID)
}

func TestCircuitBreaker_DisabledNeverTrips(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 100
	cfg.DailyQuota = 1000
	cfg.EmergencyThreshold = 0.5
	cfg.WarningThreshold = 0.4
	cfg.PriorityAllocation = map[sq.Priority]float64{}
	cfg.CircuitBreakerEnabled = false

	clock := newFakeClock(midMonth)
	rec := &recordingMeter{}
	m := newManager(t, cfg, sq.WithClock(clock.Now), sq.WithMeter(rec))

	m.RecordUsage(80, sq.PriorityMedium, "")
	assert.True(t, m.CheckQuota(sq.PriorityMedium, ""))
	assert.Empty(t, rec.breakers)
}

// Month rollover resets everything including the breaker; day rollover
// resets only the daily counter.
func TestRollover_MonthAndDay(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 100
	cfg.DailyQuota = 200
	cfg.WarningThreshold = 0.5
	cfg.EmergencyThreshold = 0.9
	cfg.PriorityAllocation = map[sq.Priority]float64{}

	clock := newFakeClock(midMonth)
	rec := &recordingMeter{}
	m := newManager(t, cfg, sq.WithClock(clock.Now), sq.WithMeter(rec))

	m.RecordUsage(30, sq.PriorityHigh, "product_details")

	// Next day: daily resets, monthly survives.
	clock.Advance(24 * time.Hour)
	m.ResetIfNeeded()
	st := m.Status()
	assert.Equal(t, 30, st.RequestCount)
	assert.Equal(t, 0, st.DailyRequestCount)
	assert.Contains(t, rec.stateKinds(), sq.StateRolloverDay)

	// Trip the breaker, then cross into the next month.
	m.RecordUsage(65, sq.PriorityHigh, "product_details")
	assert.False(t, m.CheckQuota(sq.PriorityHigh, ""))
	require.True(t, m.Status().BreakerOpen)

	clock.Set(time.Date(2025, time.July, 1, 0, 5, 0, 0, time.UTC))
	m.ResetIfNeeded()
	st = m.Status()
	assert.Equal(t, 0, st.RequestCount)
	assert.Equal(t, 0, st.DailyRequestCount)
	assert.False(t, st.BreakerOpen)
	assert.Equal(t, 0, st.PriorityUsage[sq.PriorityHigh].Used)
	assert.Contains(t, rec.stateKinds(), sq.StateRolloverMonth)

	assert.True(t, m.CheckQuota(sq.PriorityHigh, ""))
}

// Rollover idempotence: the second call within the same period is a no-op.
func TestRollover_Idempotent(t *testing.T) {
	cfg := baseConfig()
	clock := newFakeClock(midMonth)
	rec := &recordingMeter{}
	m := newManager(t, cfg, sq.WithClock(clock.Now), sq.WithMeter(rec))

	m.RecordUsage(5, sq.PriorityMedium, "")
	clock.Advance(24 * time.Hour)

	m.ResetIfNeeded()
	before := m.Status()
	kindsBefore := len(rec.stateKinds())

	m.ResetIfNeeded()
	after := m.Status()
	assert.Equal(t, before.RequestCount, after.RequestCount)
	assert.Equal(t, before.DailyRequestCount, after.DailyRequestCount)
	assert.Len(t, rec.stateKinds(), kindsBefore, "no further events after the first rollover")
}

// Scenario C: a snapshot from a previous month is stale and ignored.
func TestRestore_StaleMonthIgnored(t *testing.T) {
	clock := newFakeClock(time.Date(2025, time.April, 2, 8, 0, 0, 0, time.UTC))
	store := &memStore{
		hasSnap: true,
		snap: sq.Snapshot{
			RequestCount:      400,
			DailyRequestCount: 50,
			CurrentMonth:      3,
			CurrentDay:        31,
			PriorityUsage:     map[sq.Priority]int{sq.PriorityHigh: 400},
			CategoryUsage:     map[string]int{"product_details": 400},
		},
	}

	rec := &recordingMeter{}
	m := newManager(t, baseConfig(),
		sq.WithClock(clock.Now), sq.WithStateStore(store), sq.WithMeter(rec))

	st := m.Status()
	assert.Equal(t, 0, st.RequestCount)
	assert.Equal(t, 0, st.DailyRequestCount)
	assert.Empty(t, st.CategoryUsage)
	assert.False(t, st.BreakerOpen)

	require.NotEmpty(t, rec.states)
	assert.Equal(t, sq.StateReset, rec.states[0].Kind)
	assert.ErrorIs(t, rec.states[0].Err, sq.ErrStateStale)
}

func TestRestore_SameMonthSameDay(t *testing.T) {
	clock := newFakeClock(midMonth)
	store := &memStore{
		hasSnap: true,
		snap: sq.Snapshot{
			RequestCount:      120,
			DailyRequestCount: 30,
			CurrentMonth:      6,
			CurrentDay:        15,
			PriorityUsage:     map[sq.Priority]int{sq.PriorityMedium: 120},
			CategoryUsage:     map[string]int{"daily_deals": 120},
		},
	}

	rec := &recordingMeter{}
	m := newManager(t, baseConfig(),
		sq.WithClock(clock.Now), sq.WithStateStore(store), sq.WithMeter(rec))

	st := m.Status()
	assert.Equal(t, 120, st.RequestCount)
	assert.Equal(t, 30, st.DailyRequestCount)
	assert.Equal(t, 120, st.PriorityUsage[sq.PriorityMedium].Used)
	assert.Equal(t, 120, st.CategoryUsage["daily_deals"].Used)

	require.NotEmpty(t, rec.states)
	assert.Equal(t, sq.StateRecovered, rec.states[0].Kind)
}

// Same month, different day: monthly counters restore, daily starts fresh.
func TestRestore_SameMonthDifferentDay(t *testing.T) {
	clock := newFakeClock(midMonth)
	store := &memStore{
		hasSnap: true,
		snap: sq.Snapshot{
			RequestCount:      120,
			DailyRequestCount: 30,
			CurrentMonth:      6,
			CurrentDay:        14,
			PriorityUsage:     map[sq.Priority]int{sq.PriorityMedium: 120},
		},
	}

	m := newManager(t, baseConfig(), sq.WithClock(clock.Now), sq.WithStateStore(store))

	st := m.Status()
	assert.Equal(t, 120, st.RequestCount)
	assert.Equal(t, 0, st.DailyRequestCount)
}

// A broken store degrades to zeroed defaults rather than failing
// construction, with a distinguishable reset signal.
func TestRestore_LoadErrorDegradesToDefaults(t *testing.T) {
	store := &memStore{loadErr: errors.New("disk on fire")}
	rec := &recordingMeter{}

	m := newManager(t, baseConfig(),
		sq.WithClock(newFakeClock(midMonth).Now), sq.WithStateStore(store), sq.WithMeter(rec))

	assert.Equal(t, 0, m.Status().RequestCount)
	require.NotEmpty(t, rec.states)
	assert.Equal(t, sq.StateReset, rec.states[0].Kind)
	assert.EqualError(t, rec.states[0].Err, "disk on fire")
}

// Deterministic flush policy: persist after every FlushEvery records.
func TestFlush_EveryNRecords(t *testing.T) {
	cfg := baseConfig()
	cfg.FlushEvery = 3
	cfg.FlushIntervalSeconds = 0

	store := &memStore{}
	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now), sq.WithStateStore(store))

	m.RecordUsage(1, sq.PriorityMedium, "")
	m.RecordUsage(1, sq.PriorityMedium, "")
	assert.Equal(t, 0, store.saveCount())

	m.RecordUsage(1, sq.PriorityMedium, "")
	assert.Equal(t, 1, store.saveCount())

	m.RecordUsage(1, sq.PriorityMedium, "")
	m.RecordUsage(1, sq.PriorityMedium, "")
	m.RecordUsage(1, sq.PriorityMedium, "")
	assert.Equal(t, 2, store.saveCount())

	store.mu.Lock()
	snap := store.snap
	store.mu.Unlock()
	assert.Equal(t, 6, snap.RequestCount)
	assert.Equal(t, 6, snap.PriorityUsage[sq.PriorityMedium])
	assert.NotEmpty(t, snap.ID)
}

func TestFlush_IntervalElapsed(t *testing.T) {
	cfg := baseConfig()
	cfg.FlushEvery = 0
	cfg.FlushIntervalSeconds = 60

	store := &memStore{}
	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now), sq.WithStateStore(store))

	m.RecordUsage(1, sq.PriorityMedium, "")
	assert.Equal(t, 0, store.saveCount())

	clock.Advance(2 * time.Minute)
	m.RecordUsage(1, sq.PriorityMedium, "")
	assert.Equal(t, 1, store.saveCount())
}

func TestFlush_Explicit(t *testing.T) {
	store := &memStore{}
	m := newManager(t, baseConfig(),
		sq.WithClock(newFakeClock(midMonth).Now), sq.WithStateStore(store))

	m.RecordUsage(7, sq.PriorityHigh, "product_details")
	require.NoError(t, m.Flush(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 7, store.snap.RequestCount)
	assert.Equal(t, 7, store.snap.CategoryUsage["product_details"])
}

func TestFlush_FailureIsReportedNotFatal(t *testing.T) {
	cfg := baseConfig()
	cfg.FlushEvery = 1

	store := &memStore{saveErr: errors.New("read-only fs")}
	rec := &recordingMeter{}
	m := newManager(t, cfg,
		sq.WithClock(newFakeClock(midMonth).Now), sq.WithStateStore(store), sq.WithMeter(rec))

	m.RecordUsage(1, sq.PriorityMedium, "")
	assert.Contains(t, rec.stateKinds(), sq.StateFlushFailed)
	// The engine keeps serving.
	assert.True(t, m.CheckQuota(sq.PriorityMedium, ""))
}

func TestStatus_DailyBudgetForecast(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 1600

	// June 15th: 16 days remain including today.
	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now))

	m.RecordUsage(320, sq.PriorityMedium, "")

	st := m.Status()
	assert.Equal(t, 1280, st.MonthlyRemaining)
	assert.InDelta(t, 80.0, st.DailyBudget, 0.001) // 1280 / 16
	assert.InDelta(t, 20.0, st.MonthlyUsagePct, 0.001)
}

func TestStatus_AllocationBreakdown(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 100
	cfg.PriorityAllocation = map[sq.Priority]float64{sq.PriorityHigh: 0.3}
	cfg.CategoryAllocation = map[string]float64{"daily_deals": 0.1}

	clock := newFakeClock(midMonth)
	m := newManager(t, cfg, sq.WithClock(clock.Now))

	m.RecordUsage(4, sq.PriorityHigh, "daily_deals")

	st := m.Status()
	assert.Equal(t, 4, st.PriorityUsage[sq.PriorityHigh].Used)
	assert.Equal(t, 30, st.PriorityUsage[sq.PriorityHigh].Limit)
	assert.Equal(t, 0, st.PriorityUsage[sq.PriorityLow].Limit, "no allocation configured")
	assert.Equal(t, 4, st.CategoryUsage["daily_deals"].Used)
	assert.Equal(t, 10, st.CategoryUsage["daily_deals"].Limit)
}

// Crossing the warning threshold flags allowed decisions rather than
// denying them.
func TestCheckQuota_WarningFlagOnAllowedDecisions(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 100
	cfg.DailyQuota = 1000
	cfg.WarningThreshold = 0.8
	cfg.EmergencyThreshold = 0.95
	cfg.PriorityAllocation = map[sq.Priority]float64{}

	clock := newFakeClock(midMonth)
	rec := &recordingMeter{}
	m := newManager(t, cfg, sq.WithClock(clock.Now), sq.WithMeter(rec))

	m.RecordUsage(85, sq.PriorityMedium, "")
	assert.True(t, m.CheckQuota(sq.PriorityMedium, ""))

	require.NotEmpty(t, rec.decisions)
	last := rec.decisions[len(rec.decisions)-1]
	assert.True(t, last.Allowed)
	assert.True(t, last.Warned)
}

func TestNewManager_RejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyQuota = 0
	_, err := sq.NewManager(cfg)
	assert.Error(t, err)
}
