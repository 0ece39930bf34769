package scrapequota

import "time"

// Status is a point-in-time view of quota state for reporting surfaces.
type Status struct {
	MonthlyQuota      int     `json:"monthly_quota"`
	DailyQuota        int     `json:"daily_quota"`
	RequestCount      int     `json:"request_count"`
	DailyRequestCount int     `json:"daily_request_count"`
	MonthlyRemaining  int     `json:"monthly_remaining"`
	DailyRemaining    int     `json:"daily_remaining"`
	MonthlyUsagePct   float64 `json:"monthly_usage_pct"`
	DailyUsagePct     float64 `json:"daily_usage_pct"`

	// DailyBudget is the forecast spend rate that would land exactly on the
	// monthly cap: remaining monthly quota over days left in the month
	// (current day included, so never a division by zero).
	DailyBudget float64 `json:"daily_budget"`

	PriorityUsage map[Priority]AllocationStatus `json:"priority_usage"`
	CategoryUsage map[string]AllocationStatus   `json:"category_usage"`

	BreakerOpen       bool          `json:"breaker_open"`
	BreakerIncidentID string        `json:"breaker_incident_id,omitempty"`
	BreakerOpenFor    time.Duration `json:"breaker_open_for,omitempty"`

	CurrentMonth int `json:"current_month"`
	CurrentDay   int `json:"current_day"`
}

// AllocationStatus pairs accumulated usage with its configured soft cap.
// Limit is zero when no allocation is configured for the dimension.
type AllocationStatus struct {
	Used       int     `json:"used"`
	Limit      int     `json:"limit,omitempty"`
	Allocation float64 `json:"allocation,omitempty"`
}

// Status returns a snapshot of current quota state, including remaining
// headroom, the forecast daily budget, full priority/category breakdowns,
// and circuit-breaker state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollover(now)

	st := Status{
		MonthlyQuota:      m.cfg.MonthlyQuota,
		DailyQuota:        m.cfg.DailyQuota,
		RequestCount:      m.requestCount,
		DailyRequestCount: m.dailyRequestCount,
		MonthlyRemaining:  m.cfg.MonthlyQuota - m.requestCount,
		DailyRemaining:    m.cfg.DailyQuota - m.dailyRequestCount,
		MonthlyUsagePct:   100 * float64(m.requestCount) / float64(m.cfg.MonthlyQuota),
		DailyUsagePct:     100 * float64(m.dailyRequestCount) / float64(m.cfg.DailyQuota),
		PriorityUsage:     make(map[Priority]AllocationStatus, len(Priorities)),
		CategoryUsage:     make(map[string]AllocationStatus, len(m.categoryUsage)),
		BreakerOpen:       m.breakerOpen,
		CurrentMonth:      m.currentMonth,
		CurrentDay:        m.currentDay,
	}

	daysLeft := daysRemainingInMonth(now)
	st.DailyBudget = float64(st.MonthlyRemaining) / float64(daysLeft)

	for _, p := range Priorities {
		as := AllocationStatus{Used: m.priorityUsage[p]}
		if alloc, ok := m.cfg.PriorityAllocation[p]; ok {
			as.Allocation = alloc
			as.Limit = int(float64(m.cfg.MonthlyQuota) * alloc)
		}
		st.PriorityUsage[p] = as
	}
	for cat, used := range m.categoryUsage {
		as := AllocationStatus{Used: used}
		if alloc, ok := m.cfg.CategoryAllocation[cat]; ok {
			as.Allocation = alloc
			as.Limit = int(float64(m.cfg.MonthlyQuota) * alloc)
		}
		st.CategoryUsage[cat] = as
	}

	if m.breakerOpen {
		st.BreakerIncidentID = m.breakerIncident
		st.BreakerOpenFor = now.Sub(m.breakerSince)
	}

	return st
}

// daysRemainingInMonth counts the days left in now's month, including today.
func daysRemainingInMonth(now time.Time) int {
	firstOfNext := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	lastDay := firstOfNext.AddDate(0, 0, -1).Day()
	remaining := lastDay - now.Day() + 1
	if remaining < 1 {
		return 1
	}
	return remaining
}
