package scrapequota

import "time"

// Meter observes quota engine events for monitoring/logging.
type Meter interface {
	// OnDecision is called for every CheckQuota/TryReserve evaluation.
	OnDecision(event DecisionEvent)

	// OnUsage is called when usage is recorded.
	OnUsage(event UsageEvent)

	// OnBreaker is called when the circuit breaker trips or resets.
	OnBreaker(event BreakerEvent)

	// OnState is called for rollover, persistence, and load outcomes.
	OnState(event StateEvent)
}

// DenyReason explains why a decision came back false.
type DenyReason string

const (
	DenyNone        DenyReason = ""
	DenyBreakerOpen DenyReason = "breaker_open"
	DenyMonthlyCap  DenyReason = "monthly_cap"
	DenyDailyCap    DenyReason = "daily_cap"
	DenyPriorityCap DenyReason = "priority_cap"
	DenyCategoryCap DenyReason = "category_cap"
	DenyEmergency   DenyReason = "emergency_trip"
)

// DecisionEvent describes a single quota decision.
type DecisionEvent struct {
	Priority      Priority
	Category      string
	Allowed       bool
	Reason        DenyReason
	Warned        bool // allowed, but monthly usage has crossed the warning threshold
	MonthlyUsed   int
	MonthlyQuota  int
	UsageFraction float64
}

// UsageEvent describes recorded proxy-request usage.
type UsageEvent struct {
	Count             int
	Priority          Priority
	Category          string
	RequestCount      int
	DailyRequestCount int
}

// BreakerEvent describes a circuit breaker transition.
type BreakerEvent struct {
	Open          bool // true on trip, false on reset
	IncidentID    string
	UsageFraction float64
	At            time.Time
}

// StateKind classifies a StateEvent.
type StateKind string

const (
	// StateRecovered: a persisted snapshot for the current period was loaded.
	StateRecovered StateKind = "recovered"
	// StateReset: no usable snapshot (absent, stale month, or corrupt);
	// counters start from zero. Err carries the cause when there is one.
	StateReset StateKind = "reset"
	// StateRolloverMonth / StateRolloverDay: calendar period change.
	StateRolloverMonth StateKind = "rollover_month"
	StateRolloverDay   StateKind = "rollover_day"
	// StateFlushed / StateFlushFailed: persistence outcomes.
	StateFlushed     StateKind = "flushed"
	StateFlushFailed StateKind = "flush_failed"
)

// StateEvent describes a state lifecycle transition.
type StateEvent struct {
	Kind StateKind
	Err  error
}
